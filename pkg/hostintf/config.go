// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"fmt"

	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// ConfigCmdType selects the sensor configuration action
type ConfigCmdType uint8

const (
	ConfigCmdDisable   ConfigCmdType = 0
	ConfigCmdEnable    ConfigCmdType = 1
	ConfigCmdFlush     ConfigCmdType = 2
	ConfigCmdCfgData   ConfigCmdType = 3
	ConfigCmdCalibrate ConfigCmdType = 4
)

func (c ConfigCmdType) String() string {
	switch c {
	case ConfigCmdDisable:
		return "DISABLE"
	case ConfigCmdEnable:
		return "ENABLE"
	case ConfigCmdFlush:
		return "FLUSH"
	case ConfigCmdCfgData:
		return "CFG_DATA"
	case ConfigCmdCalibrate:
		return "CALIBRATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// configCmdSize is the fixed part after the event type word
const configCmdSize = 8 + 4 + 1 + 1 + 2

// ConfigCmd is a sensor configuration request from the host, written with
// WRITE_EVENT under EvtNoSensorConfigEvent
type ConfigCmd struct {
	SensType uint8
	Cmd      ConfigCmdType
	Rate     uint32
	Latency  uint64
	Flags    uint16
	Data     []byte
}

// Encode returns the WRITE_EVENT payload for c
func (c *ConfigCmd) Encode() []byte {
	m := msgbuf.NewSize(4 + configCmdSize + len(c.Data))
	m.WriteU32(EvtNoSensorConfigEvent)
	m.WriteU64(c.Latency)
	m.WriteU32(c.Rate)
	m.WriteU8(c.SensType)
	m.WriteU8(uint8(c.Cmd))
	m.WriteU16(c.Flags)
	m.WriteRaw(c.Data)
	return m.Bytes()
}

// DecodeConfigCmd parses the event data that follows the event type word
func DecodeConfigCmd(data []byte) (*ConfigCmd, error) {
	if len(data) < configCmdSize {
		return nil, fmt.Errorf("config command: %w", ErrShortRecord)
	}
	m := msgbuf.NewReader(data)
	c := &ConfigCmd{}
	c.Latency = m.ReadU64()
	c.Rate = m.ReadU32()
	c.SensType = m.ReadU8()
	c.Cmd = ConfigCmdType(m.ReadU8())
	c.Flags = m.ReadU16()
	if m.Room() > 0 {
		c.Data = append([]byte(nil), m.Remaining()...)
	}
	return c, nil
}
