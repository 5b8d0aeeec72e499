// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hostintf is the hub side of the host interface: it batches sensor
// samples into fixed-shape records under a global block budget, queues
// control records for the host and serves them through the Nanohub link
// command table.
package hostintf

import (
	"math"
	"time"

	"github.com/contexthub/nanostat/pkg/nanohub"
)

// Queue budget
const (
	MaxNumBlocks  = 280
	MinNumBlocks  = 10
	MaxMinSamples = 3000
	SensorDataMax = 240
	initRetries   = 4
)

// Sensor types. Records with SensTypeInvalid carry no sensor data.
const (
	SensTypeInvalid  = 0
	SensTypeLastUser = 63
	SensTypeMax      = SensTypeLastUser + 1
)

// Sensor batching latency check period
const checkLatencyPeriod = 500 * time.Millisecond

// Delta time encoding: fine deltas keep bit 0 set, coarse deltas are
// shifted right by deltaTimeShift with bit 0 clear
const (
	deltaTimeShift      = 9
	deltaTimeFineMask   = 1
	deltaTimeCoarseMask = ^uint32(1)
	deltaTimeRounding   = 1 << deltaTimeShift
	DeltaTimeMax        = uint64(math.MaxUint32) << deltaTimeShift
)

// Event types carried in the first word of each record
const (
	EvtAppFromHost         uint32 = 0x000000F8
	EvtResetReason         uint32 = 0x000000FB
	EvtNoFirstSensorEvent  uint32 = 0x00000200
	EvtNoSensorConfigEvent uint32 = 0x00000300
	EvtAppToHost           uint32 = 0x00000401
	EvtDebugLog            uint32 = 0x474F4C41
)

// SensorEventType returns the event type of sensType's data records
func SensorEventType(sensType uint8) uint32 {
	return EvtNoFirstSensorEvent + uint32(sensType)
}

// Interrupt classes
const (
	InterruptWakeup    = nanohub.IntWakeup
	InterruptNonWakeup = nanohub.IntNonWakeup
)

// HostHubRawPacketMaxLen bounds an app-to-host payload
const HostHubRawPacketMaxLen = 128

// Sensor rates with special meaning
const (
	SensorRateOnchange = 0xFFFFFF01
	SensorRateOneshot  = 0xFFFFFF02
)

// SensorLatencyNoData marks a sensor without batching latency
const SensorLatencyNoData = math.MaxUint64
