// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"fmt"

	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// Client message types sent to the system app
const (
	MsgAppsEnable  uint32 = 1
	MsgAppsDisable uint32 = 2
	MsgLoadApp     uint32 = 3
	MsgUnloadApp   uint32 = 4
	MsgQueryApps   uint32 = 5
	MsgQueryMemory uint32 = 6
	MsgOsReboot    uint32 = 7
)

// System app commands. Each device reply starts with the command byte it
// answers.
const (
	CmdExtAppsOn    uint8 = 0
	CmdExtAppsOff   uint8 = 1
	CmdExtAppDelete uint8 = 2
	CmdQueryMemInfo uint8 = 3
	CmdQueryApps    uint8 = 4
	CmdQueryRsaKeys uint8 = 5
	CmdStartUpload  uint8 = 6
	CmdContUpload   uint8 = 7
	CmdFinishUpload uint8 = 8
	CmdReboot       uint8 = 9
)

// Memory region types reported to clients
const (
	MemTypeMain       uint32 = 0
	MemTypeBootloader uint32 = 0x80000000
	MemTypeOS         uint32 = 0x80000001
	MemTypeEEData     uint32 = 0x80000002
	MemTypeRAM        uint32 = 0x80000003
)

// Wire sizes
const (
	AppEntrySize = 8 + 4 + 4 + 4
	MemInfoSize  = 11 * 4
	MemRangeSize = 3 * 4
)

// MemUnknown marks a size or use the device cannot report
const MemUnknown uint32 = 0xFFFFFFFF

// HubMessage is a message between a client and an app on the hub
type HubMessage struct {
	AppID       uint64
	MessageType uint32
	Data        []byte
}

// AppEntry describes one app loaded on the hub
type AppEntry struct {
	ID       uint64
	Version  uint32
	FlashUse uint32
	RAMUse   uint32
}

func (e *AppEntry) encode(m *msgbuf.MessageBuf) {
	m.WriteU64(e.ID)
	m.WriteU32(e.Version)
	m.WriteU32(e.FlashUse)
	m.WriteU32(e.RAMUse)
}

// Encode serializes e as it appears in QUERY_APPS replies and app lists
func (e *AppEntry) Encode() []byte {
	m := msgbuf.NewSize(AppEntrySize)
	e.encode(m)
	return m.Bytes()
}

func decodeAppEntry(m *msgbuf.MessageBuf) AppEntry {
	return AppEntry{
		ID:       m.ReadU64(),
		Version:  m.ReadU32(),
		FlashUse: m.ReadU32(),
		RAMUse:   m.ReadU32(),
	}
}

// MemInfo is the QUERY_MEMINFO reply body
type MemInfo struct {
	FlashSz, BlSz, OsSz, SharedSz, EeSz, RAMSz uint32
	BlUse, OsUse, SharedUse, EeUse, RAMUse     uint32
}

// Encode serializes the 44-byte reply body
func (mi *MemInfo) Encode() []byte {
	m := msgbuf.NewSize(MemInfoSize)
	for _, v := range []uint32{
		mi.FlashSz, mi.BlSz, mi.OsSz, mi.SharedSz, mi.EeSz, mi.RAMSz,
		mi.BlUse, mi.OsUse, mi.SharedUse, mi.EeUse, mi.RAMUse,
	} {
		m.WriteU32(v)
	}
	return m.Bytes()
}

// DecodeMemInfo parses a reply body, which must be exactly MemInfoSize
// bytes
func DecodeMemInfo(data []byte) (*MemInfo, error) {
	if len(data) != MemInfoSize {
		return nil, fmt.Errorf("meminfo is %d bytes, want %d", len(data), MemInfoSize)
	}
	m := msgbuf.NewReader(data)
	mi := &MemInfo{}
	for _, p := range []*uint32{
		&mi.FlashSz, &mi.BlSz, &mi.OsSz, &mi.SharedSz, &mi.EeSz, &mi.RAMSz,
		&mi.BlUse, &mi.OsUse, &mi.SharedUse, &mi.EeUse, &mi.RAMUse,
	} {
		*p = m.ReadU32()
	}
	return mi, nil
}

// MemRange is one region in a memory report
type MemRange struct {
	Type  uint32
	Total uint32
	Free  uint32
}

// Ranges lists the regions whose size and use are both known. Free is
// zero when the hub reports more use than size.
func (mi *MemInfo) Ranges() []MemRange {
	var out []MemRange
	add := func(typ, size, use uint32) {
		if size == MemUnknown || use == MemUnknown {
			return
		}
		free := uint32(0)
		if use < size {
			free = size - use
		}
		out = append(out, MemRange{Type: typ, Total: size, Free: free})
	}
	add(MemTypeMain, mi.SharedSz, mi.SharedUse)
	add(MemTypeBootloader, mi.BlSz, mi.BlUse)
	add(MemTypeOS, mi.OsSz, mi.OsUse)
	add(MemTypeEEData, mi.EeSz, mi.EeUse)
	add(MemTypeRAM, mi.RAMSz, mi.RAMUse)
	return out
}

// MemTypeName names a region type for display
func MemTypeName(t uint32) string {
	switch t {
	case MemTypeMain:
		return "MAIN"
	case MemTypeBootloader:
		return "BOOTLOADER"
	case MemTypeOS:
		return "OS"
	case MemTypeEEData:
		return "EEDATA"
	case MemTypeRAM:
		return "RAM"
	default:
		return fmt.Sprintf("0x%08X", t)
	}
}

// Reply is a system app answer as delivered to a client:
// status:i32 followed by a body specific to the message type
type Reply struct {
	Status int32
	Body   []byte
}

// EncodeReply builds the client payload for status and body
func EncodeReply(status int32, body []byte) []byte {
	m := msgbuf.NewSize(4 + len(body))
	m.WriteU32(uint32(status))
	m.WriteRaw(body)
	return m.Bytes()
}

// DecodeReply splits a client payload
func DecodeReply(data []byte) (*Reply, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: reply is %d bytes", ErrShortMessage, len(data))
	}
	m := msgbuf.NewReader(data)
	return &Reply{Status: int32(m.ReadU32()), Body: m.Remaining()}, nil
}

// EncodeAppList builds a QUERY_APPS reply body: count:u32 then entries
func EncodeAppList(apps []AppEntry) []byte {
	m := msgbuf.NewSize(4 + len(apps)*AppEntrySize)
	m.WriteU32(uint32(len(apps)))
	for i := range apps {
		apps[i].encode(m)
	}
	return m.Bytes()
}

// DecodeAppList parses a QUERY_APPS reply body
func DecodeAppList(body []byte) ([]AppEntry, error) {
	m := msgbuf.NewReader(body)
	n := int(m.ReadU32())
	if m.Pos() != 4 || m.Room() != n*AppEntrySize {
		return nil, fmt.Errorf("%w: app list of %d bytes", ErrShortMessage, len(body))
	}
	apps := make([]AppEntry, 0, n)
	for range n {
		apps = append(apps, decodeAppEntry(m))
	}
	return apps, nil
}

// EncodeMemList builds a QUERY_MEMORY reply body: count:u32 then ranges
func EncodeMemList(ranges []MemRange) []byte {
	m := msgbuf.NewSize(4 + len(ranges)*MemRangeSize)
	m.WriteU32(uint32(len(ranges)))
	for _, r := range ranges {
		m.WriteU32(r.Type)
		m.WriteU32(r.Total)
		m.WriteU32(r.Free)
	}
	return m.Bytes()
}

// DecodeMemList parses a QUERY_MEMORY reply body
func DecodeMemList(body []byte) ([]MemRange, error) {
	m := msgbuf.NewReader(body)
	n := int(m.ReadU32())
	if m.Pos() != 4 || m.Room() != n*MemRangeSize {
		return nil, fmt.Errorf("%w: memory list of %d bytes", ErrShortMessage, len(body))
	}
	ranges := make([]MemRange, 0, n)
	for range n {
		ranges = append(ranges, MemRange{Type: m.ReadU32(), Total: m.ReadU32(), Free: m.ReadU32()})
	}
	return ranges, nil
}

// EncodeAppName builds the payload of enable, disable and unload requests
func EncodeAppName(id uint64) []byte {
	m := msgbuf.NewSize(8)
	m.WriteU64(id)
	return m.Bytes()
}
