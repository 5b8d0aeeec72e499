// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package msgbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

// ============================================================
// Round Trip Tests
// ============================================================

func TestMessageBuf_RoundTrip(t *testing.T) {
	buf := NewSize(1 + 2 + 4 + 8 + 3)
	buf.WriteU8(0xA5)
	buf.WriteU16(0xBEEF)
	buf.WriteU32(0xDEADBEEF)
	buf.WriteU64(0x0123456789ABCDEF)
	buf.WriteRaw([]byte{1, 2, 3})

	if buf.Room() != 0 {
		t.Fatalf("expected full buffer, room=%d", buf.Room())
	}

	r := NewReader(buf.Bytes())
	if v := r.ReadU8(); v != 0xA5 {
		t.Errorf("ReadU8: got 0x%02X", v)
	}
	if v := r.ReadU16(); v != 0xBEEF {
		t.Errorf("ReadU16: got 0x%04X", v)
	}
	if v := r.ReadU32(); v != 0xDEADBEEF {
		t.Errorf("ReadU32: got 0x%08X", v)
	}
	if v := r.ReadU64(); v != 0x0123456789ABCDEF {
		t.Errorf("ReadU64: got 0x%016X", v)
	}
	if raw := r.ReadRaw(3); !bytes.Equal(raw, []byte{1, 2, 3}) {
		t.Errorf("ReadRaw: got %v", raw)
	}
}

func TestMessageBuf_LittleEndianWire(t *testing.T) {
	buf := NewSize(4)
	buf.WriteU32(0x04030201)
	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("expected little-endian bytes, got % X", buf.Bytes())
	}
}

func TestMessageBuf_RandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		kinds := make([]int, rng.Intn(16))
		values := make([]uint64, len(kinds))
		buf := NewSize(len(kinds) * 8)
		for i := range kinds {
			kinds[i] = rng.Intn(4)
			values[i] = rng.Uint64()
			switch kinds[i] {
			case 0:
				values[i] &= 0xFF
				buf.WriteU8(uint8(values[i]))
			case 1:
				values[i] &= 0xFFFF
				buf.WriteU16(uint16(values[i]))
			case 2:
				values[i] &= 0xFFFFFFFF
				buf.WriteU32(uint32(values[i]))
			case 3:
				buf.WriteU64(values[i])
			}
		}

		r := NewReader(buf.Bytes())
		for i, kind := range kinds {
			var got uint64
			switch kind {
			case 0:
				got = uint64(r.ReadU8())
			case 1:
				got = uint64(r.ReadU16())
			case 2:
				got = uint64(r.ReadU32())
			case 3:
				got = r.ReadU64()
			}
			if got != values[i] {
				t.Fatalf("round %d field %d: expected 0x%X, got 0x%X", round, i, values[i], got)
			}
		}
		if r.Room() != 0 {
			t.Fatalf("round %d: %d bytes left unread", round, r.Room())
		}
	}
}

// ============================================================
// Overrun Tests
// ============================================================

func TestMessageBuf_ReadOverrun(t *testing.T) {
	tests := []struct {
		name string
		size int
		read func(*MessageBuf) uint64
	}{
		{"u16 from 1 byte", 1, func(m *MessageBuf) uint64 { return uint64(m.ReadU16()) }},
		{"u32 from 3 bytes", 3, func(m *MessageBuf) uint64 { return uint64(m.ReadU32()) }},
		{"u64 from 7 bytes", 7, func(m *MessageBuf) uint64 { return m.ReadU64() }},
		{"u8 from empty", 0, func(m *MessageBuf) uint64 { return uint64(m.ReadU8()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xFF}, tt.size)
			r := NewReader(data)
			if v := tt.read(r); v != 0 {
				t.Errorf("expected 0 on overrun, got 0x%X", v)
			}
			if r.Pos() != 0 {
				t.Errorf("cursor advanced to %d on overrun", r.Pos())
			}
		})
	}
}

func TestMessageBuf_ReadRawOverrun(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if raw := r.ReadRaw(3); raw != nil {
		t.Errorf("expected nil, got %v", raw)
	}
	if r.Pos() != 0 {
		t.Errorf("cursor advanced to %d", r.Pos())
	}
	if raw := r.ReadRaw(-1); raw != nil {
		t.Errorf("negative length should return nil, got %v", raw)
	}
}

func TestMessageBuf_WriteOverrunDropsWhole(t *testing.T) {
	backing := []byte{0, 0, 0, 0, 0, 0, 0xAA}
	buf := New(backing[:6])
	buf.WriteU32(0x11223344)
	buf.WriteU32(0x55667788)

	if buf.Pos() != 4 {
		t.Errorf("expected pos 4 after dropped write, got %d", buf.Pos())
	}
	if !bytes.Equal(backing[4:], []byte{0, 0, 0xAA}) {
		t.Errorf("dropped write touched memory: % X", backing[4:])
	}

	buf.WriteRaw([]byte{1, 2, 3})
	if buf.Pos() != 4 {
		t.Errorf("partial raw write advanced cursor to %d", buf.Pos())
	}
}

func TestMessageBuf_ReadOnlyRejectsWrites(t *testing.T) {
	data := []byte{9, 9, 9, 9}
	r := NewReader(data)
	r.WriteU32(0)
	r.WriteRaw([]byte{1})
	if r.Pos() != 0 || !bytes.Equal(data, []byte{9, 9, 9, 9}) {
		t.Errorf("read-only buffer was written: pos=%d data=% X", r.Pos(), data)
	}
}

func TestMessageBuf_Seek(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if !r.Seek(2) || r.ReadU8() != 3 {
		t.Error("seek to 2 should read the third byte")
	}
	if r.Seek(4) {
		t.Error("seek past end should fail")
	}
	if r.Pos() != 3 {
		t.Errorf("failed seek moved cursor to %d", r.Pos())
	}
}
