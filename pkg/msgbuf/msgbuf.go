// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package msgbuf provides a cursor-based little-endian marshaling buffer.
//
// A MessageBuf never panics and never returns errors. A read that would run
// past the end returns zero (or nil) and leaves the cursor where it was; a
// write that does not fit, or any write on a read-only buffer, is dropped
// whole. Callers check Room and Pos after a decode pass to validate message
// shape.
package msgbuf

import "encoding/binary"

// MessageBuf is a read cursor or write cursor over a caller-owned slice.
type MessageBuf struct {
	data     []byte
	pos      int
	readOnly bool
}

// New returns a writable buffer over data. Writing starts at offset zero.
func New(data []byte) *MessageBuf {
	return &MessageBuf{data: data}
}

// NewSize allocates a writable buffer with n bytes of capacity.
func NewSize(n int) *MessageBuf {
	return New(make([]byte, n))
}

// NewReader returns a read-only buffer over data.
func NewReader(data []byte) *MessageBuf {
	return &MessageBuf{data: data, readOnly: true}
}

// Pos returns the cursor offset.
func (m *MessageBuf) Pos() int { return m.pos }

// Room returns the number of bytes between the cursor and the end.
func (m *MessageBuf) Room() int { return len(m.data) - m.pos }

// Cap returns the total size of the underlying range.
func (m *MessageBuf) Cap() int { return len(m.data) }

// ReadOnly reports whether writes are rejected.
func (m *MessageBuf) ReadOnly() bool { return m.readOnly }

// Bytes returns the bytes before the cursor: the encoded message when
// writing, the consumed prefix when reading.
func (m *MessageBuf) Bytes() []byte { return m.data[:m.pos] }

// Remaining returns the unread bytes after the cursor.
func (m *MessageBuf) Remaining() []byte { return m.data[m.pos:] }

// Reset rewinds the cursor to the start.
func (m *MessageBuf) Reset() { m.pos = 0 }

// Seek moves the cursor to pos. Out of range positions are ignored.
func (m *MessageBuf) Seek(pos int) bool {
	if pos < 0 || pos > len(m.data) {
		return false
	}
	m.pos = pos
	return true
}

// take advances the cursor by n and returns the consumed window, or nil if
// fewer than n bytes remain.
func (m *MessageBuf) take(n int) []byte {
	if n < 0 || m.Room() < n {
		return nil
	}
	b := m.data[m.pos : m.pos+n]
	m.pos += n
	return b
}

// reserve is take for writers.
func (m *MessageBuf) reserve(n int) []byte {
	if m.readOnly {
		return nil
	}
	return m.take(n)
}

func (m *MessageBuf) ReadU8() uint8 {
	b := m.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (m *MessageBuf) ReadU16() uint16 {
	b := m.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (m *MessageBuf) ReadU32() uint32 {
	b := m.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (m *MessageBuf) ReadU64() uint64 {
	b := m.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadRaw returns the next n bytes as a sub-slice of the underlying range,
// or nil if fewer than n bytes remain. The slice aliases the buffer.
func (m *MessageBuf) ReadRaw(n int) []byte {
	return m.take(n)
}

func (m *MessageBuf) WriteU8(v uint8) {
	if b := m.reserve(1); b != nil {
		b[0] = v
	}
}

func (m *MessageBuf) WriteU16(v uint16) {
	if b := m.reserve(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (m *MessageBuf) WriteU32(v uint32) {
	if b := m.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (m *MessageBuf) WriteU64(v uint64) {
	if b := m.reserve(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

// WriteRaw copies p at the cursor. Nothing is written unless all of p fits.
func (m *MessageBuf) WriteRaw(p []byte) {
	if b := m.reserve(len(p)); b != nil {
		copy(b, p)
	}
}
