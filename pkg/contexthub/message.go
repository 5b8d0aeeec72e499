// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package contexthub is the host side of a Nanohub: the nano_message
// channel to the hub device, and the sessions that drive the system app.
package contexthub

import (
	"errors"
	"fmt"

	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// nano_message framing
const (
	MaxRxPacket       = 128
	MessageHeaderSize = 4 + 8 + 1
	MessageSizeMax    = MessageHeaderSize + MaxRxPacket
)

// Event ids carried in nano_message
const (
	EvtAppFromHost uint32 = 0x000000F8
	EvtAppToHost   uint32 = 0x00000401
)

// SystemAppID addresses the embedded system app
const SystemAppID uint64 = 0x476F6F676C000000

// Message errors
var (
	ErrMessageTooLarge = errors.New("message data too large")
	ErrShortMessage    = errors.New("message truncated")
)

// Message is one nano_message record exchanged with the hub device
type Message struct {
	EventID uint32
	AppID   uint64
	Data    []byte
}

// Encode serializes the message:
// event_id:u32 app_name:u64 len:u8 data[len]
func (m *Message) Encode() ([]byte, error) {
	if len(m.Data) > MaxRxPacket {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(m.Data), MaxRxPacket)
	}
	b := msgbuf.NewSize(MessageHeaderSize + len(m.Data))
	b.WriteU32(m.EventID)
	b.WriteU64(m.AppID)
	b.WriteU8(uint8(len(m.Data)))
	b.WriteRaw(m.Data)
	return b.Bytes(), nil
}

// DecodeMessage parses the message at the start of buf and returns it with
// the number of bytes it used
func DecodeMessage(buf []byte) (*Message, int, error) {
	r := msgbuf.NewReader(buf)
	if r.Room() < MessageHeaderSize {
		return nil, 0, ErrShortMessage
	}
	m := &Message{
		EventID: r.ReadU32(),
		AppID:   r.ReadU64(),
	}
	n := int(r.ReadU8())
	if n > MaxRxPacket {
		return nil, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, n, MaxRxPacket)
	}
	data := r.ReadRaw(n)
	if data == nil && n > 0 {
		return nil, 0, ErrShortMessage
	}
	m.Data = append([]byte(nil), data...)
	return m, r.Pos(), nil
}

// String formats the message for logs and the monitor
func (m *Message) String() string {
	return fmt.Sprintf("evt=0x%08X app=0x%016X len=%d", m.EventID, m.AppID, len(m.Data))
}

// MessageDecoder reassembles nano_message records from a byte stream
type MessageDecoder struct {
	buffer   []byte
	expected int
}

// NewMessageDecoder creates a stream decoder
func NewMessageDecoder() *MessageDecoder {
	return &MessageDecoder{buffer: make([]byte, 0, MessageSizeMax)}
}

// Reset drops any partial message
func (d *MessageDecoder) Reset() {
	d.buffer = d.buffer[:0]
	d.expected = 0
}

// DecodeByte adds one byte. It returns a message once the last byte of one
// arrives. A header declaring more than MaxRxPacket bytes is rejected and
// the decoder starts over at the next byte.
func (d *MessageDecoder) DecodeByte(b byte) (*Message, error) {
	d.buffer = append(d.buffer, b)
	if len(d.buffer) == MessageHeaderSize {
		n := int(b)
		if n > MaxRxPacket {
			d.Reset()
			return nil, fmt.Errorf("%w: header declares %d bytes", ErrMessageTooLarge, n)
		}
		d.expected = MessageHeaderSize + n
	}
	if len(d.buffer) < MessageHeaderSize || len(d.buffer) < d.expected {
		return nil, nil
	}
	m, _, err := DecodeMessage(d.buffer)
	d.Reset()
	return m, err
}

// Decode feeds a chunk and returns the completed messages and any errors
// in stream order
func (d *MessageDecoder) Decode(data []byte) ([]*Message, []error) {
	var msgs []*Message
	var errs []error
	for _, b := range data {
		m, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, errs
}
