// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"fmt"
	"time"

	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// Packet represents a decoded Nanohub packet
type Packet struct {
	reason    uint32
	seq       uint32
	payload   []byte
	crc       uint32
	timestamp time.Time
}

// NewPacket creates a packet for transmission
func NewPacket(reason, seq uint32, payload []byte) *Packet {
	return &Packet{
		reason:    reason,
		seq:       seq,
		payload:   payload,
		timestamp: time.Now(),
	}
}

// Reason returns the packet reason code
func (p *Packet) Reason() uint32 { return p.reason }

// Seq returns the packet sequence number
func (p *Packet) Seq() uint32 { return p.seq }

// Payload returns the packet payload
func (p *Packet) Payload() []byte { return p.payload }

// Length returns the payload length
func (p *Packet) Length() int { return len(p.payload) }

// CRC returns the received CRC (zero for packets built locally)
func (p *Packet) CRC() uint32 { return p.crc }

// Timestamp returns when the packet was decoded or created
func (p *Packet) Timestamp() time.Time { return p.timestamp }

// IsAck reports whether the packet is an ACK or NAK
func (p *Packet) IsAck() bool {
	return p.reason == ReasonAck || p.reason == ReasonNak || p.reason == ReasonNakBusy
}

// EncodePacket builds the wire form of a packet, without preamble.
func EncodePacket(reason, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > PacketPayloadMax {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), PacketPayloadMax)
	}

	buf := msgbuf.NewSize(PacketSize(len(payload)))
	buf.WriteU8(SyncByte)
	buf.WriteU32(reason)
	buf.WriteU32(seq)
	buf.WriteU8(uint8(len(payload)))
	buf.WriteRaw(payload)
	buf.WriteU32(CalculateCRC(buf.Bytes()))

	return buf.Bytes(), nil
}

// EncodeFrame builds a packet wrapped in one preamble byte on each side.
func EncodeFrame(reason, seq uint32, payload []byte) ([]byte, error) {
	pkt, err := EncodePacket(reason, seq, payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(pkt)+FrameOverhead)
	frame = append(frame, PreambleByte)
	frame = append(frame, pkt...)
	frame = append(frame, PreambleByte)
	return frame, nil
}

// ParsePacket validates buf and decodes the packet it holds. buf must
// contain exactly one packet starting at the sync byte.
func ParsePacket(buf []byte) (*Packet, error) {
	if err := ValidatePacket(buf); err != nil {
		return nil, err
	}

	r := msgbuf.NewReader(buf)
	r.ReadU8()
	p := &Packet{timestamp: time.Now()}
	p.reason = r.ReadU32()
	p.seq = r.ReadU32()
	n := int(r.ReadU8())
	p.payload = append([]byte(nil), r.ReadRaw(n)...)
	p.crc = r.ReadU32()
	return p, nil
}

// Encode returns the wire form of p, without preamble
func (p *Packet) Encode() ([]byte, error) {
	return EncodePacket(p.reason, p.seq, p.payload)
}
