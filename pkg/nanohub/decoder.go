// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

// Decoder states
const (
	stateIdle = iota
	stateHeader
	statePayload
	stateFooter
)

// Decoder reassembles packets from a byte stream. Preamble and any other
// bytes outside a packet are skipped until a sync byte is seen.
type Decoder struct {
	state    int
	buffer   []byte
	expected int
	skipped  int
}

// NewDecoder creates a new stream decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, PacketSizeMax),
	}
}

// Reset drops any partial packet
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.expected = 0
}

// Skipped returns the number of non-packet bytes discarded since the last
// call, and clears the counter
func (d *Decoder) Skipped() int {
	n := d.skipped
	d.skipped = 0
	return n
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed packet, or nil if the packet is incomplete
// Returns an error if a completed packet fails validation
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		if b != SyncByte {
			if b != PreambleByte {
				d.skipped++
			}
			return nil, nil
		}
		d.buffer = append(d.buffer[:0], b)
		d.state = stateHeader
		return nil, nil

	case stateHeader:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < HeaderSize {
			return nil, nil
		}
		d.expected = PacketSize(int(b))
		if b == 0 {
			d.state = stateFooter
		} else {
			d.state = statePayload
		}
		return nil, nil

	case statePayload:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) >= d.expected-FooterSize {
			d.state = stateFooter
		}
		return nil, nil

	case stateFooter:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < d.expected {
			return nil, nil
		}
		packet, err := ParsePacket(d.buffer)
		d.Reset()
		return packet, err

	default:
		d.Reset()
		return nil, nil
	}
}

// Decode feeds a chunk of bytes and returns every completed packet along
// with any validation errors, in stream order.
func (d *Decoder) Decode(data []byte) ([]*Packet, []error) {
	var packets []*Packet
	var errs []error
	for _, b := range data {
		packet, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if packet != nil {
			packets = append(packets, packet)
		}
	}
	return packets, errs
}
