// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransportClosed is reported for operations after Release
var ErrTransportClosed = errors.New("transport closed")

// Completion reports how many bytes a transfer moved
type Completion func(n int, err error)

// Transport is the byte-level device the Link drives. RxPacket fills buf
// with one received packet; TxPacket sends a prefix of buf and reports how
// many bytes were accepted. Completions may run on any goroutine the
// transport chooses; the Link re-posts them onto its scheduler.
type Transport interface {
	Request() error
	Release()
	RxPacket(buf []byte, done Completion) error
	TxPacket(buf []byte, done Completion) error
}

// StreamTransport adapts a byte stream (serial port, pipe) to Transport.
// Received bytes are scanned for a sync byte and a packet is cut out using
// its declared length.
type StreamTransport struct {
	rw       io.ReadWriter
	r        *bufio.Reader
	maxWrite int

	mu     sync.Mutex
	closed bool
}

// StreamOption configures a StreamTransport
type StreamOption func(*StreamTransport)

// WithMaxWrite caps the bytes accepted by a single TxPacket
func WithMaxWrite(n int) StreamOption {
	return func(s *StreamTransport) { s.maxWrite = n }
}

// NewStreamTransport creates a transport over rw
func NewStreamTransport(rw io.ReadWriter, opts ...StreamOption) *StreamTransport {
	s := &StreamTransport{rw: rw, r: bufio.NewReaderSize(rw, PacketSizeMax)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request opens the transport for use
func (s *StreamTransport) Request() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	return nil
}

// Release closes the underlying stream if it is closable
func (s *StreamTransport) Release() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if c, ok := s.rw.(io.Closer); ok {
		c.Close()
	}
}

func (s *StreamTransport) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RxPacket reads the next packet into buf in the background
func (s *StreamTransport) RxPacket(buf []byte, done Completion) error {
	if s.isClosed() {
		return ErrTransportClosed
	}
	go func() {
		n, err := ReadPacket(s.r, buf)
		done(n, err)
	}()
	return nil
}

// TxPacket writes up to maxWrite bytes of buf in the background
func (s *StreamTransport) TxPacket(buf []byte, done Completion) error {
	if s.isClosed() {
		return ErrTransportClosed
	}
	chunk := buf
	if s.maxWrite > 0 && len(chunk) > s.maxWrite {
		chunk = chunk[:s.maxWrite]
	}
	go func() {
		n, err := s.rw.Write(chunk)
		done(n, err)
	}()
	return nil
}

// ReadPacket skips to the next sync byte and copies one raw packet into buf.
// The packet is not validated.
func ReadPacket(r io.ByteReader, buf []byte) (int, error) {
	if len(buf) < PacketSizeMin {
		return 0, fmt.Errorf("receive buffer too small: %d bytes", len(buf))
	}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == SyncByte {
			buf[0] = b
			break
		}
	}
	n := 1
	for n < HeaderSize {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	total := PacketSize(int(buf[HeaderSize-1]))
	if total > len(buf) {
		return n, fmt.Errorf("packet of %d bytes exceeds receive buffer", total)
	}
	for n < total {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	return n, nil
}
