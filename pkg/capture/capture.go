// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records link traffic as a stream of CBOR frames and
// reads it back for replay.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/contexthub/nanostat/pkg/logging"
)

// Direction of a captured frame relative to the host
type Direction uint8

const (
	DirRx Direction = 0 // device to host
	DirTx Direction = 1 // host to device
)

func (d Direction) String() string {
	switch d {
	case DirRx:
		return "rx"
	case DirTx:
		return "tx"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Frame is one captured chunk of bytes. Keys are encoded as integers.
type Frame struct {
	Time int64     `cbor:"1,keyasint"` // unix nanoseconds
	Dir  Direction `cbor:"2,keyasint"`
	Data []byte    `cbor:"3,keyasint"`
}

// Timestamp returns the frame time
func (f *Frame) Timestamp() time.Time {
	return time.Unix(0, f.Time)
}

// Writer appends frames to an output stream. Safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	now   func() time.Time
	count int
	log   *slog.Logger
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithNow overrides the clock used to stamp frames
func WithNow(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the writer's logger
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.log = logging.With(l, logging.Capture) }
}

// NewWriter creates a Writer on w
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	cw := &Writer{
		enc: cbor.NewEncoder(w),
		now: time.Now,
		log: logging.With(nil, logging.Capture),
	}
	for _, opt := range opts {
		opt(cw)
	}
	return cw
}

// Record appends one frame. Empty data is ignored.
func (w *Writer) Record(dir Direction, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	f := Frame{Time: w.now().UnixNano(), Dir: dir, Data: append([]byte(nil), data...)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(&f); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of frames written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Reader decodes frames from an input stream
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a Reader on r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next frame, or io.EOF at a clean end of stream
func (r *Reader) Next() (*Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// ReadAll decodes every remaining frame
func (r *Reader) ReadAll() ([]*Frame, error) {
	var frames []*Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Tap wraps a stream and records everything read from and written to it
type Tap struct {
	rw io.ReadWriter
	w  *Writer
}

// NewTap records rw's traffic into w
func NewTap(rw io.ReadWriter, w *Writer) *Tap {
	return &Tap{rw: rw, w: w}
}

func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if n > 0 {
		if rerr := t.w.Record(DirRx, p[:n]); rerr != nil {
			t.w.log.Warn("capture failed", "dir", DirRx, "error", rerr)
		}
	}
	return n, err
}

func (t *Tap) Write(p []byte) (int, error) {
	n, err := t.rw.Write(p)
	if n > 0 {
		if rerr := t.w.Record(DirTx, p[:n]); rerr != nil {
			t.w.log.Warn("capture failed", "dir", DirTx, "error", rerr)
		}
	}
	return n, err
}

// Close closes the wrapped stream if it is closable
func (t *Tap) Close() error {
	if c, ok := t.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Player feeds the frames of one direction back as a byte stream
type Player struct {
	r   *Reader
	dir Direction
	buf []byte
}

// NewPlayer creates an io.Reader over r's frames in direction dir
func NewPlayer(r *Reader, dir Direction) *Player {
	return &Player{r: r, dir: dir}
}

func (p *Player) Read(b []byte) (int, error) {
	for len(p.buf) == 0 {
		f, err := p.r.Next()
		if err != nil {
			return 0, err
		}
		if f.Dir == p.dir {
			p.buf = f.Data
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}
