// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge presents a hub reached over a packet link as a
// nano_message device. Writes become WRITE_EVENT requests; a poller reads
// events while the hub raises its data interrupts.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contexthub/nanostat/pkg/contexthub"
	"github.com/contexthub/nanostat/pkg/hostintf"
	"github.com/contexthub/nanostat/pkg/logging"
	"github.com/contexthub/nanostat/pkg/msgbuf"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

// DefaultPollInterval is how often interrupts are checked
const DefaultPollInterval = 50 * time.Millisecond

// Bridge errors
var (
	ErrRejected = errors.New("event rejected by hub")
	ErrClosed   = errors.New("bridge closed")
)

// SensorSink receives decoded sensor records
type SensorSink func(rec *hostintf.DataBuffer)

// Bridge adapts a nanohub.Client to the io.ReadWriteCloser a
// contexthub.Hub reads nano_message records from. It owns the client.
type Bridge struct {
	client   *nanohub.Client
	log      *slog.Logger
	interval time.Duration
	shapeOf  hostintf.ShapeFunc
	sink     SensorSink
	clock    func() uint64

	rx      chan []byte
	pending []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithPollInterval sets how often the hub interrupts are checked
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) { b.interval = d }
}

// WithSensors describes the hub sensors so their records can be decoded
func WithSensors(infos ...hostintf.SensorInfo) Option {
	return func(b *Bridge) { b.shapeOf = hostintf.ShapesOf(infos...) }
}

// WithSensorSink receives sensor records. Without one they are dropped.
func WithSensorSink(sink SensorSink) Option {
	return func(b *Bridge) { b.sink = sink }
}

// WithClock sets the AP time sent with READ_EVENT, in nanoseconds
func WithClock(clock func() uint64) Option {
	return func(b *Bridge) { b.clock = clock }
}

// New creates a bridge over client. Call Start to begin polling.
func New(client *nanohub.Client, opts ...Option) *Bridge {
	b := &Bridge{
		client:   client,
		interval: DefaultPollInterval,
		clock:    func() uint64 { return uint64(time.Now().UnixNano()) },
		rx:       make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.With(b.log, logging.Bridge)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start launches the poller
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.pollLoop()
}

// Err returns the error that stopped the poller
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Bridge) stop(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
	b.once.Do(func() { close(b.done) })
}

// Read returns app-to-host records as nano_message bytes
func (b *Bridge) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		select {
		case m := <-b.rx:
			b.pending = m
		case <-b.done:
			if err := b.Err(); err != nil {
				return 0, err
			}
			return 0, ErrClosed
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Write sends one complete nano_message to the hub as a WRITE_EVENT
func (b *Bridge) Write(p []byte) (int, error) {
	if _, _, err := contexthub.DecodeMessage(p); err != nil {
		return 0, err
	}
	if err := b.writeEvent(b.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Configure sends a sensor configuration command
func (b *Bridge) Configure(ctx context.Context, cmd *hostintf.ConfigCmd) error {
	return b.writeEvent(ctx, cmd.Encode())
}

func (b *Bridge) writeEvent(ctx context.Context, payload []byte) error {
	resp, err := b.client.Transact(ctx, nanohub.ReasonWriteEvent, payload)
	if err != nil {
		return err
	}
	if p := resp.Payload(); len(p) != 1 || p[0] == 0 {
		return ErrRejected
	}
	return nil
}

// Close stops the poller and closes the client
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		b.stop(nil)
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

func (b *Bridge) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if err := b.drain(b.ctx); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, nanohub.ErrClientClosed) {
				b.log.Error("link lost", "error", err)
				b.stop(err)
				return
			}
			b.log.Warn("poll failed", "error", err)
		}
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dataPending(ints []byte) bool {
	if len(ints) == 0 {
		return false
	}
	return ints[0]&(1<<nanohub.IntWakeup|1<<nanohub.IntNonWakeup) != 0
}

// drain reads events while the hub reports pending data
func (b *Bridge) drain(ctx context.Context) error {
	for {
		resp, err := b.client.Transact(ctx, nanohub.ReasonGetInterrupt, nil)
		if err != nil {
			return fmt.Errorf("get interrupt: %w", err)
		}
		if !dataPending(resp.Payload()) {
			return nil
		}

		m := msgbuf.NewSize(8)
		m.WriteU64(b.clock())
		resp, err = b.client.Transact(ctx, nanohub.ReasonReadEvent, m.Bytes())
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if resp.Length() == 0 {
			return nil
		}
		b.handleEvents(resp.Payload())
	}
}

// handleEvents splits a READ_EVENT payload into records
func (b *Bridge) handleEvents(data []byte) {
	for len(data) > 0 {
		rec, n, err := hostintf.DecodeRecord(data, b.shapeOf)
		if err != nil {
			b.log.Warn("undecodable event", "error", err, "len", len(data))
			return
		}
		data = data[n:]

		switch rec.DataType {
		case hostintf.DataTypeSensor:
			if b.sink != nil {
				b.sink(rec)
			}
		case hostintf.DataTypeAppToHost:
			b.forwardApp(rec.Payload)
		case hostintf.DataTypeResetReason:
			reason := msgbuf.NewReader(rec.Payload).ReadU32()
			b.log.Info("hub reset", "reason", reason)
			b.forward(&contexthub.Message{EventID: hostintf.EvtResetReason, Data: rec.Payload})
		default:
			b.log.Debug("hub log", "text", string(rec.Payload))
		}
	}
}

// forwardApp rebuilds the nano_message of an app-to-host record:
// app_name:u64 len:u8 data[len]
func (b *Bridge) forwardApp(payload []byte) {
	m := msgbuf.NewReader(payload)
	appID := m.ReadU64()
	n := int(m.ReadU8())
	data := m.ReadRaw(n)
	if m.Pos() != 9+n || data == nil && n > 0 {
		b.log.Warn("malformed app record", "len", len(payload))
		return
	}
	b.forward(&contexthub.Message{EventID: contexthub.EvtAppToHost, AppID: appID, Data: data})
}

func (b *Bridge) forward(msg *contexthub.Message) {
	buf, err := msg.Encode()
	if err != nil {
		b.log.Warn("record not forwarded", "error", err)
		return
	}
	select {
	case b.rx <- buf:
	case <-b.done:
	case <-b.ctx.Done():
	}
}
