// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/contexthub/nanostat/pkg/logging"
)

const readBufferSize = 4096

// Hub is the host end of the nano_message channel. A worker goroutine owns
// the read loop and drives every session; clients call SendToNanohub from
// their own goroutines.
type Hub struct {
	dev     io.ReadWriteCloser
	sys     *SystemComm
	onApp   func(msg *HubMessage)
	onEvent func(msg *Message)
	log     *slog.Logger
	sysOpts []SystemOption

	txMu    sync.Mutex
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubLogger sets the logger
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithEventHandler receives records that are not app-to-host messages
func WithEventHandler(fn func(msg *Message)) HubOption {
	return func(h *Hub) { h.onEvent = fn }
}

// WithSystemOptions configures the system app endpoint
func WithSystemOptions(opts ...SystemOption) HubOption {
	return func(h *Hub) { h.sysOpts = append(h.sysOpts, opts...) }
}

// NewHub wraps dev. callback receives app messages and system app replies
// on the worker goroutine.
func NewHub(dev io.ReadWriteCloser, callback func(msg *HubMessage), opts ...HubOption) *Hub {
	h := &Hub{
		dev:   dev,
		onApp: callback,
	}
	for _, opt := range opts {
		opt(h)
	}
	parent := h.log
	h.log = logging.With(parent, logging.Hub)

	sysOpts := append([]SystemOption{WithSystemLogger(logging.With(parent, logging.Session))}, h.sysOpts...)
	h.sys = NewSystemComm(h.sendSystem, h.deliver, sysOpts...)
	return h
}

// System returns the system app endpoint
func (h *Hub) System() *SystemComm { return h.sys }

// Start launches the worker
func (h *Hub) Start() {
	if h.started.Swap(true) {
		return
	}
	h.wg.Add(1)
	go h.readLoop()
}

// Err returns the error that stopped the worker, if any
func (h *Hub) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Hub) setErr(err error) {
	h.errMu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.errMu.Unlock()
}

// Close stops the worker and closes the device. It returns the close error
// joined with any error that had stopped the worker.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	cerr := h.dev.Close()
	h.wg.Wait()
	h.sys.Sessions().Abort(-errnoIO)
	return errors.Join(cerr, h.Err())
}

// SendToNanohub delivers a client message. System app requests start a
// session and may block while the hub keys are fetched; other messages
// are written as EvtAppFromHost records.
func (h *Hub) SendToNanohub(ctx context.Context, msg *HubMessage) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if msg.AppID == SystemAppID {
		return h.sys.HandleTx(ctx, msg)
	}
	return h.write(&Message{EventID: EvtAppFromHost, AppID: msg.AppID, Data: msg.Data})
}

func (h *Hub) sendSystem(data []byte) error {
	return h.write(&Message{EventID: EvtAppFromHost, AppID: SystemAppID, Data: data})
}

func (h *Hub) write(m *Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	h.txMu.Lock()
	defer h.txMu.Unlock()
	if _, err := h.dev.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", m, err)
	}
	return nil
}

func (h *Hub) deliver(msg *HubMessage) {
	if h.onApp != nil {
		h.onApp(msg)
	}
}

func (h *Hub) readLoop() {
	defer h.wg.Done()

	dec := NewMessageDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.dev.Read(buf)
		if n > 0 {
			msgs, errs := dec.Decode(buf[:n])
			for _, e := range errs {
				h.log.Warn("malformed message", "error", e)
			}
			for _, m := range msgs {
				h.dispatch(m)
			}
		}
		if err != nil {
			if !h.closed.Load() {
				h.log.Error("read failed, stopping", "error", err)
				h.setErr(fmt.Errorf("read: %w", err))
				h.sys.Sessions().Abort(-errnoIO)
			}
			return
		}
	}
}

func (h *Hub) dispatch(m *Message) {
	switch {
	case m.EventID == EvtAppToHost && m.AppID == SystemAppID:
		h.sys.HandleRx(m.Data)
	case m.EventID == EvtAppToHost:
		h.deliver(&HubMessage{AppID: m.AppID, Data: m.Data})
	case h.onEvent != nil:
		h.onEvent(m)
	default:
		h.log.Debug("event ignored", "msg", m.String())
	}
}
