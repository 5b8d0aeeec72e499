// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/contexthub/nanostat/pkg/logging"
)

// Client errors
var (
	ErrTimeout      = errors.New("no response from hub")
	ErrNak          = errors.New("request rejected by hub")
	ErrClientClosed = errors.New("client closed")
)

// Client defaults
const (
	DefaultRetries     = 3
	DefaultTimeout     = 500 * time.Millisecond
	DefaultBusyBackoff = 20 * time.Millisecond
)

// Client is the host side of a Nanohub link. Requests are serialized; each
// one gets a fresh sequence number that is reused for every retransmission
// of that request, so the hub executes it at most once. The first number is
// random: the hub keeps the last sequence it answered across host sessions.
type Client struct {
	rw  io.ReadWriter
	log *slog.Logger

	retries     int
	timeout     time.Duration
	busyBackoff time.Duration

	mu  sync.Mutex
	seq uint32

	packets chan *Packet
	done    chan struct{}
	readErr error

	stateMu    sync.Mutex
	interrupts [InterruptSize]byte
	stats      *Statistics
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithRetries sets how many times a request is retransmitted
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// WithTimeout sets how long to wait for each reply
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithBusyBackoff sets the delay before retrying after NAK_BUSY
func WithBusyBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.busyBackoff = d }
}

// WithClientLogger sets the client logger
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = logging.With(l, logging.Link) }
}

// NewClient starts a client reading replies from rw
func NewClient(rw io.ReadWriter, opts ...ClientOption) *Client {
	c := &Client{
		rw:          rw,
		log:         logging.With(nil, logging.Link),
		retries:     DefaultRetries,
		timeout:     DefaultTimeout,
		busyBackoff: DefaultBusyBackoff,
		seq:         rand.Uint32(),
		packets:     make(chan *Packet, 16),
		done:        make(chan struct{}),
		stats:       NewStatistics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	decoder := NewDecoder()
	buf := make([]byte, PacketSizeMax)
	for {
		n, err := c.rw.Read(buf)
		for i := 0; i < n; i++ {
			packet, derr := decoder.DecodeByte(buf[i])
			if derr != nil {
				c.stateMu.Lock()
				c.stats.Update(derr)
				c.stateMu.Unlock()
				c.log.Debug("reply rejected", "error", derr)
				continue
			}
			if packet == nil {
				continue
			}
			c.stateMu.Lock()
			c.stats.Update(nil)
			c.stateMu.Unlock()
			select {
			case c.packets <- packet:
			default:
				c.log.Warn("reply dropped, no reader", "reason", FormatReason(packet.Reason()), "seq", packet.Seq())
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

// Interrupts returns the interrupt bitmap carried by the last ACK
func (c *Client) Interrupts() [InterruptSize]byte {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.interrupts
}

// Stats returns a copy of the reply statistics
func (c *Client) Stats() Statistics {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return *c.stats
}

// Err returns the error that stopped the reader, if any
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close closes the underlying stream if it is closable
func (c *Client) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Transact sends a request and returns the hub's response packet. An ACK
// carrying the interrupt bitmap is recorded and the client keeps waiting
// for the deferred response with the same sequence number.
func (c *Client) Transact(ctx context.Context, reason uint32, payload []byte) (*Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.nextSeq()
	frame, err := EncodeFrame(reason, seq, payload)
	if err != nil {
		return nil, err
	}

	lastErr := ErrTimeout
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.stateMu.Lock()
			c.stats.Retransmits++
			c.stateMu.Unlock()
		}
		if _, err := c.rw.Write(frame); err != nil {
			return nil, fmt.Errorf("write %s: %w", FormatReason(reason), err)
		}

		packet, err := c.await(ctx, reason, seq)
		switch {
		case err == nil:
			return packet, nil
		case errors.Is(err, errBusy):
			lastErr = ErrNak
			select {
			case <-time.After(c.busyBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case errors.Is(err, ErrNak), errors.Is(err, ErrTimeout):
			lastErr = err
		default:
			return nil, err
		}
		c.log.Debug("retransmitting", "reason", FormatReason(reason), "seq", seq, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%s seq %d: %w", FormatReason(reason), seq, lastErr)
}

func (c *Client) nextSeq() uint32 {
	c.seq++
	return c.seq
}

var errBusy = errors.New("hub busy")

// await waits for the reply to seq
func (c *Client) await(ctx context.Context, reason, seq uint32) (*Packet, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			if c.readErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrClientClosed, c.readErr)
			}
			return nil, ErrClientClosed
		case <-timer.C:
			return nil, ErrTimeout
		case packet := <-c.packets:
			if packet.Seq() != seq {
				continue
			}
			switch packet.Reason() {
			case ReasonAck:
				c.stateMu.Lock()
				copy(c.interrupts[:], packet.Payload())
				c.stateMu.Unlock()
				timer.Reset(c.timeout)
			case ReasonNak:
				c.stateMu.Lock()
				c.stats.Naks++
				c.stateMu.Unlock()
				return nil, ErrNak
			case ReasonNakBusy:
				c.stateMu.Lock()
				c.stats.NakBusy++
				c.stateMu.Unlock()
				return nil, errBusy
			case reason:
				return packet, nil
			default:
				c.log.Warn("unexpected reply", "reason", FormatReason(packet.Reason()), "seq", seq)
			}
		}
	}
}
