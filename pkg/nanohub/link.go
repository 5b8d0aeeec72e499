// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contexthub/nanostat/pkg/logging"
)

// ErrLinkStopped is returned by operations on a stopped link
var ErrLinkStopped = errors.New("link stopped")

// retransmission holds the last command answered and the frame sent for it
type retransmission struct {
	valid bool
	seq   uint32
	cmd   *Command
	frame []byte
}

// txJob is one frame on its way out. ownsRx is set when the receive was
// consumed by the request being answered, so a failed send must rearm it.
type txJob struct {
	frame  []byte
	then   func()
	ownsRx bool
}

// Link is the device side of one physical host link. A receive is always
// outstanding while the link runs. Every completion is handled on the
// scheduler, so command handlers never run concurrently.
type Link struct {
	transport Transport
	commands  *CommandTable
	sched     *Scheduler
	irq       *InterruptSet
	log       *slog.Logger
	clock     func() uint64

	rxBuf       [PacketSizeMax]byte
	rxCmd       *Command
	rxSeq       uint32
	rxPayload   []byte
	rxTimestamp uint64
	txPayload   [PacketPayloadMax]byte

	tx       txJob
	txOff    int
	txActive bool
	txQueue  []txJob

	retrans    retransmission
	ackPending bool

	busy    atomic.Bool
	running atomic.Bool

	statsMu sync.Mutex
	stats   *Statistics
}

// LinkOption configures a Link
type LinkOption func(*Link)

// WithLogger sets the link logger
func WithLogger(l *slog.Logger) LinkOption {
	return func(k *Link) { k.log = logging.With(l, logging.Link) }
}

// WithInterrupts sets the interrupt set reported in ACK payloads
func WithInterrupts(irq *InterruptSet) LinkOption {
	return func(k *Link) { k.irq = irq }
}

// WithClock sets the nanosecond timestamp source passed to handlers
func WithClock(clock func() uint64) LinkOption {
	return func(k *Link) { k.clock = clock }
}

// NewLink creates a link serving commands over t. Completions and deferred
// handlers run on sched.
func NewLink(t Transport, commands *CommandTable, sched *Scheduler, opts ...LinkOption) *Link {
	start := time.Now()
	l := &Link{
		transport: t,
		commands:  commands,
		sched:     sched,
		log:       logging.With(nil, logging.Link),
		clock:     func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		stats:     NewStatistics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.irq == nil {
		l.irq = NewInterruptSet(nil)
	}
	return l
}

// Interrupts returns the link's interrupt set
func (l *Link) Interrupts() *InterruptSet { return l.irq }

// Start requests the transport and posts the first receive
func (l *Link) Start() error {
	if err := l.transport.Request(); err != nil {
		return fmt.Errorf("transport request: %w", err)
	}
	l.running.Store(true)
	l.post(func() {
		l.tx, l.txOff, l.txActive, l.txQueue = txJob{}, 0, false, nil
		l.startRx()
	})
	return nil
}

// Stop releases the transport. Pending completions are ignored.
func (l *Link) Stop() {
	if l.running.Swap(false) {
		l.transport.Release()
	}
}

// SetBusy makes the link answer new requests with NAK_BUSY until cleared.
// Retransmissions of the last request are still answered.
func (l *Link) SetBusy(busy bool) {
	l.busy.Store(busy)
}

// Busy reports the host-driven busy flag
func (l *Link) Busy() bool {
	return l.busy.Load()
}

// Stats returns a copy of the link statistics
func (l *Link) Stats() Statistics {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return *l.stats
}

func (l *Link) updateStats(fn func(s *Statistics)) {
	l.statsMu.Lock()
	fn(l.stats)
	l.statsMu.Unlock()
}

// post runs fn on the scheduler, retrying while the queue is full
func (l *Link) post(fn func()) {
	for !l.sched.Defer(fn) {
		time.Sleep(time.Millisecond)
	}
}

func (l *Link) startRx() {
	if !l.running.Load() {
		return
	}
	err := l.transport.RxPacket(l.rxBuf[:], func(n int, err error) {
		l.post(func() { l.rxDone(n, err) })
	})
	if err != nil {
		l.log.Error("receive request failed", "error", err)
	}
}

func (l *Link) rxDone(n int, err error) {
	if !l.running.Load() {
		return
	}
	if err != nil {
		l.updateStats(func(s *Statistics) { s.RxErrors++ })
		l.log.Warn("receive failed", "error", err)
		l.startRx()
		return
	}

	l.rxTimestamp = l.clock()
	buf := l.rxBuf[:n]
	cmd, seqMatch, verr := l.findHandler(buf)
	l.updateStats(func(s *Statistics) { s.Update(verr) })

	seq := uint32(0)
	if n >= HeaderSize {
		seq = uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16 | uint32(buf[8])<<24
	}

	if cmd == nil {
		reason := ReasonNak
		if verr == nil {
			reason = ReasonNakBusy
			l.updateStats(func(s *Statistics) { s.NakBusy++ })
		} else {
			l.updateStats(func(s *Statistics) { s.Naks++ })
			l.log.Debug("packet rejected", "seq", seq, "error", verr)
		}
		l.sendNak(reason, seq)
		return
	}

	if seqMatch {
		l.updateStats(func(s *Statistics) { s.Retransmits++ })
		if l.retrans.frame == nil {
			// answer still owed through TxAck
			l.startRx()
			return
		}
		l.transmit(l.retrans.frame, l.startRx)
		return
	}

	l.rxCmd = cmd
	l.rxSeq = seq
	l.rxPayload = buf[HeaderSize : n-FooterSize]

	resp := FastUnhandledAck
	if cmd.Fast != nil {
		resp = cmd.Fast(l.rxPayload, l.txPayload[:], l.rxTimestamp)
	}

	switch resp {
	case FastDontAck:
		l.retrans = retransmission{valid: true, seq: seq, cmd: cmd}
		l.ackPending = true
		l.startRx()
	case FastUnhandledAck:
		size := l.irq.Snapshot(l.txPayload[:])
		then := l.startRx
		if cmd.Handler != nil {
			then = func() { l.post(l.generateResponse) }
		}
		l.respond(ReasonAck, l.txPayload[:size], then)
	default:
		l.respond(cmd.Reason, l.txPayload[:clampLen(resp)], l.startRx)
	}
}

// findHandler validates a received packet and resolves its command. A nil
// command with a nil error means the link is busy.
func (l *Link) findHandler(buf []byte) (*Command, bool, error) {
	if err := ValidatePacket(buf); err != nil {
		return nil, false, err
	}

	seq := uint32(buf[5]) | uint32(buf[6])<<8 | uint32(buf[7])<<16 | uint32(buf[8])<<24
	if l.retrans.valid && seq == l.retrans.seq {
		return l.retrans.cmd, true, nil
	}

	if l.busy.Load() || l.ackPending {
		return nil, false, nil
	}

	reason := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24
	cmd := l.commands.Find(reason)
	if err := validateCommand(cmd, reason, int(buf[HeaderSize-1])); err != nil {
		return nil, false, err
	}
	return cmd, false, nil
}

func (l *Link) generateResponse() {
	cmd := l.rxCmd
	resp := cmd.Handler(l.rxPayload, l.txPayload[:], l.rxTimestamp)
	if resp == FastDontAck {
		l.ackPending = true
		l.startRx()
		return
	}
	l.respond(cmd.Reason, l.txPayload[:clampLen(resp)], l.startRx)
}

// TxAck sends the response owed by a handler that returned FastDontAck.
// It must be called on the scheduler. A receive is already outstanding, so
// replies to requests arriving meanwhile queue behind this frame.
func (l *Link) TxAck(payload []byte) error {
	if !l.ackPending {
		return errors.New("no response pending")
	}
	l.ackPending = false
	frame, err := EncodeFrame(l.rxCmd.Reason, l.rxSeq, payload)
	if err != nil {
		return err
	}
	l.retrans = retransmission{valid: true, seq: l.rxSeq, cmd: l.rxCmd, frame: frame}
	l.send(txJob{frame: frame})
	return nil
}

// respond frames a command reply and records it for retransmission
func (l *Link) respond(reason uint32, payload []byte, then func()) {
	frame, err := EncodeFrame(reason, l.rxSeq, payload)
	if err != nil {
		l.log.Error("response encode failed", "reason", FormatReason(reason), "error", err)
		l.startRx()
		return
	}
	l.retrans = retransmission{valid: true, seq: l.rxSeq, cmd: l.rxCmd, frame: frame}
	l.transmit(frame, then)
}

func (l *Link) sendNak(reason, seq uint32) {
	frame, err := EncodeFrame(reason, seq, nil)
	if err != nil {
		l.startRx()
		return
	}
	l.transmit(frame, l.startRx)
}

// transmit answers the request just received, then calls then once the
// whole frame is out
func (l *Link) transmit(frame []byte, then func()) {
	l.send(txJob{frame: frame, then: then, ownsRx: true})
}

// send starts job, or queues it behind the frame in flight. Frames go out
// whole and in order, resuming from the accepted offset after each
// partial write.
func (l *Link) send(job txJob) {
	if l.txActive {
		l.txQueue = append(l.txQueue, job)
		return
	}
	l.tx = job
	l.txOff = 0
	l.txActive = true
	l.txContinue()
}

func (l *Link) txContinue() {
	if !l.running.Load() {
		return
	}
	err := l.transport.TxPacket(l.tx.frame[l.txOff:], func(n int, err error) {
		l.post(func() { l.txProgress(n, err) })
	})
	if err != nil {
		l.updateStats(func(s *Statistics) { s.TxErrors++ })
		l.log.Error("transmit request failed", "error", err)
		l.txDone(err)
	}
}

func (l *Link) txProgress(n int, err error) {
	if !l.running.Load() {
		return
	}
	if err != nil {
		l.updateStats(func(s *Statistics) { s.TxErrors++ })
		l.log.Warn("transmit failed", "offset", l.txOff, "error", err)
		l.txDone(err)
		return
	}
	l.txOff += n
	if l.txOff < len(l.tx.frame) {
		l.txContinue()
		return
	}
	l.txDone(nil)
}

// txDone finishes the frame in flight and starts the next queued one. A
// failed frame abandons its exchange; the host retransmits.
func (l *Link) txDone(err error) {
	job := l.tx
	l.tx = txJob{}
	l.txActive = false

	switch {
	case err != nil && job.ownsRx:
		l.startRx()
	case err == nil && job.then != nil:
		job.then()
	}

	if !l.txActive && len(l.txQueue) > 0 {
		next := l.txQueue[0]
		l.txQueue = l.txQueue[1:]
		l.send(next)
	}
}

func clampLen(n uint32) int {
	if n > PacketPayloadMax {
		return PacketPayloadMax
	}
	return int(n)
}
