// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contexthub/nanostat/pkg/logging"
	"github.com/contexthub/nanostat/pkg/msgbuf"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

var (
	// ErrSensorsNotReady means a sensor has not finished init; retry later
	ErrSensorsNotReady = errors.New("sensors not ready")
	// ErrNotInitialized is returned before InitSensors succeeds
	ErrNotInitialized = errors.New("queue not initialized")
	// ErrQueueFull means no block could be reserved for a record
	ErrQueueFull = errors.New("queue full")
	// ErrPayloadTooLarge is returned for oversized app-to-host payloads
	ErrPayloadTooLarge = errors.New("payload too large")
)

// noInterrupt tells notify to only refresh the prefetch
const noInterrupt = nanohub.MaxInterrupts

// SensorState is what the discard policy knows about a record's sensor
type SensorState struct {
	CurSamples uint32
	MinSamples uint32
}

// DiscardPolicy decides whether a sensor record may be evicted when the
// queue needs room
type DiscardPolicy func(rec *DataBuffer, st SensorState, onDelete bool) bool

// DefaultDiscardPolicy evicts a record only if its sensor keeps at least
// minSamples buffered without it, or the queue is being torn down
func DefaultDiscardPolicy(rec *DataBuffer, st SensorState, onDelete bool) bool {
	return int64(st.CurSamples)-int64(rec.First.NumSamples) >= int64(st.MinSamples) || onDelete
}

// QueueStats counts queue events
type QueueStats struct {
	Enqueued  uint64
	Dequeued  uint64
	Discarded uint64
	Dropped   uint64
	Stale     uint64
}

// Queue batches sensor samples and control records for the host under a
// fixed block budget. It is not safe for concurrent use; the device runs
// every call on its scheduler.
type Queue struct {
	reg    Registry
	irq    *nanohub.InterruptSet
	clock  func() uint64
	logger *slog.Logger
	policy DiscardPolicy
	sync   *TimeSync
	notify func(interrupt uint32)

	out        *SimpleQueue
	sensors    []*ActiveSensor
	sensorList [SensTypeMax]int

	totalBlocks     int
	wakeupBlocks    int
	nonWakeupBlocks int
	lastSensor      int
	latencyCnt      int
	initErrors      int

	next  *DataBuffer
	stats QueueStats
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueLogger sets the logger
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logging.With(l, logging.Batch) }
}

// WithDiscardPolicy replaces DefaultDiscardPolicy
func WithDiscardPolicy(p DiscardPolicy) QueueOption {
	return func(q *Queue) { q.policy = p }
}

// WithQueueClock sets the hub clock in nanoseconds
func WithQueueClock(clock func() uint64) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithTimeSync shares a time sync state with the READ_EVENT handlers
func WithTimeSync(ts *TimeSync) QueueOption {
	return func(q *Queue) { q.sync = ts }
}

// NewQueue creates a queue over reg. Call InitSensors before use.
func NewQueue(reg Registry, irq *nanohub.InterruptSet, opts ...QueueOption) *Queue {
	start := time.Now()
	q := &Queue{
		reg:    reg,
		irq:    irq,
		clock:  func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		logger: logging.With(nil, logging.Batch),
		policy: DefaultDiscardPolicy,
		sync:   &TimeSync{},
	}
	if q.irq == nil {
		q.irq = nanohub.NewInterruptSet(nil)
	}
	q.notify = q.setInterrupt
	for i := range q.sensorList {
		q.sensorList[i] = -1
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetNotify replaces the hook run after samples or control records are
// queued. interrupt is the bit to raise, or nanohub.MaxInterrupts for none.
func (q *Queue) SetNotify(fn func(interrupt uint32)) {
	if fn == nil {
		fn = q.setInterrupt
	}
	q.notify = fn
}

func (q *Queue) setInterrupt(interrupt uint32) {
	if interrupt < noInterrupt {
		q.irq.Set(interrupt)
	}
}

// InitSensors sizes the queue from the present sensors. It returns
// ErrSensorsNotReady while a sensor is still initializing; after
// initRetries such failures the sensor is skipped.
func (q *Queue) InitSensors() error {
	total := 0
	var present []*SensorInfo

	for t := SensTypeInvalid + 1; t <= SensTypeLastUser; t++ {
		var first *SensorInfo
		maxBlocks := 0
		bad := false

		for j := 0; ; j++ {
			si, handle, ok := q.reg.Find(uint8(t), j)
			if !ok {
				break
			}
			if !q.reg.InitComplete(handle) {
				if q.initErrors >= initRetries {
					q.logger.Error("sensor not ready, skipping", "sensor", si.Name)
					continue
				}
				q.initErrors++
				q.logger.Info("sensor not ready", "sensor", si.Name)
				return ErrSensorsNotReady
			}
			if si.LocalOnly {
				continue
			}

			shape := si.Shape()
			if first == nil {
				first = si
			} else if si.NumAxis != first.NumAxis {
				bad = true
			}
			if shape == ShapeNone {
				bad = true
				continue
			}
			minSamples := min(si.MinSamples, MaxMinSamples)
			ps := uint32(shape.PacketSamples())
			maxBlocks = max(maxBlocks, int((minSamples+ps-1)/ps))
		}

		if first != nil && !bad {
			present = append(present, first)
			total += maxBlocks
		}
	}

	if total > MaxNumBlocks {
		q.logger.Info("block budget clamped", "blocks", total, "max", MaxNumBlocks)
		total = MaxNumBlocks
	} else if total < MinNumBlocks {
		total = MinNumBlocks
	}

	q.totalBlocks = total
	q.out = NewSimpleQueue(total, q.discardRecord)
	q.sensors = q.sensors[:0]
	for i := range q.sensorList {
		q.sensorList[i] = -1
	}

	for idx, si := range present {
		s := newActiveSensor(si)
		if si.MinSamples > MaxMinSamples {
			q.logger.Info("minSamples clamped", "sensor", si.Name, "minSamples", si.MinSamples)
		}
		q.sensors = append(q.sensors, s)
		q.sensorList[si.Type] = idx
		if si.Raw && si.RawType > SensTypeInvalid && si.RawType <= SensTypeLastUser {
			q.sensorList[si.RawType] = idx
		} else if si.Bias && si.BiasType > SensTypeInvalid && si.BiasType <= SensTypeLastUser {
			q.sensorList[si.BiasType] = idx
		}
	}

	q.logger.Debug("sensors initialized", "sensors", len(q.sensors), "blocks", total)
	return nil
}

// Initialized reports whether InitSensors has succeeded
func (q *Queue) Initialized() bool { return q.out != nil }

// TotalBlocks returns the block budget
func (q *Queue) TotalBlocks() int { return q.totalBlocks }

// Blocks returns the reserved wakeup and non-wakeup blocks
func (q *Queue) Blocks() (wakeup, nonWakeup int) {
	return q.wakeupBlocks, q.nonWakeupBlocks
}

// Pending returns Blocks plus the record carried over by Fill
func (q *Queue) Pending() (wakeup, nonWakeup int) {
	wakeup, nonWakeup = q.Blocks()
	if q.next != nil {
		switch q.recordClass(q.next) {
		case InterruptWakeup:
			wakeup++
		case InterruptNonWakeup:
			nonWakeup++
		}
	}
	return wakeup, nonWakeup
}

// Stats returns a copy of the counters
func (q *Queue) Stats() QueueStats { return q.stats }

// Len returns the number of queued records
func (q *Queue) Len() int {
	if q.out == nil {
		return 0
	}
	return q.out.Len()
}

// Sensor returns the batching state for sensType
func (q *Queue) Sensor(sensType uint8) *ActiveSensor {
	if sensType <= SensTypeInvalid || sensType > SensTypeLastUser {
		return nil
	}
	if idx := q.sensorList[sensType]; idx >= 0 {
		return q.sensors[idx]
	}
	return nil
}

func (q *Queue) sensorFor(rec *DataBuffer) *ActiveSensor {
	if !rec.IsSensor() {
		return nil
	}
	return q.Sensor(rec.SensType)
}

func (q *Queue) recordClass(rec *DataBuffer) uint8 {
	if s := q.sensorFor(rec); s != nil {
		return s.interrupt
	}
	return rec.Interrupt
}

func (q *Queue) blocks() int { return q.wakeupBlocks + q.nonWakeupBlocks }

func (q *Queue) addBlock(class uint8) {
	switch uint32(class) {
	case InterruptWakeup:
		q.wakeupBlocks++
	case InterruptNonWakeup:
		q.nonWakeupBlocks++
	}
}

func (q *Queue) removeBlock(class uint8) {
	switch uint32(class) {
	case InterruptWakeup:
		q.wakeupBlocks--
	case InterruptNonWakeup:
		q.nonWakeupBlocks--
	}
}

// releaseRecord returns the block and sample count held by rec
func (q *Queue) releaseRecord(rec *DataBuffer) *ActiveSensor {
	s := q.sensorFor(rec)
	if s == nil {
		q.removeBlock(rec.Interrupt)
		return nil
	}
	q.removeBlock(s.interrupt)
	s.curSamples -= uint32(rec.First.NumSamples)
	return s
}

// discardRecord is the DiscardFunc of the output queue
func (q *Queue) discardRecord(rec *DataBuffer, onDelete bool) bool {
	if s := q.sensorFor(rec); s != nil {
		st := SensorState{CurSamples: s.curSamples, MinSamples: s.minSamples}
		if !q.policy(rec, st, onDelete) {
			return false
		}
	}
	q.releaseRecord(rec)
	q.stats.Discarded++
	return true
}

// reserve takes a block for a new record of class, evicting queued
// records when the budget is spent. Priority records may evict records
// that were queued as non-discardable.
func (q *Queue) reserve(class uint8, priority bool) bool {
	for q.blocks() >= q.totalBlocks {
		if q.out.Discard(false) {
			continue
		}
		if priority && q.out.Discard(true) {
			continue
		}
		q.stats.Dropped++
		return false
	}
	q.addBlock(class)
	return true
}

// push queues a record whose block is already reserved
func (q *Queue) push(rec *DataBuffer, discardable bool) bool {
	if !q.out.Enqueue(rec, discardable) {
		q.releaseRecord(rec)
		q.stats.Dropped++
		q.logger.Warn("record dropped", "evt", fmt.Sprintf("0x%08X", rec.EvtType()))
		return false
	}
	q.stats.Enqueued++
	return true
}

// enqueueSensor queues the open buffer of s and starts a new one
func (q *Queue) enqueueSensor(s *ActiveSensor) bool {
	if !s.open {
		return true
	}
	ok := q.push(s.buffer, s.discard)
	s.resetBuffer()
	return ok
}

// openBuffer reserves a block for a new buffer starting at ref
func (q *Queue) openBuffer(s *ActiveSensor, ref uint64, priority bool) bool {
	if !q.reserve(s.interrupt, priority) {
		return false
	}
	s.open = true
	s.buffer.ReferenceTime = ref
	s.buffer.Interrupt = s.interrupt
	s.buffer.First.Interrupt = s.interrupt
	return true
}

// HandleSample batches a driver event
func (q *Queue) HandleSample(ev *SensorEvent) {
	if q.out == nil {
		return
	}
	s := q.Sensor(ev.SensType)
	if s == nil {
		return
	}

	if !s.Enabled() {
		// bias updates arrive even when the host has not requested the sensor
		if !ev.Flush && ev.BiasPresent && len(ev.Triple) > 0 && s.shape == ShapeTriple {
			q.copySamples(s, ev)
			q.notify(uint32(s.interrupt))
		}
		return
	}

	if ev.Flush {
		q.queueFlush(s)
	} else {
		if s.open {
			if s.buffer.First.NumFlushes > 0 {
				if !q.enqueueSensor(s) {
					return
				}
			} else if s.full() {
				q.enqueueSensor(s)
			}
		}
		if s.info.NumAxis == NumAxisEmbedded {
			q.addEmbedded(s, ev)
		} else {
			q.copySamples(s, ev)
		}
	}

	interrupt := uint32(noInterrupt)
	now := q.clock()
	if s.firstTime != 0 {
		cur := q.reg.CurLatency(s.handle)
		deadline := s.firstTime + s.latency
		if now >= deadline || (s.latency > cur && now+cur > deadline) {
			interrupt = uint32(s.interrupt)
		}
	}
	if interrupt == noInterrupt && q.blocks() >= q.totalBlocks {
		interrupt = uint32(s.interrupt)
	}
	q.notify(interrupt)

	if s.oneshot {
		q.reg.Release(s.handle)
		s.handle = 0
		s.oneshot = false
	}
}

func (q *Queue) addEmbedded(s *ActiveSensor, ev *SensorEvent) {
	now := q.clock()
	if s.open && now-s.lastTime >= DeltaTimeMax {
		q.enqueueSensor(s)
	}
	if !s.open {
		if !q.openBuffer(s, now, false) {
			return
		}
		s.store(ev, 0, 0)
	} else {
		s.store(ev, 0, EncodeDeltaTime(now-s.lastTime))
	}
	s.lastTime = now
	if s.curSamples == 1 {
		s.firstTime = s.buffer.ReferenceTime
	}
}

// copySamples packs the samples of ev into s, opening buffers as they fill
func (q *Queue) copySamples(s *ActiveSensor, ev *SensorEvent) {
	n := ev.numSamples()
	for i := 0; i < n; i++ {
		if s.full() {
			q.enqueueSensor(s)
		}

		switch {
		case !s.open:
			ref := ev.ReferenceTime
			if i > 0 {
				ref = s.lastTime + uint64(ev.deltaTime(i))
			}
			s.lastTime = ref
			if !q.openBuffer(s, ref, ev.BiasPresent && int(ev.BiasSample) == i) {
				continue
			}
			s.mergeBias(ev, i, 0)
			s.store(ev, i, 0)
			if s.curSamples == 1 {
				s.firstTime = ref
			}

		case i == 0:
			if s.lastTime > ev.ReferenceTime || ev.ReferenceTime-s.lastTime >= DeltaTimeMax {
				// out of order or out of range; start a new buffer
				q.enqueueSensor(s)
				i--
				continue
			}
			pos := s.numSamples()
			s.store(ev, 0, EncodeDeltaTime(ev.ReferenceTime-s.lastTime))
			s.lastTime = ev.ReferenceTime
			s.mergeBias(ev, 0, pos)

		default:
			d := ev.deltaTime(i)
			pos := s.numSamples()
			s.store(ev, i, d|deltaTimeFineMask)
			s.lastTime += uint64(d)
			s.mergeBias(ev, i, pos)
		}
	}
}

// queueFlush marks a flush on the open buffer of s, opening a flush-only
// buffer when none is open
func (q *Queue) queueFlush(s *ActiveSensor) {
	if !s.open {
		if !q.openBuffer(s, 0, true) {
			return
		}
		s.buffer.First.NumFlushes = 1
	} else {
		s.buffer.First.NumFlushes++
	}
	s.discard = false
	q.irq.Set(uint32(s.interrupt))
}

// fakeFlush answers a flush for a sensor the hub does not have
func (q *Queue) fakeFlush(sensType uint8) {
	rec := &DataBuffer{
		SensType:  sensType,
		DataType:  DataTypeSensor,
		Interrupt: uint8(InterruptWakeup),
	}
	rec.First.NumFlushes = 1
	if !q.reserve(rec.Interrupt, true) {
		return
	}
	q.push(rec, false)
}

// Configure applies a host configuration command
func (q *Queue) Configure(cmd *ConfigCmd) error {
	if q.out == nil {
		return ErrNotInitialized
	}
	s := q.Sensor(cmd.SensType)
	if s == nil {
		if cmd.Cmd == ConfigCmdFlush && cmd.SensType > SensTypeInvalid {
			q.logger.Info("flush for unknown sensor, returning fake flush", "sensType", cmd.SensType)
			q.fakeFlush(cmd.SensType)
			q.notify(InterruptWakeup)
		}
		return nil
	}

	if s.Enabled() {
		switch cmd.Cmd {
		case ConfigCmdFlush:
			q.reg.Flush(s.handle)
		case ConfigCmdEnable:
			if q.reg.RequestRateChange(s.handle, cmd.Rate, cmd.Latency) {
				s.rate = cmd.Rate
				q.setLatency(s, cmd.Latency)
			}
		case ConfigCmdDisable:
			q.reg.Release(s.handle)
			q.setLatency(s, 0)
			s.rate = 0
			s.oneshot = false
			s.handle = 0
			if s.open {
				q.enqueueSensor(s)
				q.irq.Set(uint32(s.interrupt))
			}
		}
		return nil
	}

	switch cmd.Cmd {
	case ConfigCmdEnable:
		rate := cmd.Rate
		oneshot := false
		if rate == SensorRateOneshot {
			rate = SensorRateOnchange
			oneshot = true
		}
		for i := 0; ; i++ {
			_, handle, ok := q.reg.Find(cmd.SensType, i)
			if !ok {
				return fmt.Errorf("enable sensor type %d: request rejected", cmd.SensType)
			}
			if q.reg.Request(handle, rate, cmd.Latency) {
				s.handle = handle
				s.oneshot = oneshot
				s.rate = rate
				q.setLatency(s, cmd.Latency)
				return nil
			}
		}
	case ConfigCmdCalibrate:
		q.forEachHandle(cmd.SensType, func(h uint32) { q.reg.Calibrate(h) })
	case ConfigCmdCfgData:
		q.forEachHandle(cmd.SensType, func(h uint32) { q.reg.CfgData(h, cmd.Data) })
	case ConfigCmdFlush:
		q.queueFlush(s)
	}
	return nil
}

func (q *Queue) forEachHandle(sensType uint8, fn func(handle uint32)) {
	for i := 0; ; i++ {
		_, h, ok := q.reg.Find(sensType, i)
		if !ok {
			return
		}
		fn(h)
	}
}

// setLatency updates s and the count of sensors under latency checks
func (q *Queue) setLatency(s *ActiveSensor, latency uint64) {
	if s.latency == latency {
		return
	}
	if s.latency == 0 {
		q.latencyCnt++
	} else if latency == 0 {
		q.latencyCnt--
	}
	s.latency = latency
}

// LatencyActive reports whether any sensor needs periodic latency checks
func (q *Queue) LatencyActive() bool { return q.latencyCnt > 0 }

// CheckLatency raises the interrupt of every sensor whose oldest buffered
// sample has waited longer than its requested latency
func (q *Queue) CheckLatency(now uint64) {
	cnt := 0
	for _, s := range q.sensors {
		if cnt >= q.latencyCnt {
			return
		}
		if s.latency == 0 {
			continue
		}
		cnt++
		if s.firstTime != 0 && now >= s.firstTime+s.latency {
			q.irq.Set(uint32(s.interrupt))
		}
	}
}

// Dequeue removes the next record for the host. Records of sensors that
// were disabled since are skipped unless they carry a bias or a flush.
// With nothing queued, open partial buffers are handed out round-robin.
func (q *Queue) Dequeue() (*DataBuffer, bool) {
	if q.out == nil {
		return nil, false
	}
	rec, ok := q.out.Dequeue()
	for ok {
		s := q.sensorFor(rec)
		if s == nil || s.Enabled() || rec.First.BiasPresent || rec.First.NumFlushes > 0 {
			break
		}
		q.releaseRecord(rec)
		q.stats.Stale++
		rec, ok = q.out.Dequeue()
	}

	if !ok && len(q.sensors) > 0 {
		n := len(q.sensors)
		for i := 0; i < n; i, q.lastSensor = i+1, (q.lastSensor+1)%n {
			s := q.sensors[q.lastSensor]
			if s.open {
				rec = s.buffer
				s.resetBuffer()
				ok = true
				q.lastSensor = (q.lastSensor + 1) % n
				break
			}
		}
	}

	if !ok {
		return nil, false
	}
	if s := q.releaseRecord(rec); s != nil {
		s.firstTime = 0
	}
	q.stats.Dequeued++
	return rec, true
}

// Fill packs records into a READ_EVENT payload of at most limit bytes.
// The first record may be of any kind; it is followed only by sensor
// records, and only when the first is a sensor record. A record that does
// not fit is carried to the next call.
func (q *Queue) Fill(limit int) []byte {
	var out []byte
	firstSensor := false

	for {
		rec := q.next
		q.next = nil
		if rec == nil {
			var ok bool
			if rec, ok = q.Dequeue(); !ok {
				break
			}
			q.prepare(rec)
		}

		size := rec.EncodedLen()
		if len(out) == 0 && size > limit {
			q.logger.Warn("record larger than read limit dropped", "size", size, "limit", limit)
			continue
		}
		if (len(out) == 0 || (firstSensor && rec.IsSensor())) && len(out)+size <= limit {
			if len(out) == 0 {
				firstSensor = rec.IsSensor()
			}
			out = append(out, rec.Encode()...)
			if firstSensor && rec.IsSensor() && uint32(rec.Interrupt) == InterruptWakeup {
				out[firstInterruptOffset] = uint8(InterruptWakeup)
			}
			continue
		}
		q.next = rec
		break
	}
	return out
}

// firstInterruptOffset locates the interrupt byte of the first sample
// header of a sensor record
const firstInterruptOffset = 4 + referenceTimeSize + firstSampleSize - 1

// prepare adjusts a dequeued sensor record for transmission
func (q *Queue) prepare(rec *DataBuffer) {
	if !rec.IsSensor() {
		return
	}
	if rec.ReferenceTime != 0 {
		rec.ReferenceTime += q.sync.AvgDelta()
	}
	if q.wakeupBlocks > 0 {
		rec.Interrupt = uint8(InterruptWakeup)
	}
}

// TimeSync returns the AP/hub clock tracker used by Fill
func (q *Queue) TimeSync() *TimeSync { return q.sync }

func (q *Queue) enqueueControl(rec *DataBuffer, discardable bool) error {
	if q.out == nil {
		return ErrNotInitialized
	}
	if !q.reserve(rec.Interrupt, !discardable) {
		return ErrQueueFull
	}
	if !q.push(rec, discardable) {
		return ErrQueueFull
	}
	q.notify(uint32(rec.Interrupt))
	return nil
}

// EnqueueAppToHost queues a message from a hub app to the host
func (q *Queue) EnqueueAppToHost(appID uint64, data []byte) error {
	if len(data) > HostHubRawPacketMaxLen {
		return fmt.Errorf("app 0x%016X: %d bytes: %w", appID, len(data), ErrPayloadTooLarge)
	}
	m := msgbuf.NewSize(9 + len(data))
	m.WriteU64(appID)
	m.WriteU8(uint8(len(data)))
	m.WriteRaw(data)
	return q.enqueueControl(&DataBuffer{
		SensType:  SensTypeInvalid,
		DataType:  DataTypeAppToHost,
		Interrupt: uint8(InterruptWakeup),
		Payload:   m.Bytes(),
	}, false)
}

// EnqueueResetReason queues the hub reset reason
func (q *Queue) EnqueueResetReason(reason uint32) error {
	m := msgbuf.NewSize(4)
	m.WriteU32(reason)
	return q.enqueueControl(&DataBuffer{
		SensType:  SensTypeInvalid,
		DataType:  DataTypeResetReason,
		Interrupt: uint8(InterruptWakeup),
		Payload:   m.Bytes(),
	}, false)
}

// EnqueueDebugLog queues a hub log line. Log records are discardable.
func (q *Queue) EnqueueDebugLog(text []byte) error {
	if len(text) > SensorDataMax {
		text = text[:SensorDataMax]
	}
	return q.enqueueControl(&DataBuffer{
		SensType:  SensTypeInvalid,
		DataType:  DataTypeLog,
		Interrupt: uint8(InterruptNonWakeup),
		Payload:   append([]byte(nil), text...),
	}, true)
}

// Close discards everything queued
func (q *Queue) Close() {
	if q.out != nil {
		q.out.Drain()
	}
	q.next = nil
}
