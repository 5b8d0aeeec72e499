// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contexthub/nanostat/pkg/logging"
	"github.com/contexthub/nanostat/pkg/msgbuf"
	"github.com/contexthub/nanostat/pkg/nanohub"
)

// ErrUnknownApp is returned when a message targets an app that is not loaded
var ErrUnknownApp = errors.New("unknown app")

// readEventMax is the largest READ_EVENT payload
const readEventMax = 4 + referenceTimeSize + SensorDataMax

// initRetryDelay spaces InitSensors attempts
const initRetryDelay = 50 * time.Millisecond

// AppInfo identifies a hub app
type AppInfo struct {
	ID      uint64
	Version uint32
	Size    uint32
}

// App is a hub app reachable from the host
type App interface {
	Info() AppInfo
	// HandleHostMessage runs on the device scheduler
	HandleHostMessage(data []byte)
}

// Versions is the GET_OS_HW_VERSIONS reply
type Versions struct {
	HwType     uint16
	HwVer      uint16
	BlVer      uint16
	OsVer      uint16
	VariantVer uint32
}

// Reply sizes of the version queries
const (
	VersionsSize = 2 + 2 + 2 + 2 + 4
	AppInfoSize  = 8 + 4 + 4
)

// ErrShortReply is returned when a version reply is truncated
var ErrShortReply = errors.New("short reply")

// DecodeVersions parses a GET_OS_HW_VERSIONS reply
func DecodeVersions(data []byte) (*Versions, error) {
	if len(data) < VersionsSize {
		return nil, fmt.Errorf("%w: versions %d bytes", ErrShortReply, len(data))
	}
	m := msgbuf.NewReader(data)
	return &Versions{
		HwType:     m.ReadU16(),
		HwVer:      m.ReadU16(),
		BlVer:      m.ReadU16(),
		OsVer:      m.ReadU16(),
		VariantVer: m.ReadU32(),
	}, nil
}

// DecodeAppInfo parses a QUERY_APP_INFO reply. An empty reply means no
// app at that index and returns nil.
func DecodeAppInfo(data []byte) (*AppInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < AppInfoSize {
		return nil, fmt.Errorf("%w: app info %d bytes", ErrShortReply, len(data))
	}
	m := msgbuf.NewReader(data)
	return &AppInfo{ID: m.ReadU64(), Version: m.ReadU32(), Size: m.ReadU32()}, nil
}

// Device is the hub side of the host interface: the built-in command
// table served over a Link, the sensor batching queue, and the apps the
// host can talk to
type Device struct {
	sched    *nanohub.Scheduler
	irq      *nanohub.InterruptSet
	link     *nanohub.Link
	queue    *Queue
	commands *nanohub.CommandTable
	logger   *slog.Logger
	clock    func() uint64

	versions    Versions
	resetReason uint32

	appsMu sync.RWMutex
	apps   []App

	// prefetched READ_EVENT payload
	curr []byte

	stop     chan struct{}
	stopOnce sync.Once
}

// DeviceOption configures a Device
type DeviceOption func(*Device)

// WithDeviceLogger sets the logger
func WithDeviceLogger(l *slog.Logger) DeviceOption {
	return func(d *Device) { d.logger = logging.With(l, logging.Device) }
}

// WithVersions sets the version reply
func WithVersions(v Versions) DeviceOption {
	return func(d *Device) { d.versions = v }
}

// WithResetReason sets the reset reason reported at start
func WithResetReason(reason uint32) DeviceOption {
	return func(d *Device) { d.resetReason = reason }
}

// WithDeviceClock sets the hub clock in nanoseconds
func WithDeviceClock(clock func() uint64) DeviceOption {
	return func(d *Device) { d.clock = clock }
}

// NewDevice assembles a hub serving t. Sensors come from reg; everything
// runs on sched.
func NewDevice(t nanohub.Transport, reg Registry, sched *nanohub.Scheduler, opts ...DeviceOption) *Device {
	start := time.Now()
	d := &Device{
		sched:  sched,
		irq:    nanohub.NewInterruptSet(nil),
		logger: logging.With(nil, logging.Device),
		clock:  func() uint64 { return uint64(time.Since(start).Nanoseconds()) },
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.queue = NewQueue(reg, d.irq,
		WithQueueLogger(d.logger),
		WithQueueClock(d.clock),
	)
	d.queue.SetNotify(d.prefetch)

	d.commands = d.commandTable()
	d.link = nanohub.NewLink(t, d.commands, sched,
		nanohub.WithLogger(d.logger),
		nanohub.WithInterrupts(d.irq),
		nanohub.WithClock(d.clock),
	)
	return d
}

// Now returns the hub clock in nanoseconds. Sensor event times use it.
func (d *Device) Now() uint64 { return d.clock() }

// Link returns the packet link
func (d *Device) Link() *nanohub.Link { return d.link }

// Queue returns the batching queue. Use it only from the scheduler.
func (d *Device) Queue() *Queue { return d.queue }

// Interrupts returns the host interrupt set
func (d *Device) Interrupts() *nanohub.InterruptSet { return d.irq }

// Commands returns the built-in command table
func (d *Device) Commands() *nanohub.CommandTable { return d.commands }

// RegisterApp makes app reachable with EvtAppFromHost
func (d *Device) RegisterApp(app App) {
	d.appsMu.Lock()
	defer d.appsMu.Unlock()
	id := app.Info().ID
	for i, a := range d.apps {
		if a.Info().ID == id {
			d.apps[i] = app
			return
		}
	}
	d.apps = append(d.apps, app)
}

func (d *Device) findApp(id uint64) App {
	d.appsMu.RLock()
	defer d.appsMu.RUnlock()
	for _, a := range d.apps {
		if a.Info().ID == id {
			return a
		}
	}
	return nil
}

func (d *Device) appByIndex(idx uint32) App {
	d.appsMu.RLock()
	defer d.appsMu.RUnlock()
	if int(idx) < len(d.apps) {
		return d.apps[idx]
	}
	return nil
}

// Start brings up the link, sizes the queue and starts latency checks
func (d *Device) Start() error {
	if err := d.link.Start(); err != nil {
		return err
	}
	d.post(d.initQueue)
	go d.latencyLoop()
	return nil
}

// Stop shuts the link down and drops queued records
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.link.Stop()
		d.post(d.queue.Close)
	})
}

func (d *Device) post(fn func()) {
	if !d.sched.Defer(fn) {
		d.logger.Warn("scheduler full, task dropped")
	}
}

func (d *Device) initQueue() {
	err := d.queue.InitSensors()
	if errors.Is(err, ErrSensorsNotReady) {
		time.AfterFunc(initRetryDelay, func() {
			select {
			case <-d.stop:
			default:
				d.post(d.initQueue)
			}
		})
		return
	}
	if err := d.queue.EnqueueResetReason(d.resetReason); err != nil {
		d.logger.Warn("reset reason not queued", "error", err)
	}
	d.logger.Info("host interface up", "blocks", d.queue.TotalBlocks())
}

func (d *Device) latencyLoop() {
	t := time.NewTicker(checkLatencyPeriod)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.post(func() {
				if d.queue.LatencyActive() {
					d.queue.CheckLatency(d.clock())
				}
			})
		}
	}
}

// PostSample hands a driver event to the batching queue
func (d *Device) PostSample(ev *SensorEvent) bool {
	return d.sched.Defer(func() { d.queue.HandleSample(ev) })
}

// SendToHost queues a message from app appID to the host. Safe to call
// from any goroutine.
func (d *Device) SendToHost(appID uint64, data []byte) error {
	if len(data) > HostHubRawPacketMaxLen {
		return fmt.Errorf("app 0x%016X: %w", appID, ErrPayloadTooLarge)
	}
	msg := append([]byte(nil), data...)
	if !d.sched.Defer(func() {
		if err := d.queue.EnqueueAppToHost(appID, msg); err != nil {
			d.logger.Warn("app message dropped", "app", fmt.Sprintf("0x%016X", appID), "error", err)
		}
	}) {
		return nanohub.ErrSchedulerFull
	}
	return nil
}

// prefetch raises interrupt and packs the next READ_EVENT reply ahead of
// the host asking for it
func (d *Device) prefetch(interrupt uint32) {
	if interrupt >= noInterrupt && !d.irq.Get(InterruptWakeup) && !d.irq.Get(InterruptNonWakeup) {
		return
	}
	if interrupt < noInterrupt {
		d.irq.Set(interrupt)
	}
	if len(d.curr) == 0 {
		d.curr = d.queue.Fill(readEventMax)
	}
}

// updateInterrupts makes the data interrupts follow what is left to read
func (d *Device) updateInterrupts() {
	wakeup, nonWakeup := d.queue.Pending()
	follow := func(bit uint32, pending bool) {
		switch {
		case !pending && d.irq.Get(bit):
			d.irq.Clear(bit)
		case pending && !d.irq.Get(bit):
			d.irq.Set(bit)
		}
	}
	follow(InterruptWakeup, wakeup > 0)
	follow(InterruptNonWakeup, nonWakeup > 0)
}

// BuiltinCommands returns the command table a Device serves, for hosts
// checking the requests they see on a link. Its handlers must not run.
func BuiltinCommands() *nanohub.CommandTable {
	return (&Device{}).commandTable()
}

func (d *Device) commandTable() *nanohub.CommandTable {
	return nanohub.NewCommandTable(
		nanohub.Command{
			Reason:  nanohub.ReasonGetOsHwVersions,
			Fast:    d.getOsHwVersions,
			Handler: d.getOsHwVersions,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonGetAppVersions,
			MinDataLen: 8,
			MaxDataLen: 8,
			Handler:    d.getAppVersion,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonQueryAppInfo,
			MinDataLen: 4,
			MaxDataLen: 4,
			Handler:    d.queryAppInfo,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonGetInterrupt,
			MinDataLen: 0,
			MaxDataLen: nanohub.InterruptSize,
			Fast:       d.getInterrupt,
			Handler:    d.getInterrupt,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonMaskInterrupt,
			MinDataLen: 1,
			MaxDataLen: 1,
			Fast:       d.maskInterrupt,
			Handler:    d.maskInterrupt,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonUnmaskInterrupt,
			MinDataLen: 1,
			MaxDataLen: 1,
			Fast:       d.unmaskInterrupt,
			Handler:    d.unmaskInterrupt,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonReadEvent,
			MinDataLen: 8,
			MaxDataLen: 8,
			Fast:       d.readEventFast,
			Handler:    d.readEvent,
		},
		nanohub.Command{
			Reason:     nanohub.ReasonWriteEvent,
			MinDataLen: 4,
			MaxDataLen: nanohub.PacketPayloadMax,
			Handler:    d.writeEvent,
		},
	)
}

func (d *Device) getOsHwVersions(rx, tx []byte, timestamp uint64) uint32 {
	m := msgbuf.New(tx)
	m.WriteU16(d.versions.HwType)
	m.WriteU16(d.versions.HwVer)
	m.WriteU16(d.versions.BlVer)
	m.WriteU16(d.versions.OsVer)
	m.WriteU32(d.versions.VariantVer)
	return uint32(m.Pos())
}

func (d *Device) getAppVersion(rx, tx []byte, timestamp uint64) uint32 {
	app := d.findApp(msgbuf.NewReader(rx).ReadU64())
	if app == nil {
		return 0
	}
	m := msgbuf.New(tx)
	m.WriteU32(app.Info().Version)
	return uint32(m.Pos())
}

func (d *Device) queryAppInfo(rx, tx []byte, timestamp uint64) uint32 {
	app := d.appByIndex(msgbuf.NewReader(rx).ReadU32())
	if app == nil {
		return 0
	}
	info := app.Info()
	m := msgbuf.New(tx)
	m.WriteU64(info.ID)
	m.WriteU32(info.Version)
	m.WriteU32(info.Size)
	return uint32(m.Pos())
}

// getInterrupt optionally clears the bits set in a request bitmap, then
// returns the pending set
func (d *Device) getInterrupt(rx, tx []byte, timestamp uint64) uint32 {
	if len(rx) == nanohub.InterruptSize {
		m := msgbuf.NewReader(rx)
		for word := uint32(0); word < nanohub.InterruptSize/4; word++ {
			bits := m.ReadU32()
			for b := uint32(0); b < 32; b++ {
				if bits&(1<<b) != 0 {
					d.irq.Clear(word*32 + b)
				}
			}
		}
	}
	return uint32(d.irq.Snapshot(tx))
}

func (d *Device) maskInterrupt(rx, tx []byte, timestamp uint64) uint32 {
	d.irq.Mask(uint32(rx[0]))
	tx[0] = 1
	return 1
}

func (d *Device) unmaskInterrupt(rx, tx []byte, timestamp uint64) uint32 {
	d.irq.Unmask(uint32(rx[0]))
	tx[0] = 1
	return 1
}

// readEventFast answers from the prefetched payload, or acks and leaves
// the work to readEvent
func (d *Device) readEventFast(rx, tx []byte, timestamp uint64) uint32 {
	if len(d.curr) == 0 {
		return nanohub.FastUnhandledAck
	}
	d.queue.TimeSync().AddDelta(msgbuf.NewReader(rx).ReadU64(), timestamp)
	n := copy(tx, d.curr)
	d.curr = nil
	d.updateInterrupts()
	d.post(func() { d.prefetch(noInterrupt) })
	return uint32(n)
}

func (d *Device) readEvent(rx, tx []byte, timestamp uint64) uint32 {
	d.queue.TimeSync().AddDelta(msgbuf.NewReader(rx).ReadU64(), timestamp)

	if len(d.curr) > 0 {
		n := copy(tx, d.curr)
		d.curr = nil
		d.updateInterrupts()
		return uint32(n)
	}

	n := copy(tx, d.queue.Fill(readEventMax))
	if n > 0 {
		d.updateInterrupts()
	} else {
		d.irq.Clear(InterruptWakeup)
		d.irq.Clear(InterruptNonWakeup)
	}
	return uint32(n)
}

// writeEvent accepts an event from the host: a message for an app or a
// sensor configuration command. The reply is one byte, nonzero if accepted.
func (d *Device) writeEvent(rx, tx []byte, timestamp uint64) uint32 {
	m := msgbuf.NewReader(rx)
	evt := m.ReadU32()
	accepted := false

	switch evt {
	case EvtAppFromHost:
		accepted = d.acceptAppMessage(m.Remaining())
	case EvtNoSensorConfigEvent:
		cmd, err := DecodeConfigCmd(m.Remaining())
		if err != nil {
			d.logger.Debug("bad config command", "error", err)
			break
		}
		accepted = d.sched.Defer(func() {
			if err := d.queue.Configure(cmd); err != nil {
				d.logger.Warn("sensor config failed", "sensType", cmd.SensType, "cmd", cmd.Cmd, "error", err)
			}
		})
	default:
		d.logger.Debug("event ignored", "evt", fmt.Sprintf("0x%08X", evt))
	}

	if accepted {
		tx[0] = 1
	} else {
		tx[0] = 0
	}
	return 1
}

func (d *Device) acceptAppMessage(data []byte) bool {
	m := msgbuf.NewReader(data)
	if m.Room() < 9 {
		return false
	}
	appID := m.ReadU64()
	n := int(m.ReadU8())
	if m.Room() != n {
		return false
	}
	app := d.findApp(appID)
	if app == nil {
		d.logger.Debug("message for unknown app", "app", fmt.Sprintf("0x%016X", appID))
		return false
	}
	msg := append([]byte(nil), m.ReadRaw(n)...)
	return d.sched.Defer(func() { app.HandleHostMessage(msg) })
}
