// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"sort"
	"sync"
)

// NumAxis describes the sample layout a sensor produces
type NumAxis uint8

const (
	NumAxisEmbedded NumAxis = 0 // value carried in the event itself
	NumAxisOne      NumAxis = 1
	NumAxisThree    NumAxis = 3
)

// SensorInfo describes a physical sensor
type SensorInfo struct {
	Name       string
	Type       uint8
	NumAxis    NumAxis
	Interrupt  uint8
	MinSamples uint32
	LocalOnly  bool

	// Raw sensors report scaled int16 triples under RawType
	Raw      bool
	RawType  uint8
	RawScale float32

	// Bias sensors also report calibration events under BiasType
	Bias     bool
	BiasType uint8
}

// Shape returns the record point layout the sensor needs
func (si *SensorInfo) Shape() Shape {
	switch si.NumAxis {
	case NumAxisEmbedded, NumAxisOne:
		return ShapeSingle
	case NumAxisThree:
		if si.Raw {
			return ShapeRawTriple
		}
		return ShapeTriple
	}
	return ShapeNone
}

// ShapesOf returns the ShapeFunc for records produced by the sensors in
// infos. Raw sensors report under their raw type.
func ShapesOf(infos ...SensorInfo) ShapeFunc {
	shapes := make(map[uint8]Shape, len(infos))
	for i := range infos {
		si := &infos[i]
		t := si.Type
		if si.Raw && si.RawType > SensTypeInvalid && si.RawType <= SensTypeLastUser {
			t = si.RawType
		}
		shapes[t] = si.Shape()
	}
	return func(sensType uint8) Shape { return shapes[sensType] }
}

// Registry supplies sensor descriptors and forwards requests to drivers.
// Handles are never zero.
type Registry interface {
	// Find returns the idx'th sensor of sensType
	Find(sensType uint8, idx int) (*SensorInfo, uint32, bool)
	InitComplete(handle uint32) bool
	Request(handle uint32, rate uint32, latency uint64) bool
	RequestRateChange(handle uint32, rate uint32, latency uint64) bool
	Release(handle uint32) bool
	Flush(handle uint32) bool
	Calibrate(handle uint32) bool
	CfgData(handle uint32, data []byte) bool
	CurLatency(handle uint32) uint64
}

// SensorRequest is the active request on a StaticRegistry sensor
type SensorRequest struct {
	Rate    uint32
	Latency uint64
}

type staticSensor struct {
	info         SensorInfo
	handle       uint32
	initComplete bool
	request      *SensorRequest
	calibrations int
	cfgData      [][]byte
	flushes      int
}

// StaticRegistry is an in-memory Registry for simulation and tests
type StaticRegistry struct {
	mu      sync.Mutex
	sensors []*staticSensor
	flush   func(sensType uint8)
}

// NewStaticRegistry registers infos in order. Handles start at 1.
func NewStaticRegistry(infos ...SensorInfo) *StaticRegistry {
	r := &StaticRegistry{}
	for _, info := range infos {
		r.Add(info)
	}
	return r
}

// Add registers a ready sensor and returns its handle
func (r *StaticRegistry) Add(info SensorInfo) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &staticSensor{
		info:         info,
		handle:       uint32(len(r.sensors) + 1),
		initComplete: true,
	}
	r.sensors = append(r.sensors, s)
	return s.handle
}

// SetInitComplete changes the readiness of handle
func (r *StaticRegistry) SetInitComplete(handle uint32, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(handle); s != nil {
		s.initComplete = done
	}
}

// OnFlush installs the callback run when a driver flush is requested
func (r *StaticRegistry) OnFlush(fn func(sensType uint8)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush = fn
}

// Active returns the request on handle, nil when released
func (r *StaticRegistry) Active(handle uint32) *SensorRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(handle); s != nil && s.request != nil {
		req := *s.request
		return &req
	}
	return nil
}

// Calibrations returns how many calibrations handle received
func (r *StaticRegistry) Calibrations(handle uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(handle); s != nil {
		return s.calibrations
	}
	return 0
}

// CfgDataFor returns the configuration blobs sent to handle
func (r *StaticRegistry) CfgDataFor(handle uint32) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(handle); s != nil {
		return append([][]byte(nil), s.cfgData...)
	}
	return nil
}

// Types returns the registered sensor types, sorted
func (r *StaticRegistry) Types() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uint8]bool)
	var types []uint8
	for _, s := range r.sensors {
		if !seen[s.info.Type] {
			seen[s.info.Type] = true
			types = append(types, s.info.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *StaticRegistry) get(handle uint32) *staticSensor {
	if handle == 0 || int(handle) > len(r.sensors) {
		return nil
	}
	return r.sensors[handle-1]
}

func (r *StaticRegistry) Find(sensType uint8, idx int) (*SensorInfo, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sensors {
		if s.info.Type != sensType {
			continue
		}
		if idx == 0 {
			info := s.info
			return &info, s.handle, true
		}
		idx--
	}
	return nil, 0, false
}

func (r *StaticRegistry) InitComplete(handle uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	return s != nil && s.initComplete
}

func (r *StaticRegistry) Request(handle uint32, rate uint32, latency uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	if s == nil || s.request != nil {
		return false
	}
	s.request = &SensorRequest{Rate: rate, Latency: latency}
	return true
}

func (r *StaticRegistry) RequestRateChange(handle uint32, rate uint32, latency uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	if s == nil || s.request == nil {
		return false
	}
	s.request = &SensorRequest{Rate: rate, Latency: latency}
	return true
}

func (r *StaticRegistry) Release(handle uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	if s == nil || s.request == nil {
		return false
	}
	s.request = nil
	return true
}

func (r *StaticRegistry) Flush(handle uint32) bool {
	r.mu.Lock()
	s := r.get(handle)
	fn := r.flush
	if s != nil {
		s.flushes++
	}
	r.mu.Unlock()
	if s == nil {
		return false
	}
	if fn != nil {
		fn(s.info.Type)
	}
	return true
}

func (r *StaticRegistry) Calibrate(handle uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	if s == nil {
		return false
	}
	s.calibrations++
	return true
}

func (r *StaticRegistry) CfgData(handle uint32, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(handle)
	if s == nil {
		return false
	}
	s.cfgData = append(s.cfgData, append([]byte(nil), data...))
	return true
}

func (r *StaticRegistry) CurLatency(handle uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(handle); s != nil && s.request != nil {
		return s.request.Latency
	}
	return 0
}

// SensorEvent is one batch of samples from a driver. ReferenceTime is the
// absolute time of the first sample; later samples carry the gap to their
// predecessor in DeltaTime. Embedded sensors report Value and are stamped
// with the hub clock on arrival. Triple samples are scaled to int16 for
// raw sensors.
type SensorEvent struct {
	SensType      uint8
	Flush         bool
	ReferenceTime uint64
	Value         uint32
	Single        []SingleAxisPoint
	Triple        []TripleAxisPoint

	BiasPresent bool
	BiasCurrent bool
	BiasSample  uint8
}

func (ev *SensorEvent) numSamples() int {
	if len(ev.Triple) > 0 {
		return len(ev.Triple)
	}
	return len(ev.Single)
}

func (ev *SensorEvent) deltaTime(i int) uint32 {
	if len(ev.Triple) > 0 {
		return ev.Triple[i].DeltaTime
	}
	return ev.Single[i].DeltaTime
}

// ActiveSensor is the batching state of one present sensor
type ActiveSensor struct {
	info      SensorInfo
	sensType  uint8
	handle    uint32
	rate      uint32
	latency   uint64
	firstTime uint64
	lastTime  uint64

	curSamples    uint32
	minSamples    uint32
	packetSamples int
	interrupt     uint8
	oneshot       bool
	discard       bool
	raw           bool
	rawScale      float32
	shape         Shape

	open   bool
	buffer *DataBuffer
}

func newActiveSensor(info *SensorInfo) *ActiveSensor {
	s := &ActiveSensor{
		info:      *info,
		sensType:  info.Type,
		interrupt: info.Interrupt,
		shape:     info.Shape(),
		raw:       info.Raw,
		rawScale:  info.RawScale,
	}
	if info.Raw {
		s.sensType = info.RawType
	}
	s.minSamples = info.MinSamples
	if s.minSamples > MaxMinSamples {
		s.minSamples = MaxMinSamples
	}
	s.packetSamples = s.shape.PacketSamples()
	s.resetBuffer()
	return s
}

// resetBuffer starts an empty buffer. The previous one may be queued.
func (s *ActiveSensor) resetBuffer() {
	s.discard = true
	s.open = false
	s.buffer = &DataBuffer{
		SensType: s.sensType,
		DataType: DataTypeSensor,
		Shape:    s.shape,
	}
}

// Enabled reports whether the sensor has an active request
func (s *ActiveSensor) Enabled() bool { return s.handle != 0 }

func (s *ActiveSensor) numSamples() int { return int(s.buffer.First.NumSamples) }

func (s *ActiveSensor) full() bool { return s.numSamples() >= s.packetSamples }

// store appends sample i of ev to the open buffer with the given delta
func (s *ActiveSensor) store(ev *SensorEvent, i int, delta uint32) {
	b := s.buffer
	switch s.shape {
	case ShapeSingle:
		v := ev.Value
		if len(ev.Single) > 0 {
			v = ev.Single[i].Value
		}
		b.Single = append(b.Single, SingleAxisPoint{DeltaTime: delta, Value: v})
	case ShapeTriple:
		p := ev.Triple[i]
		p.DeltaTime = delta
		b.Triple = append(b.Triple, p)
	case ShapeRawTriple:
		p := ev.Triple[i]
		b.RawTriple = append(b.RawTriple, RawTripleAxisPoint{
			DeltaTime: delta,
			X:         floatToInt16(p.X * s.rawScale),
			Y:         floatToInt16(p.Y * s.rawScale),
			Z:         floatToInt16(p.Z * s.rawScale),
		})
	}
	b.First.NumSamples++
	s.curSamples++
}

// mergeBias records a calibration bias at buffer slot pos
func (s *ActiveSensor) mergeBias(ev *SensorEvent, i int, pos int) {
	if !ev.BiasPresent || int(ev.BiasSample) != i {
		return
	}
	s.buffer.First.BiasCurrent = ev.BiasCurrent
	s.buffer.First.BiasPresent = true
	s.buffer.First.BiasSample = uint8(pos)
	s.discard = false
}

func floatToInt16(v float32) int16 {
	switch {
	case v < -32768+0.5:
		return -32768
	case v > 32767-0.5:
		return 32767
	case v >= 0:
		return int16(v + 0.5)
	default:
		return int16(v - 0.5)
	}
}
