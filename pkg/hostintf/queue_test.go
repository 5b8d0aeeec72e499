// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"errors"
	"testing"

	"github.com/contexthub/nanostat/pkg/nanohub"
)

// ============================================================
// Helpers
// ============================================================

const (
	typeAccel  = 1
	typeGyro   = 2
	typeLight  = 4
	typeMag    = 5
	typeMagRaw = 6
)

var (
	accelInfo = SensorInfo{Name: "accel", Type: typeAccel, NumAxis: NumAxisOne, Interrupt: uint8(InterruptWakeup), MinSamples: 30}
	gyroInfo  = SensorInfo{Name: "gyro", Type: typeGyro, NumAxis: NumAxisThree, Interrupt: uint8(InterruptWakeup), MinSamples: 15, Bias: true, BiasType: 3}
	lightInfo = SensorInfo{Name: "light", Type: typeLight, NumAxis: NumAxisOne, Interrupt: uint8(InterruptNonWakeup), MinSamples: 1}
	magInfo   = SensorInfo{Name: "mag", Type: typeMag, NumAxis: NumAxisThree, Interrupt: uint8(InterruptWakeup), Raw: true, RawType: typeMagRaw, RawScale: 100}
)

type testQueue struct {
	*Queue
	reg *StaticRegistry
	irq *nanohub.InterruptSet
	now uint64
}

func newTestQueue(t *testing.T, infos []SensorInfo, opts ...QueueOption) *testQueue {
	t.Helper()
	tq := &testQueue{
		reg: NewStaticRegistry(infos...),
		irq: nanohub.NewInterruptSet(nil),
		now: 1,
	}
	opts = append([]QueueOption{WithQueueClock(func() uint64 { return tq.now })}, opts...)
	tq.Queue = NewQueue(tq.reg, tq.irq, opts...)
	if err := tq.InitSensors(); err != nil {
		t.Fatalf("InitSensors: %v", err)
	}
	return tq
}

func (tq *testQueue) enable(t *testing.T, sensType uint8, rate uint32, latency uint64) {
	t.Helper()
	err := tq.Configure(&ConfigCmd{SensType: sensType, Cmd: ConfigCmdEnable, Rate: rate, Latency: latency})
	if err != nil {
		t.Fatalf("enable %d: %v", sensType, err)
	}
}

func singleEvent(sensType uint8, ref uint64, values ...uint32) *SensorEvent {
	ev := &SensorEvent{SensType: sensType, ReferenceTime: ref}
	for i, v := range values {
		p := SingleAxisPoint{Value: v}
		if i > 0 {
			p.DeltaTime = 1000
		}
		ev.Single = append(ev.Single, p)
	}
	return ev
}

func (tq *testQueue) checkBudget(t *testing.T) {
	t.Helper()
	w, nw := tq.Blocks()
	if w < 0 || nw < 0 || w+nw > tq.TotalBlocks() {
		t.Fatalf("block counters wakeup=%d nonWakeup=%d outside budget %d", w, nw, tq.TotalBlocks())
	}
}

// ============================================================
// Init Tests
// ============================================================

func TestInitSensors_Budget(t *testing.T) {
	tests := []struct {
		name  string
		infos []SensorInfo
		want  int
	}{
		{"no sensors clamps to minimum", nil, MinNumBlocks},
		{"small sensors clamp to minimum", []SensorInfo{accelInfo, lightInfo}, MinNumBlocks},
		{
			"sum of per-sensor blocks",
			[]SensorInfo{
				{Name: "a", Type: 1, NumAxis: NumAxisOne, MinSamples: 300},
				{Name: "b", Type: 2, NumAxis: NumAxisThree, MinSamples: 151},
			},
			10 + 11,
		},
		{
			"largest sensor of a type wins",
			[]SensorInfo{
				{Name: "a0", Type: 1, NumAxis: NumAxisOne, MinSamples: 30},
				{Name: "a1", Type: 1, NumAxis: NumAxisOne, MinSamples: 601},
			},
			21,
		},
		{
			"minSamples capped",
			[]SensorInfo{{Name: "a", Type: 1, NumAxis: NumAxisThree, MinSamples: 100000}},
			MaxMinSamples / 15,
		},
		{
			"clamps to maximum",
			[]SensorInfo{
				{Name: "a", Type: 1, NumAxis: NumAxisOne, MinSamples: 3000},
				{Name: "b", Type: 2, NumAxis: NumAxisThree, MinSamples: 3000},
			},
			MaxNumBlocks,
		},
		{
			"local only ignored",
			[]SensorInfo{{Name: "a", Type: 1, NumAxis: NumAxisOne, MinSamples: 3000, LocalOnly: true}},
			MinNumBlocks,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tq := newTestQueue(t, tt.infos)
			if got := tq.TotalBlocks(); got != tt.want {
				t.Errorf("TotalBlocks = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInitSensors_MixedAxisTypeExcluded(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{
		{Name: "a0", Type: 1, NumAxis: NumAxisOne, MinSamples: 30},
		{Name: "a1", Type: 1, NumAxis: NumAxisThree, MinSamples: 30},
		lightInfo,
	})
	if tq.Sensor(1) != nil {
		t.Error("type with mixed axis counts was registered")
	}
	if tq.Sensor(typeLight) == nil {
		t.Error("light sensor missing")
	}
}

func TestInitSensors_RetriesThenSkips(t *testing.T) {
	reg := NewStaticRegistry(accelInfo)
	slow := reg.Add(lightInfo)
	reg.SetInitComplete(slow, false)
	q := NewQueue(reg, nil)

	for i := 0; i < initRetries; i++ {
		if err := q.InitSensors(); !errors.Is(err, ErrSensorsNotReady) {
			t.Fatalf("attempt %d: err = %v, want ErrSensorsNotReady", i, err)
		}
	}
	if err := q.InitSensors(); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if q.Sensor(typeAccel) == nil || q.Sensor(typeLight) != nil {
		t.Error("expected accel present and light skipped")
	}
}

func TestInitSensors_RawAndBiasAliases(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{gyroInfo, magInfo})
	if tq.Sensor(3) != tq.Sensor(typeGyro) {
		t.Error("bias type does not map to gyro")
	}
	if tq.Sensor(typeMagRaw) != tq.Sensor(typeMag) {
		t.Error("raw type does not map to mag")
	}
}

// ============================================================
// Budget / Discard Tests
// ============================================================

func TestQueue_FullBudgetTriggersDiscard(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)
	total := tq.TotalBlocks()
	perBlock := ShapeSingle.PacketSamples()

	for k := 0; k < total*perBlock; k++ {
		tq.HandleSample(singleEvent(typeAccel, uint64(k+1)*1000, uint32(k)))
		tq.checkBudget(t)
	}
	if w, _ := tq.Blocks(); w != total {
		t.Fatalf("wakeup blocks = %d, want %d", w, total)
	}
	if tq.Stats().Discarded != 0 {
		t.Fatalf("discarded %d records before the budget was reached", tq.Stats().Discarded)
	}
	if !tq.irq.Get(InterruptWakeup) {
		t.Error("full budget did not raise the wakeup interrupt")
	}

	tq.HandleSample(singleEvent(typeAccel, uint64(total*perBlock+1)*1000, 0))
	tq.checkBudget(t)
	if tq.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", tq.Stats().Discarded)
	}
	if w, _ := tq.Blocks(); w != total {
		t.Errorf("wakeup blocks = %d, want %d", w, total)
	}
	if tq.Len() != total-1 {
		t.Errorf("queued records = %d, want %d", tq.Len(), total-1)
	}
}

func TestQueue_RefusingPolicyDropsNewest(t *testing.T) {
	calls := 0
	tq := newTestQueue(t, []SensorInfo{accelInfo}, WithDiscardPolicy(func(rec *DataBuffer, st SensorState, onDelete bool) bool {
		calls++
		return onDelete
	}))
	tq.enable(t, typeAccel, 100, 1<<62)
	total := tq.TotalBlocks()
	n := total*ShapeSingle.PacketSamples() + 1

	for k := 0; k < n; k++ {
		tq.HandleSample(singleEvent(typeAccel, uint64(k+1)*1000, uint32(k)))
		tq.checkBudget(t)
	}
	if calls == 0 {
		t.Error("discard policy never consulted")
	}
	st := tq.Stats()
	if st.Discarded != 0 || st.Dropped != 1 {
		t.Errorf("Discarded=%d Dropped=%d, want 0 and 1", st.Discarded, st.Dropped)
	}
	if tq.Len() != total {
		t.Errorf("queued records = %d, want %d", tq.Len(), total)
	}

	tq.Close()
	if w, nw := tq.Blocks(); w != 0 || nw != 0 || tq.Len() != 0 {
		t.Errorf("after Close: blocks %d/%d, %d queued", w, nw, tq.Len())
	}
}

func TestDefaultDiscardPolicy(t *testing.T) {
	tests := []struct {
		name     string
		samples  uint8
		st       SensorState
		onDelete bool
		want     bool
	}{
		{"enough left", 30, SensorState{CurSamples: 120, MinSamples: 60}, false, true},
		{"exactly minimum left", 30, SensorState{CurSamples: 90, MinSamples: 60}, false, true},
		{"would starve", 30, SensorState{CurSamples: 80, MinSamples: 60}, false, false},
		{"more than buffered", 30, SensorState{CurSamples: 10, MinSamples: 0}, false, false},
		{"shutdown", 30, SensorState{CurSamples: 30, MinSamples: 60}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &DataBuffer{First: FirstSample{NumSamples: tt.samples}}
			if got := DefaultDiscardPolicy(rec, tt.st, tt.onDelete); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// Packing Tests
// ============================================================

func TestQueue_PacksDeltas(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)

	tq.HandleSample(singleEvent(typeAccel, 5000, 1, 2, 3))
	tq.HandleSample(singleEvent(typeAccel, 9000, 4))

	rec, ok := tq.Dequeue()
	if !ok {
		t.Fatal("no partial buffer returned")
	}
	if rec.ReferenceTime != 5000 || rec.First.NumSamples != 4 {
		t.Fatalf("record ref=%d samples=%d", rec.ReferenceTime, rec.First.NumSamples)
	}
	wantDeltas := []uint32{0, 1001, 1001, EncodeDeltaTime(2000)}
	for i, p := range rec.Single {
		if p.DeltaTime != wantDeltas[i] || p.Value != uint32(i+1) {
			t.Errorf("point %d = %+v", i, p)
		}
	}
	// each fine delta carries its marker bit, one nanosecond per sample
	if got := rec.SampleTimes(); got[3] != 9003 {
		t.Errorf("last sample time = %d, want 9003", got[3])
	}
}

func TestQueue_EarlyFlush(t *testing.T) {
	tests := []struct {
		name string
		next uint64
	}{
		{"backwards time", 4000},
		{"gap beyond delta range", 5000 + DeltaTimeMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tq := newTestQueue(t, []SensorInfo{accelInfo})
			tq.enable(t, typeAccel, 100, 1<<62)
			tq.HandleSample(singleEvent(typeAccel, 5000, 1))
			tq.HandleSample(singleEvent(typeAccel, tt.next, 2))

			if tq.Len() != 1 {
				t.Fatalf("queued = %d, want the first buffer flushed", tq.Len())
			}
			first, _ := tq.Dequeue()
			second, _ := tq.Dequeue()
			if first.ReferenceTime != 5000 || second.ReferenceTime != tt.next {
				t.Errorf("reference times %d, %d", first.ReferenceTime, second.ReferenceTime)
			}
		})
	}
}

func TestQueue_RawScaling(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{magInfo})
	tq.enable(t, typeMag, 50, 1<<62)
	tq.HandleSample(&SensorEvent{
		SensType:      typeMag,
		ReferenceTime: 10,
		Triple:        []TripleAxisPoint{{X: 1.5, Y: -0.004, Z: 400}, {DeltaTime: 10, X: -400, Y: -1.006, Z: 0}},
	})

	rec, ok := tq.Dequeue()
	if !ok {
		t.Fatal("no record")
	}
	if rec.SensType != typeMagRaw || rec.Shape != ShapeRawTriple {
		t.Fatalf("record type %d shape %d", rec.SensType, rec.Shape)
	}
	want := []RawTripleAxisPoint{
		{X: 150, Y: 0, Z: 32767},
		{DeltaTime: 11, X: -32768, Y: -101, Z: 0},
	}
	for i, p := range rec.RawTriple {
		if p != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestQueue_BiasMergedIntoHeader(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{gyroInfo})
	ev := &SensorEvent{
		SensType:      typeGyro,
		ReferenceTime: 100,
		Triple:        []TripleAxisPoint{{X: 1}, {DeltaTime: 5, X: 2}, {DeltaTime: 5, X: 3}},
		BiasPresent:   true,
		BiasCurrent:   true,
		BiasSample:    1,
	}

	// bias arrives while the host has not enabled the sensor
	tq.HandleSample(ev)
	rec, ok := tq.Dequeue()
	if !ok {
		t.Fatal("bias data was not kept for a disabled sensor")
	}
	if !rec.First.BiasPresent || !rec.First.BiasCurrent || rec.First.BiasSample != 1 {
		t.Errorf("bias header = %+v", rec.First)
	}

	// a disabled sensor without bias is ignored
	tq.HandleSample(&SensorEvent{SensType: typeGyro, ReferenceTime: 200, Triple: []TripleAxisPoint{{X: 1}}})
	if _, ok := tq.Dequeue(); ok {
		t.Error("sample of a disabled sensor was queued")
	}
}

// ============================================================
// Flush Tests
// ============================================================

func TestQueue_FlushCoalesces(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)

	tq.HandleSample(&SensorEvent{SensType: typeAccel, Flush: true})
	tq.HandleSample(&SensorEvent{SensType: typeAccel, Flush: true})
	if !tq.irq.Get(InterruptWakeup) {
		t.Error("flush did not raise the sensor interrupt")
	}

	rec, ok := tq.Dequeue()
	if !ok {
		t.Fatal("no flush record")
	}
	if rec.First.NumFlushes != 2 || rec.First.NumSamples != 0 || rec.Length() != referenceTimeSize+firstSampleSize {
		t.Errorf("flush record = %+v length %d", rec.First, rec.Length())
	}
	tq.checkBudget(t)
	if w, _ := tq.Blocks(); w != 0 {
		t.Errorf("blocks after dequeue = %d", w)
	}
}

func TestQueue_PendingFlushQueuedBeforeSamples(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)

	tq.HandleSample(singleEvent(typeAccel, 100, 1))
	tq.HandleSample(&SensorEvent{SensType: typeAccel, Flush: true})
	tq.HandleSample(singleEvent(typeAccel, 200, 2))

	first, _ := tq.Dequeue()
	if first.First.NumFlushes != 1 || first.First.NumSamples != 1 {
		t.Errorf("first record = %+v, want the sample with its flush", first.First)
	}
	second, _ := tq.Dequeue()
	if second.First.NumFlushes != 0 || second.ReferenceTime != 200 {
		t.Errorf("second record = %+v ref %d", second.First, second.ReferenceTime)
	}
}

func TestQueue_FlushUnknownSensorFakes(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	if err := tq.Configure(&ConfigCmd{SensType: 40, Cmd: ConfigCmdFlush}); err != nil {
		t.Fatal(err)
	}
	rec, ok := tq.Dequeue()
	if !ok {
		t.Fatal("no fake flush")
	}
	if rec.SensType != 40 || rec.First.NumFlushes != 1 || rec.Interrupt != uint8(InterruptWakeup) {
		t.Errorf("fake flush = %+v", rec)
	}
	tq.checkBudget(t)
}

func TestQueue_FlushEnabledSensorGoesToDriver(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	flushed := 0
	tq.reg.OnFlush(func(uint8) { flushed++ })
	tq.enable(t, typeAccel, 100, 0)

	tq.Configure(&ConfigCmd{SensType: typeAccel, Cmd: ConfigCmdFlush})
	if flushed != 1 || tq.Len() != 0 {
		t.Errorf("driver flushes = %d, queued = %d", flushed, tq.Len())
	}
}

// ============================================================
// Config / Dequeue Tests
// ============================================================

func TestQueue_DisableFlushesThenSkipsStale(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)
	_, handle, _ := tq.reg.Find(typeAccel, 0)

	for k := 0; k < ShapeSingle.PacketSamples()+1; k++ {
		tq.HandleSample(singleEvent(typeAccel, uint64(k+1)*10, 7))
	}
	tq.Configure(&ConfigCmd{SensType: typeAccel, Cmd: ConfigCmdDisable})

	if tq.reg.Active(handle) != nil {
		t.Error("disable did not release the sensor")
	}
	if tq.Len() != 2 {
		t.Fatalf("queued = %d, want 2 after disable flush", tq.Len())
	}
	if _, ok := tq.Dequeue(); ok {
		t.Error("stale records were returned")
	}
	if tq.Stats().Stale != 2 {
		t.Errorf("Stale = %d, want 2", tq.Stats().Stale)
	}
	if w, _ := tq.Blocks(); w != 0 {
		t.Errorf("blocks = %d after stale skip", w)
	}
}

func TestQueue_PartialBuffersRoundRobin(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo, lightInfo})
	tq.enable(t, typeAccel, 100, 1<<62)
	tq.enable(t, typeLight, 100, 1<<62)

	tq.HandleSample(singleEvent(typeAccel, 10, 1))
	tq.HandleSample(singleEvent(typeLight, 10, 1))
	if w, nw := tq.Blocks(); w != 1 || nw != 1 {
		t.Fatalf("blocks = %d/%d, want 1/1", w, nw)
	}

	var order []uint8
	for rec, ok := tq.Dequeue(); ok; rec, ok = tq.Dequeue() {
		order = append(order, rec.SensType)
	}
	if len(order) != 2 || order[0] != typeAccel || order[1] != typeLight {
		t.Errorf("drain order = %v", order)
	}
	if w, nw := tq.Blocks(); w != 0 || nw != 0 {
		t.Errorf("blocks after drain = %d/%d", w, nw)
	}
}

func TestQueue_Oneshot(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{lightInfo})
	tq.enable(t, typeLight, SensorRateOneshot, 0)
	_, handle, _ := tq.reg.Find(typeLight, 0)
	tq.now = 100

	if req := tq.reg.Active(handle); req == nil || req.Rate != SensorRateOnchange {
		t.Fatalf("oneshot request = %+v, want on-change", req)
	}
	tq.HandleSample(singleEvent(typeLight, 10, 1))
	if tq.reg.Active(handle) != nil || tq.Sensor(typeLight).Enabled() {
		t.Error("oneshot sensor still enabled after its sample")
	}
	if !tq.irq.Get(InterruptNonWakeup) {
		t.Error("zero latency sample did not raise its interrupt")
	}
}

func TestQueue_RateChangeAndCalibrate(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	h2 := tq.reg.Add(SensorInfo{Name: "accel2", Type: typeAccel, NumAxis: NumAxisOne})
	_, h1, _ := tq.reg.Find(typeAccel, 0)

	tq.Configure(&ConfigCmd{SensType: typeAccel, Cmd: ConfigCmdCalibrate})
	tq.Configure(&ConfigCmd{SensType: typeAccel, Cmd: ConfigCmdCfgData, Data: []byte{1, 2}})
	if tq.reg.Calibrations(h1) != 1 || tq.reg.Calibrations(h2) != 1 {
		t.Error("calibrate did not reach every sensor of the type")
	}
	if len(tq.reg.CfgDataFor(h2)) != 1 {
		t.Error("cfg data did not reach every sensor of the type")
	}

	tq.enable(t, typeAccel, 100, 0)
	tq.enable(t, typeAccel, 200, 5000)
	if req := tq.reg.Active(h1); req == nil || req.Rate != 200 || req.Latency != 5000 {
		t.Errorf("rate change = %+v", req)
	}
}

func TestQueue_CheckLatency(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.now = 100
	tq.enable(t, typeAccel, 100, 1000)
	if !tq.LatencyActive() {
		t.Fatal("latency checks not active")
	}

	tq.HandleSample(singleEvent(typeAccel, 100, 1))
	if tq.irq.Get(InterruptWakeup) {
		t.Fatal("interrupt raised before latency expired")
	}
	tq.CheckLatency(500)
	if tq.irq.Get(InterruptWakeup) {
		t.Fatal("interrupt raised early by CheckLatency")
	}
	tq.CheckLatency(1100)
	if !tq.irq.Get(InterruptWakeup) {
		t.Error("expired latency did not raise the interrupt")
	}

	tq.Configure(&ConfigCmd{SensType: typeAccel, Cmd: ConfigCmdDisable})
	if tq.LatencyActive() {
		t.Error("latency checks still active after disable")
	}
}

// ============================================================
// Fill Tests
// ============================================================

func TestQueue_FillSeparatesControlRecords(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo})
	tq.enable(t, typeAccel, 100, 1<<62)
	tq.TimeSync().AddDelta(1_000_000_500, 500)

	if err := tq.EnqueueAppToHost(0x1234, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	tq.HandleSample(singleEvent(typeAccel, 1000, 1, 2))

	first := tq.Fill(readEventMax)
	rec, n, err := DecodeRecord(first, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(first) || rec.DataType != DataTypeAppToHost || len(rec.Payload) != 11 {
		t.Fatalf("first read = %+v (%d of %d bytes)", rec, n, len(first))
	}
	if w, _ := tq.Pending(); w != 1 {
		t.Errorf("pending wakeup = %d, want the carried sensor record", w)
	}

	second := tq.Fill(readEventMax)
	rec, _, err = DecodeRecord(second, func(uint8) Shape { return ShapeSingle })
	if err != nil {
		t.Fatal(err)
	}
	if rec.SensType != typeAccel || rec.First.NumSamples != 2 {
		t.Fatalf("second read = %+v", rec)
	}
	if rec.ReferenceTime != 1000+1_000_000_000 {
		t.Errorf("reference time = %d, want AP time base applied", rec.ReferenceTime)
	}
	if w, nw := tq.Pending(); w != 0 || nw != 0 {
		t.Errorf("pending after reads = %d/%d", w, nw)
	}
	if len(tq.Fill(readEventMax)) != 0 {
		t.Error("empty queue produced data")
	}
}

func TestQueue_FillPacksSensorRecords(t *testing.T) {
	tq := newTestQueue(t, []SensorInfo{accelInfo, lightInfo})
	tq.enable(t, typeAccel, 100, 1<<62)
	tq.enable(t, typeLight, 100, 1<<62)
	tq.HandleSample(singleEvent(typeAccel, 10, 1))
	tq.HandleSample(singleEvent(typeLight, 10, 1))

	out := tq.Fill(readEventMax)
	single := func(uint8) Shape { return ShapeSingle }
	a, n, err := DecodeRecord(out, single)
	if err != nil {
		t.Fatal(err)
	}
	b, m, err := DecodeRecord(out[n:], single)
	if err != nil {
		t.Fatal(err)
	}
	if n+m != len(out) || a.SensType != typeAccel || b.SensType != typeLight {
		t.Errorf("packed %d+%d of %d bytes: types %d, %d", n, m, len(out), a.SensType, b.SensType)
	}
	if a.Interrupt != uint8(InterruptWakeup) {
		t.Errorf("first record interrupt = %d, want wakeup", a.Interrupt)
	}
}

func TestQueue_EnqueueAppToHostTooLarge(t *testing.T) {
	tq := newTestQueue(t, nil)
	err := tq.EnqueueAppToHost(1, make([]byte, HostHubRawPacketMaxLen+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

// ============================================================
// Time Sync Tests
// ============================================================

func TestTimeSync_AverageAndReset(t *testing.T) {
	var ts TimeSync
	if ts.AvgDelta() != 0 {
		t.Fatal("empty sync has a delta")
	}
	ts.AddDelta(1000, 100)
	ts.AddDelta(2000, 1090)
	ts.AddDelta(3000, 2080)
	// deltas 900, 910, 920
	if got := ts.AvgDelta(); got != 910 {
		t.Errorf("AvgDelta = %d, want 910", got)
	}

	ts.AddDelta(3000+syncReset+1, 1)
	if got := ts.AvgDelta(); got != 3000+syncReset {
		t.Errorf("AvgDelta after reset = %d", got)
	}
}
