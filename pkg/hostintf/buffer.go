// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import (
	"errors"
	"fmt"
	"math"

	"github.com/contexthub/nanostat/pkg/msgbuf"
)

// ErrShortRecord is returned when a record is cut off
var ErrShortRecord = errors.New("record truncated")

// DataType tags the contents of a DataBuffer
type DataType uint8

const (
	DataTypeLog DataType = iota
	DataTypeSensor
	DataTypeAppToHost
	DataTypeResetReason
)

// Shape is the point layout of a sensor record
type Shape uint8

const (
	ShapeNone Shape = iota
	ShapeSingle
	ShapeTriple
	ShapeRawTriple
)

// Point sizes on the wire, delta time included
const (
	singlePointSize    = 8
	triplePointSize    = 16
	rawTriplePointSize = 10
	firstSampleSize    = 4
	referenceTimeSize  = 8
)

// PointSize returns the encoded size of one point of shape s
func (s Shape) PointSize() int {
	switch s {
	case ShapeSingle:
		return singlePointSize
	case ShapeTriple:
		return triplePointSize
	case ShapeRawTriple:
		return rawTriplePointSize
	}
	return 0
}

// PacketSamples returns how many points of shape s fit in one record
func (s Shape) PacketSamples() int {
	if n := s.PointSize(); n > 0 {
		return SensorDataMax / n
	}
	return 0
}

// FirstSample overlays the delta time slot of the first point
type FirstSample struct {
	NumSamples  uint8
	NumFlushes  uint8
	BiasCurrent bool
	BiasPresent bool
	BiasSample  uint8
	Interrupt   uint8
}

func (f FirstSample) encode(m *msgbuf.MessageBuf) {
	m.WriteU8(f.NumSamples)
	m.WriteU8(f.NumFlushes)
	var bits uint8
	if f.BiasCurrent {
		bits |= 1
	}
	if f.BiasPresent {
		bits |= 2
	}
	bits |= (f.BiasSample & 0x3F) << 2
	m.WriteU8(bits)
	m.WriteU8(f.Interrupt)
}

func decodeFirstSample(m *msgbuf.MessageBuf) FirstSample {
	f := FirstSample{NumSamples: m.ReadU8(), NumFlushes: m.ReadU8()}
	bits := m.ReadU8()
	f.BiasCurrent = bits&1 != 0
	f.BiasPresent = bits&2 != 0
	f.BiasSample = bits >> 2
	f.Interrupt = m.ReadU8()
	return f
}

// SingleAxisPoint carries an integer or float32 bit pattern
type SingleAxisPoint struct {
	DeltaTime uint32
	Value     uint32
}

// Float returns the value as float32
func (p SingleAxisPoint) Float() float32 {
	return math.Float32frombits(p.Value)
}

type TripleAxisPoint struct {
	DeltaTime uint32
	X, Y, Z   float32
}

type RawTripleAxisPoint struct {
	DeltaTime uint32
	X, Y, Z   int16
}

// DataBuffer is one record on its way to the host. Sensor records carry a
// reference time and one point array selected by Shape; the first point's
// delta time slot holds First on the wire. Other records carry Payload.
type DataBuffer struct {
	SensType      uint8
	DataType      DataType
	Interrupt     uint8
	ReferenceTime uint64
	First         FirstSample
	Shape         Shape
	Single        []SingleAxisPoint
	Triple        []TripleAxisPoint
	RawTriple     []RawTripleAxisPoint

	Payload []byte
}

// IsSensor reports whether the record carries sensor data
func (b *DataBuffer) IsSensor() bool {
	return b.SensType != SensTypeInvalid && b.DataType == DataTypeSensor
}

// Empty reports whether a sensor buffer holds neither samples nor flushes
func (b *DataBuffer) Empty() bool {
	return b.First.NumSamples == 0 && b.First.NumFlushes == 0
}

// EvtType returns the event type the record is sent under
func (b *DataBuffer) EvtType() uint32 {
	switch b.DataType {
	case DataTypeSensor:
		return SensorEventType(b.SensType)
	case DataTypeAppToHost:
		return EvtAppToHost
	case DataTypeResetReason:
		return EvtResetReason
	default:
		return EvtDebugLog
	}
}

// Length returns the body length, without the event type word
func (b *DataBuffer) Length() int {
	if !b.IsSensor() {
		return len(b.Payload)
	}
	if b.First.NumSamples == 0 {
		return referenceTimeSize + firstSampleSize
	}
	return referenceTimeSize + int(b.First.NumSamples)*b.Shape.PointSize()
}

// EncodedLen returns the record size on the wire
func (b *DataBuffer) EncodedLen() int {
	return 4 + b.Length()
}

// Encode returns the record as sent to the host: event type then body
func (b *DataBuffer) Encode() []byte {
	m := msgbuf.NewSize(b.EncodedLen())
	m.WriteU32(b.EvtType())
	if !b.IsSensor() {
		m.WriteRaw(b.Payload)
		return m.Bytes()
	}

	m.WriteU64(b.ReferenceTime)
	first := b.First
	first.Interrupt = b.Interrupt
	if first.NumSamples == 0 {
		first.encode(m)
		return m.Bytes()
	}

	for i := 0; i < int(b.First.NumSamples); i++ {
		switch b.Shape {
		case ShapeSingle:
			p := b.Single[i]
			writeDelta(m, i, first, p.DeltaTime)
			m.WriteU32(p.Value)
		case ShapeTriple:
			p := b.Triple[i]
			writeDelta(m, i, first, p.DeltaTime)
			m.WriteU32(math.Float32bits(p.X))
			m.WriteU32(math.Float32bits(p.Y))
			m.WriteU32(math.Float32bits(p.Z))
		case ShapeRawTriple:
			p := b.RawTriple[i]
			writeDelta(m, i, first, p.DeltaTime)
			m.WriteU16(uint16(p.X))
			m.WriteU16(uint16(p.Y))
			m.WriteU16(uint16(p.Z))
		}
	}
	return m.Bytes()
}

func writeDelta(m *msgbuf.MessageBuf, i int, first FirstSample, delta uint32) {
	if i == 0 {
		first.encode(m)
		return
	}
	m.WriteU32(delta)
}

// ShapeFunc tells a decoder which point layout a sensor type uses
type ShapeFunc func(sensType uint8) Shape

// DecodeRecord decodes the record at the start of data and returns it with
// the number of bytes consumed. Sensor records need shapeOf to size their
// points; non-sensor records must fill the rest of data.
func DecodeRecord(data []byte, shapeOf ShapeFunc) (*DataBuffer, int, error) {
	m := msgbuf.NewReader(data)
	if m.Room() < 4 {
		return nil, 0, ErrShortRecord
	}
	evt := m.ReadU32()

	b := &DataBuffer{SensType: SensTypeInvalid}
	switch {
	case evt == EvtAppToHost:
		b.DataType = DataTypeAppToHost
	case evt == EvtResetReason:
		b.DataType = DataTypeResetReason
	case evt > EvtNoFirstSensorEvent && evt < EvtNoFirstSensorEvent+SensTypeMax:
		b.DataType = DataTypeSensor
		b.SensType = uint8(evt - EvtNoFirstSensorEvent)
	default:
		b.DataType = DataTypeLog
	}

	if !b.IsSensor() {
		b.Payload = append([]byte(nil), m.Remaining()...)
		return b, len(data), nil
	}

	if shapeOf == nil {
		return nil, 0, fmt.Errorf("no point layout for sensor type %d", b.SensType)
	}
	b.Shape = shapeOf(b.SensType)
	if b.Shape == ShapeNone {
		return nil, 0, fmt.Errorf("no point layout for sensor type %d", b.SensType)
	}
	if m.Room() < referenceTimeSize+firstSampleSize {
		return nil, 0, ErrShortRecord
	}
	b.ReferenceTime = m.ReadU64()
	b.First = decodeFirstSample(m)
	b.Interrupt = b.First.Interrupt

	n := int(b.First.NumSamples)
	if n == 0 {
		return b, m.Pos(), nil
	}
	if m.Room() < n*b.Shape.PointSize()-firstSampleSize {
		return nil, 0, ErrShortRecord
	}
	for i := 0; i < n; i++ {
		var delta uint32
		if i > 0 {
			delta = m.ReadU32()
		}
		switch b.Shape {
		case ShapeSingle:
			b.Single = append(b.Single, SingleAxisPoint{DeltaTime: delta, Value: m.ReadU32()})
		case ShapeTriple:
			p := TripleAxisPoint{DeltaTime: delta}
			p.X = math.Float32frombits(m.ReadU32())
			p.Y = math.Float32frombits(m.ReadU32())
			p.Z = math.Float32frombits(m.ReadU32())
			b.Triple = append(b.Triple, p)
		case ShapeRawTriple:
			p := RawTripleAxisPoint{DeltaTime: delta}
			p.X = int16(m.ReadU16())
			p.Y = int16(m.ReadU16())
			p.Z = int16(m.ReadU16())
			b.RawTriple = append(b.RawTriple, p)
		}
	}
	return b, m.Pos(), nil
}

// SampleTimes expands the delta-encoded points of a sensor record into
// absolute timestamps
func (b *DataBuffer) SampleTimes() []uint64 {
	n := int(b.First.NumSamples)
	times := make([]uint64, n)
	t := b.ReferenceTime
	for i := 0; i < n; i++ {
		if i > 0 {
			var d uint32
			switch b.Shape {
			case ShapeSingle:
				d = b.Single[i].DeltaTime
			case ShapeTriple:
				d = b.Triple[i].DeltaTime
			case ShapeRawTriple:
				d = b.RawTriple[i].DeltaTime
			}
			t += DecodeDeltaTime(d)
		}
		times[i] = t
	}
	return times
}

// EncodeDeltaTime packs a sample gap into 32 bits. Gaps that fit are kept
// exact with bit 0 set; larger gaps are rounded to 512 ns units with bit 0
// clear. Gaps at or above DeltaTimeMax do not fit at all.
func EncodeDeltaTime(t uint64) uint32 {
	if t <= math.MaxUint32 {
		return uint32(t) | deltaTimeFineMask
	}
	return uint32((t+deltaTimeRounding)>>deltaTimeShift) & deltaTimeCoarseMask
}

// DecodeDeltaTime reverses EncodeDeltaTime
func DecodeDeltaTime(d uint32) uint64 {
	if d&deltaTimeFineMask != 0 {
		return uint64(d)
	}
	return uint64(d) << deltaTimeShift
}
