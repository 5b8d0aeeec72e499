// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// fixedClock returns a clock that advances one millisecond per call
func fixedClock() func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

// ============================================================================
// Writer / Reader
// ============================================================================

func TestWriter_RecordAndRead(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, WithNow(fixedClock()))

	frames := []struct {
		dir  Direction
		data []byte
	}{
		{DirTx, []byte{0x3E, 0x01}},
		{DirRx, []byte{0x3E, 0x02, 0x03}},
		{DirRx, nil},
		{DirTx, []byte{0xFF}},
	}
	for _, f := range frames {
		if err := w.Record(f.dir, f.data); err != nil {
			t.Fatal(err)
		}
	}
	if w.Count() != 3 {
		t.Errorf("Count = %d, want 3", w.Count())
	}

	got, err := NewReader(&out).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d frames, want 3", len(got))
	}
	want := []Frame{
		{Dir: DirTx, Data: []byte{0x3E, 0x01}},
		{Dir: DirRx, Data: []byte{0x3E, 0x02, 0x03}},
		{Dir: DirTx, Data: []byte{0xFF}},
	}
	for i, f := range got {
		if f.Dir != want[i].Dir || !bytes.Equal(f.Data, want[i].Data) {
			t.Errorf("frame %d = %+v, want %+v", i, f, want[i])
		}
		if i > 0 && !f.Timestamp().After(got[i-1].Timestamp()) {
			t.Errorf("frame %d timestamp not increasing", i)
		}
	}
}

func TestWriter_CopiesData(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	data := []byte{1, 2, 3}
	if err := w.Record(DirRx, data); err != nil {
		t.Fatal(err)
	}
	data[0] = 9

	f, err := NewReader(&out).Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Data[0] != 1 {
		t.Errorf("recorded data changed: %v", f.Data)
	}
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		eof   bool
	}{
		{"empty stream", nil, true},
		{"truncated map", []byte{0xA3, 0x01}, false},
		{"wrong type", []byte{0x63, 'a', 'b', 'c'}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.input)).Next()
			if tt.eof != errors.Is(err, io.EOF) {
				t.Errorf("err = %v, want EOF %v", err, tt.eof)
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

// ============================================================================
// Tap / Player
// ============================================================================

type rwBuffer struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (b *rwBuffer) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }

func TestTap_RecordsBothDirections(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	dev := &rwBuffer{in: bytes.NewReader([]byte("device bytes"))}
	tap := NewTap(dev, w)

	if _, err := tap.Write([]byte("host")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(tap, buf); err != nil {
		t.Fatal(err)
	}
	if dev.out.String() != "host" {
		t.Errorf("device got %q", dev.out.String())
	}

	frames, err := NewReader(bytes.NewReader(out.Bytes())).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0].Dir != DirTx || frames[1].Dir != DirRx {
		t.Fatalf("frames = %+v", frames)
	}
	if string(frames[1].Data) != "device" {
		t.Errorf("rx frame = %q", frames[1].Data)
	}
}

func TestPlayer_FiltersDirection(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	w.Record(DirRx, []byte("ab"))
	w.Record(DirTx, []byte("xx"))
	w.Record(DirRx, []byte("cd"))

	got, err := io.ReadAll(NewPlayer(NewReader(&out), DirRx))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcd" {
		t.Errorf("replayed %q, want abcd", got)
	}
}

func TestDirection_String(t *testing.T) {
	if DirRx.String() != "rx" || DirTx.String() != "tx" || Direction(7).String() != "dir(7)" {
		t.Error("unexpected direction names")
	}
}
