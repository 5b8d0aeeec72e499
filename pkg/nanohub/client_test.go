// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// startPipeDevice runs a Link on one end of an in-memory pipe and returns a
// Client on the other end
func startPipeDevice(t *testing.T, link func(*Link), commands ...Command) (*Client, *InterruptSet) {
	t.Helper()
	hostEnd, devEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	sched := NewScheduler(0)
	irq := NewInterruptSet(nil)
	l := NewLink(NewStreamTransport(devEnd), NewCommandTable(commands...), sched, WithInterrupts(irq))
	if link != nil {
		link(l)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	go sched.Run(ctx)

	client := NewClient(hostEnd, WithTimeout(200*time.Millisecond), WithRetries(2), WithBusyBackoff(time.Millisecond))
	t.Cleanup(func() {
		cancel()
		l.Stop()
		client.Close()
	})
	return client, irq
}

func TestClient_FastCommand(t *testing.T) {
	client, _ := startPipeDevice(t, nil, Command{
		Reason: ReasonGetOsHwVersions,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			return uint32(copy(tx, []byte{0x01, 0x00, 0x02, 0x00}))
		},
	})

	resp, err := client.Transact(context.Background(), ReasonGetOsHwVersions, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp.Payload(), []byte{0x01, 0x00, 0x02, 0x00}) {
		t.Errorf("unexpected payload % X", resp.Payload())
	}
}

func TestClient_DeferredCommandRecordsInterrupts(t *testing.T) {
	client, irq := startPipeDevice(t, nil, Command{
		Reason:     ReasonWriteEvent,
		MaxDataLen: PacketPayloadMax,
		Handler: func(rx, tx []byte, ts uint64) uint32 {
			return uint32(copy(tx, rx))
		},
	})
	irq.Set(IntNonWakeup)

	resp, err := client.Transact(context.Background(), ReasonWriteEvent, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Payload()) != "ping" {
		t.Errorf("unexpected echo %q", resp.Payload())
	}
	ints := client.Interrupts()
	if ints[0] != 1<<IntNonWakeup {
		t.Errorf("ACK interrupts not recorded: % X", ints[:4])
	}
}

func TestClient_SequentialRequestsUseFreshSeq(t *testing.T) {
	var calls atomic.Int32
	client, _ := startPipeDevice(t, nil, Command{
		Reason: ReasonGetInterrupt,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			calls.Add(1)
			return 0
		},
	})

	var seqs []uint32
	for i := 0; i < 3; i++ {
		resp, err := client.Transact(context.Background(), ReasonGetInterrupt, nil)
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, resp.Seq())
	}
	if seqs[0] == seqs[1] || seqs[1] == seqs[2] {
		t.Errorf("sequence numbers reused: %v", seqs)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 executions, got %d", calls.Load())
	}
}

func TestClient_BusyExhaustsRetries(t *testing.T) {
	client, _ := startPipeDevice(t, func(l *Link) { l.SetBusy(true) }, Command{
		Reason: ReasonGetInterrupt,
		Fast:   func(rx, tx []byte, ts uint64) uint32 { return 0 },
	})

	_, err := client.Transact(context.Background(), ReasonGetInterrupt, nil)
	if !errors.Is(err, ErrNak) {
		t.Fatalf("expected ErrNak, got %v", err)
	}
	if client.Stats().NakBusy != 3 {
		t.Errorf("expected 3 busy replies, got %d", client.Stats().NakBusy)
	}
}

func TestClient_TimeoutRetransmitsSameFrame(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer devEnd.Close()

	frames := make(chan []byte, 8)
	go func() {
		for {
			buf := make([]byte, PacketSizeMax)
			n, err := ReadPacket(byteReader{devEnd}, buf)
			if err != nil {
				return
			}
			frames <- buf[:n]
		}
	}()

	client := NewClient(hostEnd, WithTimeout(20*time.Millisecond), WithRetries(2))
	defer client.Close()

	_, err := client.Transact(context.Background(), ReasonReadEvent, []byte{1})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	var first []byte
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			if first == nil {
				first = f
			} else if !bytes.Equal(first, f) {
				t.Errorf("retransmission %d differs", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d transmissions seen", i)
		}
	}
}

// idleClient returns a client whose stream never answers
func idleClient(t *testing.T) *Client {
	t.Helper()
	r, w := io.Pipe()
	client := NewClient(struct {
		io.Reader
		io.Writer
	}{r, io.Discard})
	t.Cleanup(func() { w.Close() })
	return client
}

func TestClient_NewSessionIsNotTakenForRetransmission(t *testing.T) {
	writes := 0
	_, ft, sched := newTestLink(t,
		Command{
			Reason: ReasonGetOsHwVersions,
			Fast:   func(rx, tx []byte, ts uint64) uint32 { return uint32(copy(tx, []byte{1})) },
		},
		Command{
			Reason:     ReasonWriteEvent,
			MaxDataLen: 8,
			Fast: func(rx, tx []byte, ts uint64) uint32 {
				writes++
				return uint32(copy(tx, []byte{1}))
			},
		},
	)

	// one process queries the versions and exits
	first := idleClient(t).nextSeq()
	ft.deliver(t, mustPacket(t, ReasonGetOsHwVersions, first, nil))
	sched.RunPending()
	ft.take(t)

	// the next process starts its own sequence on the same hub
	second := idleClient(t).nextSeq()
	if second == first {
		t.Fatalf("two clients started at the same sequence %d", first)
	}
	ft.deliver(t, mustPacket(t, ReasonWriteEvent, second, []byte{1}))
	sched.RunPending()

	packets, _ := ft.take(t)
	if len(packets) != 1 || packets[0].Reason() != ReasonWriteEvent || packets[0].Seq() != second {
		t.Fatalf("expected WRITE_EVENT reply for seq %d, got %d packets", second, len(packets))
	}
	if writes != 1 {
		t.Errorf("WRITE_EVENT handler ran %d times, want 1", writes)
	}
}

// byteReader reads one byte at a time from an io.Reader
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var one [1]byte
	_, err := io.ReadFull(b.r, one[:])
	return one[0], err
}
