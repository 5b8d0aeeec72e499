// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// Test Transport
// ============================================================

// fakeTransport completes transfers synchronously; the Link re-posts the
// completions onto its scheduler, which the tests drain with RunPending.
type fakeTransport struct {
	rxBuf    []byte
	rxDone   Completion
	out      []byte
	writes   int
	maxWrite int
	txErr    error
	released bool
}

func (f *fakeTransport) Request() error { return nil }
func (f *fakeTransport) Release()       { f.released = true }

func (f *fakeTransport) RxPacket(buf []byte, done Completion) error {
	f.rxBuf = buf
	f.rxDone = done
	return nil
}

func (f *fakeTransport) TxPacket(buf []byte, done Completion) error {
	f.writes++
	if f.txErr != nil {
		err := f.txErr
		f.txErr = nil
		done(0, err)
		return nil
	}
	n := len(buf)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	f.out = append(f.out, buf[:n]...)
	done(n, nil)
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, pkt []byte) {
	t.Helper()
	if f.rxDone == nil {
		t.Fatal("no receive outstanding")
	}
	n := copy(f.rxBuf, pkt)
	done := f.rxDone
	f.rxDone = nil
	done(n, nil)
}

func (f *fakeTransport) failRx(t *testing.T, err error) {
	t.Helper()
	if f.rxDone == nil {
		t.Fatal("no receive outstanding")
	}
	done := f.rxDone
	f.rxDone = nil
	done(0, err)
}

// take returns the packets transmitted since the last call
func (f *fakeTransport) take(t *testing.T) ([]*Packet, []byte) {
	t.Helper()
	raw := f.out
	f.out = nil
	packets, errs := NewDecoder().Decode(raw)
	if len(errs) != 0 {
		t.Fatalf("link transmitted invalid packets: %v", errs)
	}
	return packets, raw
}

func newTestLink(t *testing.T, commands ...Command) (*Link, *fakeTransport, *Scheduler) {
	t.Helper()
	ft := &fakeTransport{}
	sched := NewScheduler(0)
	link := NewLink(ft, NewCommandTable(commands...), sched, WithClock(func() uint64 { return 1234 }))
	if err := link.Start(); err != nil {
		t.Fatal(err)
	}
	sched.RunPending()
	return link, ft, sched
}

func mustPacket(t *testing.T, reason, seq uint32, payload []byte) []byte {
	t.Helper()
	pkt, err := EncodePacket(reason, seq, payload)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

// ============================================================
// Fast Path Tests
// ============================================================

func TestLink_FastHandlerAnswers(t *testing.T) {
	var gotTS uint64
	_, ft, sched := newTestLink(t, Command{
		Reason:     ReasonGetOsHwVersions,
		MaxDataLen: 0,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			gotTS = ts
			copy(tx, []byte{1, 2, 3})
			return 3
		},
	})

	ft.deliver(t, mustPacket(t, ReasonGetOsHwVersions, 5, nil))
	sched.RunPending()

	packets, _ := ft.take(t)
	if len(packets) != 1 {
		t.Fatalf("expected 1 response, got %d", len(packets))
	}
	p := packets[0]
	if p.Reason() != ReasonGetOsHwVersions || p.Seq() != 5 || !bytes.Equal(p.Payload(), []byte{1, 2, 3}) {
		t.Errorf("unexpected response %s seq=%d % X", FormatReason(p.Reason()), p.Seq(), p.Payload())
	}
	if gotTS != 1234 {
		t.Errorf("handler timestamp %d", gotTS)
	}
	if ft.rxDone == nil {
		t.Error("receive not restarted after response")
	}
}

func TestLink_UnhandledAckThenDeferred(t *testing.T) {
	irq := NewInterruptSet(nil)
	irq.Set(IntWakeup)
	ft := &fakeTransport{}
	sched := NewScheduler(0)
	link := NewLink(ft, NewCommandTable(Command{
		Reason:     ReasonWriteEvent,
		MaxDataLen: PacketPayloadMax,
		Handler: func(rx, tx []byte, ts uint64) uint32 {
			tx[0] = byte(len(rx))
			return 1
		},
	}), sched, WithInterrupts(irq))
	link.Start()
	sched.RunPending()

	ft.deliver(t, mustPacket(t, ReasonWriteEvent, 11, []byte{9, 9, 9, 9}))
	sched.RunPending()

	packets, _ := ft.take(t)
	if len(packets) != 2 {
		t.Fatalf("expected ACK and response, got %d packets", len(packets))
	}
	ack, resp := packets[0], packets[1]
	if ack.Reason() != ReasonAck || ack.Seq() != 11 || ack.Length() != InterruptSize {
		t.Errorf("bad ACK: %s seq=%d len=%d", FormatReason(ack.Reason()), ack.Seq(), ack.Length())
	}
	if ack.Payload()[0] != 1<<IntWakeup {
		t.Errorf("ACK does not carry interrupt snapshot: % X", ack.Payload()[:4])
	}
	if resp.Reason() != ReasonWriteEvent || resp.Seq() != 11 || !bytes.Equal(resp.Payload(), []byte{4}) {
		t.Errorf("bad response: %s seq=%d % X", FormatReason(resp.Reason()), resp.Seq(), resp.Payload())
	}
}

func TestLink_DontAckThenTxAck(t *testing.T) {
	link, ft, sched := newTestLink(t, Command{
		Reason:     ReasonWriteEvent,
		MaxDataLen: 8,
		Fast:       func(rx, tx []byte, ts uint64) uint32 { return FastDontAck },
	})

	ft.deliver(t, mustPacket(t, ReasonWriteEvent, 1, []byte{1}))
	sched.RunPending()
	if packets, _ := ft.take(t); len(packets) != 0 {
		t.Fatalf("reply sent for suppressed ACK")
	}

	// other requests wait for the owed response
	ft.deliver(t, mustPacket(t, ReasonWriteEvent, 2, []byte{1}))
	sched.RunPending()
	packets, _ := ft.take(t)
	if len(packets) != 1 || packets[0].Reason() != ReasonNakBusy {
		t.Fatalf("expected NAK_BUSY while response owed")
	}

	if err := link.TxAck([]byte{0x42}); err != nil {
		t.Fatal(err)
	}
	sched.RunPending()
	packets, _ = ft.take(t)
	if len(packets) != 1 || packets[0].Seq() != 1 || packets[0].Payload()[0] != 0x42 {
		t.Fatalf("owed response not sent")
	}
	if err := link.TxAck(nil); err == nil {
		t.Error("second TxAck should fail")
	}
}

// ============================================================
// Retransmission Tests
// ============================================================

func TestLink_DuplicateSeqReplaysWithoutReexecuting(t *testing.T) {
	calls := 0
	_, ft, sched := newTestLink(t, Command{
		Reason:     ReasonReadEvent,
		MaxDataLen: 8,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			calls++
			tx[0] = byte(calls)
			return 1
		},
	})

	req := mustPacket(t, ReasonReadEvent, 77, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	ft.deliver(t, req)
	sched.RunPending()
	_, first := ft.take(t)

	ft.deliver(t, req)
	sched.RunPending()
	_, second := ft.take(t)

	if calls != 1 {
		t.Errorf("handler invoked %d times, expected 1", calls)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("replayed response differs:\n first % X\nsecond % X", first, second)
	}

	ft.deliver(t, mustPacket(t, ReasonReadEvent, 78, make([]byte, 8)))
	sched.RunPending()
	if calls != 2 {
		t.Errorf("new sequence number did not execute the command")
	}
}

func TestLink_DuplicateSeqReplaysDeferredResponse(t *testing.T) {
	calls := 0
	_, ft, sched := newTestLink(t, Command{
		Reason:     ReasonWriteEvent,
		MaxDataLen: 16,
		Handler: func(rx, tx []byte, ts uint64) uint32 {
			calls++
			tx[0] = 1
			return 1
		},
	})

	req := mustPacket(t, ReasonWriteEvent, 3, []byte{1, 2})
	ft.deliver(t, req)
	sched.RunPending()
	packets, _ := ft.take(t)
	if len(packets) != 2 {
		t.Fatalf("expected ACK and response, got %d", len(packets))
	}
	wantResp, _ := EncodeFrame(ReasonWriteEvent, 3, []byte{1})

	ft.deliver(t, req)
	sched.RunPending()
	_, raw := ft.take(t)
	if !bytes.Equal(raw, wantResp) {
		t.Errorf("retransmission should replay the response frame, got % X", raw)
	}
	if calls != 1 {
		t.Errorf("handler invoked %d times", calls)
	}
}

// ============================================================
// Rejection Tests
// ============================================================

func TestLink_Rejections(t *testing.T) {
	cmd := Command{
		Reason:     ReasonMaskInterrupt,
		MinDataLen: 1,
		MaxDataLen: 1,
		Fast:       func(rx, tx []byte, ts uint64) uint32 { return 0 },
	}

	corrupt := mustPacket(t, ReasonMaskInterrupt, 4, []byte{1})
	corrupt[HeaderSize] ^= 0xFF

	tests := []struct {
		name   string
		pkt    []byte
		reason uint32
	}{
		{"unknown command", mustPacket(t, 0x7777, 4, nil), ReasonNak},
		{"payload too short", mustPacket(t, ReasonMaskInterrupt, 4, nil), ReasonNak},
		{"payload too long", mustPacket(t, ReasonMaskInterrupt, 4, []byte{1, 2}), ReasonNak},
		{"crc mismatch", corrupt, ReasonNak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, ft, sched := newTestLink(t, cmd)
			ft.deliver(t, tt.pkt)
			sched.RunPending()
			packets, _ := ft.take(t)
			if len(packets) != 1 || packets[0].Reason() != tt.reason {
				t.Fatalf("expected %s, got %v", FormatReason(tt.reason), packets)
			}
			if packets[0].Seq() != 4 {
				t.Errorf("NAK carries seq %d", packets[0].Seq())
			}
			if ft.rxDone == nil {
				t.Error("receive not restarted after NAK")
			}
			if link.Stats().Naks != 1 {
				t.Errorf("NAK not counted")
			}
		})
	}
}

func TestLink_BusyNaksNewRequestsButReplays(t *testing.T) {
	calls := 0
	link, ft, sched := newTestLink(t, Command{
		Reason: ReasonGetInterrupt,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			calls++
			return 0
		},
	})

	req := mustPacket(t, ReasonGetInterrupt, 1, nil)
	ft.deliver(t, req)
	sched.RunPending()
	_, first := ft.take(t)

	link.SetBusy(true)
	ft.deliver(t, mustPacket(t, ReasonGetInterrupt, 2, nil))
	sched.RunPending()
	packets, _ := ft.take(t)
	if len(packets) != 1 || packets[0].Reason() != ReasonNakBusy || packets[0].Seq() != 2 {
		t.Fatalf("expected NAK_BUSY for seq 2, got %v", packets)
	}

	ft.deliver(t, req)
	sched.RunPending()
	_, replay := ft.take(t)
	if !bytes.Equal(first, replay) {
		t.Error("busy link did not replay the cached response")
	}

	link.SetBusy(false)
	ft.deliver(t, mustPacket(t, ReasonGetInterrupt, 2, nil))
	sched.RunPending()
	if calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls)
	}
	if link.Stats().NakBusy != 1 {
		t.Errorf("busy NAK not counted")
	}
}

// ============================================================
// Transfer Tests
// ============================================================

func TestLink_ResumesPartialWrites(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 40)
	_, ft, sched := newTestLink(t, Command{
		Reason:     ReasonReadEvent,
		MaxDataLen: 8,
		Fast: func(rx, tx []byte, ts uint64) uint32 {
			return uint32(copy(tx, payload))
		},
	})
	ft.maxWrite = 7

	ft.deliver(t, mustPacket(t, ReasonReadEvent, 1, nil))
	sched.RunPending()

	want, _ := EncodeFrame(ReasonReadEvent, 1, payload)
	_, raw := ft.take(t)
	if !bytes.Equal(raw, want) {
		t.Fatalf("reassembled frame differs")
	}
	if expected := (len(want) + 6) / 7; ft.writes != expected {
		t.Errorf("expected %d writes, got %d", expected, ft.writes)
	}
}

func TestLink_OwedResponseNotCutByNewRequest(t *testing.T) {
	link, ft, sched := newTestLink(t, Command{
		Reason:     ReasonWriteEvent,
		MaxDataLen: 8,
		Fast:       func(rx, tx []byte, ts uint64) uint32 { return FastDontAck },
	})
	ft.maxWrite = 7

	ft.deliver(t, mustPacket(t, ReasonWriteEvent, 1, []byte{1}))
	sched.RunPending()
	if ft.rxDone == nil {
		t.Fatal("receive not restarted while response owed")
	}

	payload := bytes.Repeat([]byte{0xA5}, 40)
	if err := link.TxAck(payload); err != nil {
		t.Fatal(err)
	}

	// a corrupted request lands after the first chunk went out
	bad := mustPacket(t, ReasonWriteEvent, 2, []byte{1})
	bad[len(bad)-1] ^= 0xFF
	ft.deliver(t, bad)
	sched.RunPending()

	packets, _ := ft.take(t)
	if len(packets) != 2 {
		t.Fatalf("expected owed response and NAK, got %d packets", len(packets))
	}
	if p := packets[0]; p.Reason() != ReasonWriteEvent || p.Seq() != 1 || !bytes.Equal(p.Payload(), payload) {
		t.Errorf("owed response damaged: %s seq=%d len=%d", FormatReason(p.Reason()), p.Seq(), p.Length())
	}
	if p := packets[1]; p.Reason() != ReasonNak || p.Seq() != 2 {
		t.Errorf("expected NAK for seq 2, got %s seq=%d", FormatReason(p.Reason()), p.Seq())
	}
	if ft.rxDone == nil {
		t.Error("receive not restarted after queued reply")
	}
}

func TestLink_ReceiveErrorRestarts(t *testing.T) {
	link, ft, sched := newTestLink(t)
	ft.failRx(t, errors.New("overrun"))
	sched.RunPending()
	if ft.rxDone == nil {
		t.Fatal("receive not restarted after error")
	}
	if link.Stats().RxErrors != 1 {
		t.Error("receive error not counted")
	}
}

func TestLink_TransmitErrorAbandonsExchange(t *testing.T) {
	link, ft, sched := newTestLink(t, Command{
		Reason: ReasonGetInterrupt,
		Fast:   func(rx, tx []byte, ts uint64) uint32 { return 0 },
	})
	ft.txErr = errors.New("bus fault")
	ft.deliver(t, mustPacket(t, ReasonGetInterrupt, 1, nil))
	sched.RunPending()
	if ft.rxDone == nil {
		t.Fatal("receive not restarted after transmit error")
	}
	if link.Stats().TxErrors != 1 {
		t.Error("transmit error not counted")
	}
}

func TestLink_StopReleasesTransport(t *testing.T) {
	link, ft, _ := newTestLink(t)
	link.Stop()
	if !ft.released {
		t.Error("transport not released")
	}
}
