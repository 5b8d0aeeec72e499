// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import "sync/atomic"

// APInt drives the interrupt lines towards the application processor
type APInt interface {
	Assert(wakeup bool)
	Deassert(wakeup bool)
}

type nopAPInt struct{}

func (nopAPInt) Assert(bool)   {}
func (nopAPInt) Deassert(bool) {}

// bitset is a fixed-size set of bits with lock-free test-and-set
type bitset [MaxInterrupts / 32]atomic.Uint32

// testAndSet sets bit and reports whether it was previously clear
func (b *bitset) testAndSet(bit uint32) bool {
	w, m := &b[bit/32], uint32(1)<<(bit%32)
	for {
		old := w.Load()
		if old&m != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|m) {
			return true
		}
	}
}

// testAndClear clears bit and reports whether it was previously set
func (b *bitset) testAndClear(bit uint32) bool {
	w, m := &b[bit/32], uint32(1)<<(bit%32)
	for {
		old := w.Load()
		if old&m == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^m) {
			return true
		}
	}
}

func (b *bitset) get(bit uint32) bool {
	return b[bit/32].Load()&(uint32(1)<<(bit%32)) != 0
}

// InterruptSet holds the pending and masked interrupt bits shown to the host
// and keeps the AP interrupt lines asserted while any unmasked bit is
// pending. Bit IntNonWakeup uses the non-wakeup line; every other bit uses
// the wakeup line.
type InterruptSet struct {
	pending    bitset
	mask       bitset
	wakeCnt    atomic.Int32
	nonWakeCnt atomic.Int32
	line       APInt
}

// NewInterruptSet creates an empty set driving line (nil for none)
func NewInterruptSet(line APInt) *InterruptSet {
	if line == nil {
		line = nopAPInt{}
	}
	return &InterruptSet{line: line}
}

func isWakeBit(bit uint32) bool {
	return bit != IntNonWakeup
}

func (s *InterruptSet) raise(bit uint32) {
	if isWakeBit(bit) {
		if s.wakeCnt.Add(1) == 1 {
			s.line.Assert(true)
		}
	} else if s.nonWakeCnt.Add(1) == 1 {
		s.line.Assert(false)
	}
}

func (s *InterruptSet) lower(bit uint32) {
	if isWakeBit(bit) {
		if s.wakeCnt.Add(-1) == 0 {
			s.line.Deassert(true)
		}
	} else if s.nonWakeCnt.Add(-1) == 0 {
		s.line.Deassert(false)
	}
}

// Set marks bit pending
func (s *InterruptSet) Set(bit uint32) {
	if bit >= MaxInterrupts {
		return
	}
	if s.pending.testAndSet(bit) && !s.mask.get(bit) {
		s.raise(bit)
	}
}

// Clear removes bit from the pending set
func (s *InterruptSet) Clear(bit uint32) {
	if bit >= MaxInterrupts {
		return
	}
	if s.pending.testAndClear(bit) && !s.mask.get(bit) {
		s.lower(bit)
	}
}

// Get reports whether bit is pending
func (s *InterruptSet) Get(bit uint32) bool {
	return bit < MaxInterrupts && s.pending.get(bit)
}

// Mask hides bit from the interrupt lines. The bit stays pending.
func (s *InterruptSet) Mask(bit uint32) {
	if bit >= MaxInterrupts {
		return
	}
	if s.mask.testAndSet(bit) && s.pending.get(bit) {
		s.lower(bit)
	}
}

// Unmask re-exposes bit on the interrupt lines
func (s *InterruptSet) Unmask(bit uint32) {
	if bit >= MaxInterrupts {
		return
	}
	if s.mask.testAndClear(bit) && s.pending.get(bit) {
		s.raise(bit)
	}
}

// Masked reports whether bit is masked
func (s *InterruptSet) Masked(bit uint32) bool {
	return bit < MaxInterrupts && s.mask.get(bit)
}

// Lines returns the number of unmasked pending bits per line
func (s *InterruptSet) Lines() (wake, nonWake int) {
	return int(s.wakeCnt.Load()), int(s.nonWakeCnt.Load())
}

// Snapshot writes the pending bitmap, little-endian by word, into dst,
// which must hold InterruptSize bytes. Returns the bytes written.
func (s *InterruptSet) Snapshot(dst []byte) int {
	if len(dst) < InterruptSize {
		return 0
	}
	for i := range s.pending {
		w := s.pending[i].Load()
		dst[i*4] = byte(w)
		dst[i*4+1] = byte(w >> 8)
		dst[i*4+2] = byte(w >> 16)
		dst[i*4+3] = byte(w >> 24)
	}
	return InterruptSize
}
