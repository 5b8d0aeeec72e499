// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

import "testing"

func rec(sensType uint8) *DataBuffer {
	return &DataBuffer{SensType: sensType, DataType: DataTypeSensor}
}

func TestSimpleQueue_FIFO(t *testing.T) {
	q := NewSimpleQueue(3, nil)
	for i := uint8(1); i <= 3; i++ {
		if !q.Enqueue(rec(i), true) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	for i := uint8(1); i <= 3; i++ {
		r, ok := q.Dequeue()
		if !ok || r.SensType != i {
			t.Fatalf("dequeue %d: got %v %v", i, r, ok)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue from empty queue succeeded")
	}
}

func TestSimpleQueue_FullEvictsOldestDiscardable(t *testing.T) {
	var offered []uint8
	q := NewSimpleQueue(3, func(r *DataBuffer, onDelete bool) bool {
		offered = append(offered, r.SensType)
		return r.SensType != 2
	})
	q.Enqueue(rec(1), false)
	q.Enqueue(rec(2), true)
	q.Enqueue(rec(3), true)

	// 1 is protected, 2 is refused by the policy, 3 goes
	if !q.Enqueue(rec(4), true) {
		t.Fatal("enqueue into full queue failed")
	}
	if len(offered) != 2 || offered[0] != 2 || offered[1] != 3 {
		t.Errorf("policy offered %v, want [2 3]", offered)
	}

	var got []uint8
	for r, ok := q.Dequeue(); ok; r, ok = q.Dequeue() {
		got = append(got, r.SensType)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 4 {
		t.Errorf("queue order after eviction = %v, want [1 2 4]", got)
	}
}

func TestSimpleQueue_ForceOnlyForNonDiscardable(t *testing.T) {
	q := NewSimpleQueue(2, func(*DataBuffer, bool) bool { return true })
	q.Enqueue(rec(1), false)
	q.Enqueue(rec(2), false)

	if q.Enqueue(rec(3), true) {
		t.Error("discardable record forced out a protected one")
	}
	if !q.Enqueue(rec(4), false) {
		t.Fatal("protected record could not force its way in")
	}
	r, _ := q.Dequeue()
	if r.SensType != 2 {
		t.Errorf("oldest survivor = %d, want 2", r.SensType)
	}
}

func TestSimpleQueue_Drain(t *testing.T) {
	deleted := 0
	q := NewSimpleQueue(4, func(r *DataBuffer, onDelete bool) bool {
		if !onDelete {
			t.Error("Drain called policy without onDelete")
		}
		deleted++
		return false
	})
	q.Enqueue(rec(1), true)
	q.Enqueue(rec(2), false)
	q.Drain()
	if deleted != 2 || q.Len() != 0 {
		t.Errorf("drained %d records, %d left", deleted, q.Len())
	}
}

func TestSimpleQueue_Wraparound(t *testing.T) {
	q := NewSimpleQueue(3, nil)
	for i := 0; i < 9; i++ {
		q.Enqueue(rec(uint8(i)), true)
		if i%2 == 1 {
			q.Dequeue()
		}
	}
	if q.Len() != q.Cap() {
		t.Fatalf("Len = %d, want %d", q.Len(), q.Cap())
	}
	r, _ := q.Peek()
	if r.SensType != 6 {
		t.Errorf("head = %d, want 6", r.SensType)
	}
}
