// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostintf

// DiscardFunc decides whether rec may be evicted. onDelete is set when the
// queue is being torn down and every record must go.
type DiscardFunc func(rec *DataBuffer, onDelete bool) bool

type queueEntry struct {
	rec         *DataBuffer
	discardable bool
}

// SimpleQueue is a bounded FIFO of records. When full, an enqueue first
// evicts the oldest discardable record the DiscardFunc accepts; a record
// that is not itself discardable may then force out any record the
// DiscardFunc accepts.
type SimpleQueue struct {
	entries []queueEntry
	head    int
	count   int
	discard DiscardFunc
}

// NewSimpleQueue allocates a queue of capacity records
func NewSimpleQueue(capacity int, discard DiscardFunc) *SimpleQueue {
	if discard == nil {
		discard = func(*DataBuffer, bool) bool { return true }
	}
	return &SimpleQueue{
		entries: make([]queueEntry, capacity),
		discard: discard,
	}
}

// Len returns the number of queued records
func (q *SimpleQueue) Len() int { return q.count }

// Cap returns the queue capacity
func (q *SimpleQueue) Cap() int { return len(q.entries) }

func (q *SimpleQueue) at(i int) *queueEntry {
	return &q.entries[(q.head+i)%len(q.entries)]
}

// Enqueue appends rec. Returns false if no room could be made.
func (q *SimpleQueue) Enqueue(rec *DataBuffer, discardable bool) bool {
	if len(q.entries) == 0 {
		return false
	}
	if q.count == len(q.entries) {
		if !q.Discard(false) {
			if discardable || !q.Discard(true) {
				return false
			}
		}
	}
	*q.at(q.count) = queueEntry{rec: rec, discardable: discardable}
	q.count++
	return true
}

// Dequeue removes and returns the oldest record
func (q *SimpleQueue) Dequeue() (*DataBuffer, bool) {
	if q.count == 0 {
		return nil, false
	}
	e := q.at(0)
	rec := e.rec
	*e = queueEntry{}
	q.head = (q.head + 1) % len(q.entries)
	q.count--
	return rec, true
}

// Peek returns the oldest record without removing it
func (q *SimpleQueue) Peek() (*DataBuffer, bool) {
	if q.count == 0 {
		return nil, false
	}
	return q.at(0).rec, true
}

// Discard evicts the oldest record accepted by the DiscardFunc. Without
// force only records enqueued as discardable are considered.
func (q *SimpleQueue) Discard(force bool) bool {
	for i := 0; i < q.count; i++ {
		e := q.at(i)
		if !e.discardable && !force {
			continue
		}
		if q.discard(e.rec, false) {
			q.remove(i)
			return true
		}
	}
	return false
}

// Drain discards every record with onDelete set
func (q *SimpleQueue) Drain() {
	for q.count > 0 {
		rec, _ := q.Dequeue()
		q.discard(rec, true)
	}
}

// remove closes the gap left by entry i
func (q *SimpleQueue) remove(i int) {
	for j := i; j < q.count-1; j++ {
		*q.at(j) = *q.at(j + 1)
	}
	*q.at(q.count - 1) = queueEntry{}
	q.count--
}
