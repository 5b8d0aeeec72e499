// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nanohub

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerFull is returned when a task cannot be deferred
var ErrSchedulerFull = errors.New("scheduler queue full")

// DefaultSchedulerDepth is the deferred task queue size
const DefaultSchedulerDepth = 64

// Scheduler is a bounded cooperative task queue. Tasks run one at a time in
// the order they were deferred, either from Run or from RunPending, never
// concurrently with each other.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []func()
	depth   int
	wake    chan struct{}
	dropped uint64
}

// NewScheduler creates a scheduler holding at most depth pending tasks
func NewScheduler(depth int) *Scheduler {
	if depth <= 0 {
		depth = DefaultSchedulerDepth
	}
	return &Scheduler{
		depth: depth,
		wake:  make(chan struct{}, 1),
	}
}

// Defer queues fn. It returns false if the queue is full.
func (s *Scheduler) Defer(fn func()) bool {
	s.mu.Lock()
	if len(s.tasks) >= s.depth {
		s.dropped++
		s.mu.Unlock()
		return false
	}
	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) next() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	fn := s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	return fn
}

// RunPending runs tasks until the queue is empty, including tasks deferred
// by the tasks it runs. It returns the number of tasks executed.
func (s *Scheduler) RunPending() int {
	n := 0
	for fn := s.next(); fn != nil; fn = s.next() {
		fn()
		n++
	}
	return n
}

// Pending returns the number of queued tasks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Dropped returns how many Defer calls were refused
func (s *Scheduler) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run executes tasks as they arrive until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}
