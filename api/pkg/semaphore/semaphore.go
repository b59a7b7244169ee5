// Package semaphore implements C2: a counted resource with a strict FIFO
// wait queue, supporting variably sized acquisitions (needed for memory,
// where size is the estimated KB of one job) and cancellation.
package semaphore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Permit is the handle returned by a satisfied acquisition. It must be
// passed back to Release exactly once.
type Permit struct {
	id   uuid.UUID
	size int64
}

type waiter struct {
	id     uuid.UUID
	size   int64
	result chan *Permit
}

// Semaphore bounds the sum of outstanding acquisitions by a capacity that
// may be resized at runtime. Safe for concurrent use. Waiters are served
// strictly FIFO: if the head waiter cannot be satisfied, later waiters do
// not skip ahead even if they would individually fit.
type Semaphore struct {
	mu        sync.Mutex
	capacity  int64
	available int64
	waiters   []*waiter
}

// New creates a Semaphore with the given starting capacity.
func New(capacity int64) *Semaphore {
	return &Semaphore{
		capacity:  capacity,
		available: capacity,
	}
}

// Acquire blocks until size units are available or ctx is cancelled. On
// cancellation the waiter is removed from the queue (no leaked
// references) and ctx.Err() is returned.
func (s *Semaphore) Acquire(ctx context.Context, size int64) (*Permit, error) {
	s.mu.Lock()
	if s.available >= size && len(s.waiters) == 0 {
		s.available -= size
		permit := &Permit{id: uuid.New(), size: size}
		s.mu.Unlock()
		return permit, nil
	}

	w := &waiter{id: uuid.New(), size: size, result: make(chan *Permit, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case permit := <-w.result:
		return permit, nil
	case <-ctx.Done():
		s.cancel(w)
		return nil, ctx.Err()
	}
}

// TryAcquire attempts a non-blocking acquisition: it succeeds only if size
// units are immediately available and no waiter is already queued ahead of
// it. Used by admission paths that must fail fast rather than wait.
func (s *Semaphore) TryAcquire(size int64) (*Permit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.available < size || len(s.waiters) > 0 {
		return nil, false
	}
	s.available -= size
	return &Permit{id: uuid.New(), size: size}, true
}

// cancel removes a waiter from the queue if it is still queued. If the
// waiter was satisfied concurrently with cancellation, the permit it
// received is released back immediately so capacity isn't leaked.
func (s *Semaphore) cancel(w *waiter) {
	s.mu.Lock()
	for i, q := range s.waiters {
		if q.id == w.id {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	// Waiter already left the queue: either it's about to receive a
	// permit, or it already did. Drain non-blockingly and release.
	select {
	case permit := <-w.result:
		s.Release(permit)
	default:
	}
}

// Release returns a permit's size to the pool and wakes any waiters that
// now fit, strictly in FIFO order.
func (s *Semaphore) Release(permit *Permit) {
	if permit == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.available += permit.size
	s.drainLocked()
}

// drainLocked wakes head waiters that fit, in order, stopping at the
// first waiter that doesn't. Must be called with mu held.
func (s *Semaphore) drainLocked() {
	for len(s.waiters) > 0 {
		head := s.waiters[0]
		if s.available < head.size {
			break
		}
		s.available -= head.size
		s.waiters = s.waiters[1:]
		head.result <- &Permit{id: head.id, size: head.size}
	}
}

// Resize changes capacity. available is adjusted by the delta; available
// may go negative if capacity shrinks below in-flight size, per spec.
func (s *Semaphore) Resize(newCapacity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.available += newCapacity - s.capacity
	s.capacity = newCapacity
	s.drainLocked()
}

// Available returns the current available capacity (including an
// in-progress deficit from a shrink).
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Capacity returns the configured capacity.
func (s *Semaphore) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// CanAcquire is a non-reserving advisory check: true if size units would
// be granted immediately given the current queue state.
func (s *Semaphore) CanAcquire(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available >= size && len(s.waiters) == 0
}

// Size returns the permit's reserved size.
func (p *Permit) Size() int64 {
	if p == nil {
		return 0
	}
	return p.size
}
