// Package counter implements C1: a thread-safe monotonic counter over a
// rolling minute/day window, with reserve/commit/refund semantics that
// apply refunds and overages to the window they were reserved against.
package counter

import (
	"sync"
	"time"
)

// Reservation is the handle returned by a successful Reserve. It carries
// the amount reserved and the windowStart observed at reservation time,
// per spec.md §3's "window-start stamp".
type Reservation struct {
	Amount      int64
	WindowStart int64
}

// Window is a rolling time-window counter (spec.md §4.1). Safe for
// concurrent use.
type Window struct {
	mu sync.Mutex

	limit       int64
	windowMS    int64
	windowStart int64
	current     int64

	now func() time.Time
}

// New creates a Window with the given limit and window size in
// milliseconds (60_000 for RPM/TPM, 86_400_000 for RPD/TPD).
func New(limit int64, windowMS int64) *Window {
	return &Window{
		limit:       limit,
		windowMS:    windowMS,
		windowStart: nowMS(time.Now()),
		now:         time.Now,
	}
}

func nowMS(t time.Time) int64 {
	return t.UnixMilli()
}

// rollIfNeeded snaps windowStart forward and resets current to zero if the
// window has elapsed. Must be called with mu held.
func (w *Window) rollIfNeeded() {
	now := nowMS(w.now())
	if now-w.windowStart >= w.windowMS {
		w.windowStart = now - (now % w.windowMS)
		w.current = 0
	}
}

// Reserve attempts to add amount to the counter. Returns nil if the
// reservation would exceed limit.
func (w *Window) Reserve(amount int64) *Reservation {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()

	if w.current+amount > w.limit {
		return nil
	}

	w.current += amount
	return &Reservation{Amount: amount, WindowStart: w.windowStart}
}

// Commit reconciles a reservation against actual usage. If the window has
// rolled since the reservation was made, only a positive delta (overage in
// the new window) is applied; a refund against a stale window is dropped.
func (w *Window) Commit(r *Reservation, actual int64) {
	if r == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()

	delta := actual - r.Amount

	if r.WindowStart == w.windowStart {
		w.current += delta
		if w.current < 0 {
			w.current = 0
		}
		return
	}

	// Window has rolled. Only overages (positive delta) count against the
	// new window; refunds of a previous window are dropped.
	if delta > 0 {
		w.current += delta
	}
}

// Refund is Commit with actual=0, i.e. give back the full reservation.
func (w *Window) Refund(r *Reservation) {
	w.Commit(r, 0)
}

// Remaining returns limit - current after a lazy roll-over check.
func (w *Window) Remaining() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()
	remaining := w.limit - w.current
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Current returns the current usage after a lazy roll-over check.
func (w *Window) Current() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()
	return w.current
}

// Limit returns the configured limit.
func (w *Window) Limit() int64 {
	return w.limit
}

// ResetsInMs returns the time, in milliseconds, until the current window
// rolls over.
func (w *Window) ResetsInMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()
	return w.windowMS - (nowMS(w.now()) - w.windowStart)
}

// HasCapacity is a non-reserving advisory check.
func (w *Window) HasCapacity(amount int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()
	return w.current+amount <= w.limit
}
