// Package availability implements C7: a diff-suppressed emitter of
// Availability snapshots. It exists so that the limiter's every internal
// mutation doesn't turn into a downstream notification; only snapshots
// that actually differ from the last one emitted for a model are passed
// on.
package availability

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/api/pkg/types"
)

// Listener is notified of every Availability change that survives diff
// suppression.
type Listener func(model types.ModelId, reason types.AvailabilityReason, current types.Availability, adjustment *types.Adjustment)

// Tracker implements limiter.AvailabilityTracker. Safe for concurrent use
// across many models and many limiter goroutines.
type Tracker struct {
	mu        sync.Mutex
	last      map[types.ModelId]types.Availability
	listeners []Listener
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{last: make(map[types.ModelId]types.Availability)}
}

// Subscribe registers a listener invoked synchronously, in registration
// order, on every change that survives diff suppression.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Update records a new snapshot for model and notifies listeners only if
// it differs from the last one recorded. Called by api/pkg/limiter after
// every reserve/commit/refund.
func (t *Tracker) Update(model types.ModelId, reason types.AvailabilityReason, current types.Availability, adjustment *types.Adjustment) {
	t.mu.Lock()
	prev, ok := t.last[model]
	if ok && prev.Equal(current) {
		t.mu.Unlock()
		return
	}
	t.last[model] = current
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	log.Debug().
		Str("model", string(model)).
		Str("reason", string(reason)).
		Int64("slots", current.Slots).
		Msg("availability changed")

	for _, l := range listeners {
		l(model, reason, current, adjustment)
	}
}

// Current returns the last snapshot recorded for a model, or the zero
// value and false if none has been recorded yet.
func (t *Tracker) Current(model types.ModelId) (types.Availability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.last[model]
	return a, ok
}

// SetDistributed overwrites a model's snapshot with one received from the
// distributed allocator (C8) and notifies listeners if it differs,
// tagging the change with ReasonDistributed regardless of what the
// distributed allocator's own bookkeeping called it.
func (t *Tracker) SetDistributed(model types.ModelId, current types.Availability) {
	t.Update(model, types.ReasonDistributed, current, nil)
}
