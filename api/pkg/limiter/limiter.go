// Package limiter implements C3: the per-model limiter composing up to six
// C1/C2 primitives (requests-per-minute, requests-per-day, tokens-per-minute,
// tokens-per-day counters, a concurrency semaphore and a shared memory
// semaphore) behind a single reserve/commit/refund API.
package limiter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/api/pkg/counter"
	"github.com/modelgate/modelgate/api/pkg/ptr"
	"github.com/modelgate/modelgate/api/pkg/semaphore"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// AvailabilityTracker receives every post-mutation snapshot. Implemented by
// api/pkg/availability.Tracker; declared here so this package doesn't
// import it back.
type AvailabilityTracker interface {
	Update(model types.ModelId, reason types.AvailabilityReason, current types.Availability, adjustment *types.Adjustment)
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithRefundOnUnhandledFailure controls whether a job whose callback panics
// or otherwise fails without reporting actual usage has its rate-window
// reservations refunded. Default is false: an unhandled failure still
// counts against the window it was reserved in, since the upstream
// provider may already have billed the attempt. Concurrency and memory
// slots are always released regardless of this setting, since those track
// real process resources rather than provider-side usage.
func WithRefundOnUnhandledFailure(v bool) Option {
	return func(l *Limiter) { l.refundOnUnhandledFailure = v }
}

// WithTracker attaches an availability tracker that is notified after every
// mutation (reserve, commit, refund).
func WithTracker(t AvailabilityTracker) Option {
	return func(l *Limiter) { l.tracker = t }
}

// OverageEvent describes one dimension where a Commit's actual usage
// exceeded what was reserved (spec.md §7's OverageEvent, not an error: the
// counter absorbs it and this callback is purely informational).
type OverageEvent struct {
	ResourceType string
	Estimated    int64
	Actual       int64
	Overage      int64
}

// WithOverageCallback attaches a callback fired once per dimension, on every
// Commit where actual usage exceeded the amount reserved.
func WithOverageCallback(f func(model types.ModelId, event OverageEvent)) Option {
	return func(l *Limiter) { l.onOverage = f }
}

// handle is the bookkeeping kept server-side for an outstanding
// Reservation, since the public types.Reservation is a plain value the
// caller may copy or log; the semaphore permits and window reservations it
// closes over must not be duplicated.
type handle struct {
	rpm, rpd, tpm, tpd *counter.Reservation
	concurrencyPermit  *semaphore.Permit
	memoryPermit       *semaphore.Permit
}

// Limiter is the per-model admission gate (spec.md §4.3). Every field is
// nil when that dimension isn't configured for this model, meaning it's
// never consulted and never limits admission.
type Limiter struct {
	model types.ModelId

	rpm, rpd *counter.Window
	tpm, tpd *counter.Window

	concurrency *semaphore.Semaphore
	memory      *semaphore.Semaphore

	refundOnUnhandledFailure bool
	tracker                  AvailabilityTracker
	onOverage                func(model types.ModelId, event OverageEvent)

	mu       sync.Mutex
	handles  map[types.InstanceId]*handle
}

// New builds a Limiter for one model. memory is the process-wide shared
// semaphore from api/pkg/memory; pass nil if memory accounting isn't
// desired for this deployment.
func New(model types.ModelId, cfg types.ModelConfig, memory *semaphore.Semaphore, opts ...Option) *Limiter {
	l := &Limiter{
		model:   model,
		memory:  memory,
		handles: make(map[types.InstanceId]*handle),
	}

	if cfg.RequestsPerMinute != nil {
		l.rpm = counter.New(*cfg.RequestsPerMinute, 60_000)
	}
	if cfg.RequestsPerDay != nil {
		l.rpd = counter.New(*cfg.RequestsPerDay, 86_400_000)
	}
	if cfg.TokensPerMinute != nil {
		l.tpm = counter.New(*cfg.TokensPerMinute, 60_000)
	}
	if cfg.TokensPerDay != nil {
		l.tpd = counter.New(*cfg.TokensPerDay, 86_400_000)
	}
	if cfg.MaxConcurrentRequests != nil {
		l.concurrency = semaphore.New(*cfg.MaxConcurrentRequests)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Model returns the model this limiter governs.
func (l *Limiter) Model() types.ModelId {
	return l.model
}

// HasCapacity is a non-reserving advisory check across every configured
// dimension. The job-type allocator does not call it; its admission goes
// straight to TryReserve.
func (l *Limiter) HasCapacity(amounts types.ResourceAmounts) bool {
	if l.rpm != nil && !l.rpm.HasCapacity(amounts.Requests) {
		return false
	}
	if l.rpd != nil && !l.rpd.HasCapacity(amounts.Requests) {
		return false
	}
	if l.tpm != nil && !l.tpm.HasCapacity(amounts.Tokens) {
		return false
	}
	if l.tpd != nil && !l.tpd.HasCapacity(amounts.Tokens) {
		return false
	}
	if l.concurrency != nil && !l.concurrency.CanAcquire(1) {
		return false
	}
	if l.memory != nil && !l.memory.CanAcquire(amounts.MemoryKB) {
		return false
	}
	return true
}

// TryReserve attempts to atomically reserve amounts across every configured
// dimension. It is non-blocking: if any dimension lacks room, every
// dimension already reserved in this call is unwound and ErrAtCapacity is
// returned. On success every reserved dimension's window-start stamp is
// recorded so Commit/Refund apply to the correct window even across a
// roll-over.
func (l *Limiter) TryReserve(amounts types.ResourceAmounts) (*types.Reservation, error) {
	h := &handle{}

	unwind := func() {
		if h.rpm != nil {
			l.rpm.Refund(h.rpm)
		}
		if h.rpd != nil {
			l.rpd.Refund(h.rpd)
		}
		if h.tpm != nil {
			l.tpm.Refund(h.tpm)
		}
		if h.tpd != nil {
			l.tpd.Refund(h.tpd)
		}
		if h.concurrencyPermit != nil {
			l.concurrency.Release(h.concurrencyPermit)
		}
		if h.memoryPermit != nil {
			l.memory.Release(h.memoryPermit)
		}
	}

	r := &types.Reservation{
		ID:       types.InstanceId(uuid.New().String()),
		Requests: amounts.Requests,
		Tokens:   amounts.Tokens,
		MemoryKB: amounts.MemoryKB,
	}

	if l.rpm != nil {
		h.rpm = l.rpm.Reserve(amounts.Requests)
		if h.rpm == nil {
			return nil, fmt.Errorf("%w: requests-per-minute", ErrAtCapacity)
		}
		r.Stamps.RPM = h.rpm.WindowStart
	}
	if l.rpd != nil {
		h.rpd = l.rpd.Reserve(amounts.Requests)
		if h.rpd == nil {
			unwind()
			return nil, fmt.Errorf("%w: requests-per-day", ErrAtCapacity)
		}
		r.Stamps.RPD = h.rpd.WindowStart
	}
	if l.tpm != nil {
		h.tpm = l.tpm.Reserve(amounts.Tokens)
		if h.tpm == nil {
			unwind()
			return nil, fmt.Errorf("%w: tokens-per-minute", ErrAtCapacity)
		}
		r.Stamps.TPM = h.tpm.WindowStart
	}
	if l.tpd != nil {
		h.tpd = l.tpd.Reserve(amounts.Tokens)
		if h.tpd == nil {
			unwind()
			return nil, fmt.Errorf("%w: tokens-per-day", ErrAtCapacity)
		}
		r.Stamps.TPD = h.tpd.WindowStart
	}

	if l.concurrency != nil {
		permit, ok := l.concurrency.TryAcquire(1)
		if !ok {
			unwind()
			return nil, fmt.Errorf("%w: concurrent requests", ErrAtCapacity)
		}
		h.concurrencyPermit = permit
		r.HasConcurrency = true
	}

	if l.memory != nil && amounts.MemoryKB > 0 {
		permit, ok := l.memory.TryAcquire(amounts.MemoryKB)
		if !ok {
			unwind()
			return nil, fmt.Errorf("%w: memory", ErrAtCapacity)
		}
		h.memoryPermit = permit
		r.HasMemory = true
	}

	l.mu.Lock()
	l.handles[r.ID] = h
	l.mu.Unlock()

	l.emit(types.ReasonAdjustment, nil)
	return r, nil
}

// Commit reconciles a reservation against actual usage reported after the
// job finished successfully. Concurrency and memory permits are always
// released; rate-window counters are adjusted for over/under-estimation
// per spec.md §4.1.
func (l *Limiter) Commit(r *types.Reservation, actual types.ResourceAmounts) {
	if r == nil {
		return
	}
	l.settle(r, actual, true)
}

// Refund releases a reservation as if it had never happened: used when a
// job is abandoned before it reached the provider (e.g. the scheduler
// chose a different model).
func (l *Limiter) Refund(r *types.Reservation) {
	if r == nil {
		return
	}
	l.settle(r, types.ResourceAmounts{}, false)
}

// AbandonAfterUnhandledFailure releases concurrency/memory unconditionally
// and refunds rate windows only if the limiter was constructed with
// WithRefundOnUnhandledFailure(true) (spec.md §9 open question 1).
func (l *Limiter) AbandonAfterUnhandledFailure(r *types.Reservation) {
	if r == nil {
		return
	}
	if l.refundOnUnhandledFailure {
		l.settle(r, types.ResourceAmounts{}, false)
		return
	}

	l.mu.Lock()
	h, ok := l.handles[r.ID]
	delete(l.handles, r.ID)
	l.mu.Unlock()
	if !ok {
		log.Warn().Str("reservation", string(r.ID)).Msg("limiter: abandon called with unknown reservation")
		return
	}

	// Release only process resources; rate windows keep the reservation as
	// committed since the provider may have already billed the attempt.
	if h.concurrencyPermit != nil {
		l.concurrency.Release(h.concurrencyPermit)
	}
	if h.memoryPermit != nil {
		l.memory.Release(h.memoryPermit)
	}
	l.emit(types.ReasonAdjustment, nil)
}

func (l *Limiter) settle(r *types.Reservation, actual types.ResourceAmounts, reportedUsage bool) {
	l.mu.Lock()
	h, ok := l.handles[r.ID]
	delete(l.handles, r.ID)
	l.mu.Unlock()

	if !ok {
		log.Warn().Str("reservation", string(r.ID)).Msg("limiter: settle called with unknown reservation")
		return
	}

	if h.rpm != nil {
		if reportedUsage {
			l.rpm.Commit(h.rpm, actual.Requests)
		} else {
			l.rpm.Refund(h.rpm)
		}
	}
	if h.rpd != nil {
		if reportedUsage {
			l.rpd.Commit(h.rpd, actual.Requests)
		} else {
			l.rpd.Refund(h.rpd)
		}
	}
	if h.tpm != nil {
		if reportedUsage {
			l.tpm.Commit(h.tpm, actual.Tokens)
		} else {
			l.tpm.Refund(h.tpm)
		}
	}
	if h.tpd != nil {
		if reportedUsage {
			l.tpd.Commit(h.tpd, actual.Tokens)
		} else {
			l.tpd.Refund(h.tpd)
		}
	}

	if h.concurrencyPermit != nil {
		l.concurrency.Release(h.concurrencyPermit)
	}
	if h.memoryPermit != nil {
		l.memory.Release(h.memoryPermit)
	}

	var adj *types.Adjustment
	if reportedUsage {
		adj = &types.Adjustment{
			Tokens:   actual.Tokens - r.Tokens,
			Requests: actual.Requests - r.Requests,
		}
		if l.tpm != nil || l.tpd != nil {
			l.reportOverage("tokens", r.Tokens, actual.Tokens)
		}
		if l.rpm != nil || l.rpd != nil {
			l.reportOverage("requests", r.Requests, actual.Requests)
		}
	}
	l.emit(types.ReasonAdjustment, adj)
}

func (l *Limiter) reportOverage(resourceType string, estimated, actual int64) {
	if l.onOverage == nil || actual <= estimated {
		return
	}
	l.onOverage(l.model, OverageEvent{
		ResourceType: resourceType,
		Estimated:    estimated,
		Actual:       actual,
		Overage:      actual - estimated,
	})
}

// Availability computes the current admission-relevant snapshot for this
// model (spec.md §3/§4.7). Slots is 0 if any configured dimension has no
// room left, 1 otherwise: a per-model limiter has no notion of multiple
// interchangeable slots of its own, that's the job-type allocator's job.
func (l *Limiter) Availability() types.Availability {
	avail := types.Availability{Slots: 1}

	exhausted := false

	if l.rpm != nil {
		remaining := l.rpm.Remaining()
		avail.RequestsPerMinute = ptr.To(remaining)
		exhausted = exhausted || remaining <= 0
	}
	if l.rpd != nil {
		remaining := l.rpd.Remaining()
		avail.RequestsPerDay = ptr.To(remaining)
		exhausted = exhausted || remaining <= 0
	}
	if l.tpm != nil {
		remaining := l.tpm.Remaining()
		avail.TokensPerMinute = ptr.To(remaining)
		exhausted = exhausted || remaining <= 0
	}
	if l.tpd != nil {
		remaining := l.tpd.Remaining()
		avail.TokensPerDay = ptr.To(remaining)
		exhausted = exhausted || remaining <= 0
	}
	if l.concurrency != nil {
		available := l.concurrency.Available()
		avail.ConcurrentRequests = ptr.To(available)
		exhausted = exhausted || available <= 0
	}
	if l.memory != nil {
		available := l.memory.Available()
		avail.MemoryKB = ptr.To(available)
		exhausted = exhausted || available <= 0
	}

	if exhausted {
		avail.Slots = 0
	}

	return avail
}

func (l *Limiter) emit(reason types.AvailabilityReason, adj *types.Adjustment) {
	if l.tracker == nil {
		return
	}
	l.tracker.Update(l.model, reason, l.Availability(), adj)
}
