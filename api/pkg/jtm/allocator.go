// Package jtm implements C5: per-model job-type slot allocation. Each
// model's capacity is partitioned across job types by a configured ratio,
// constrained by memory, and admission is checked at two layers: the job
// type's own allocated-slot budget, and the underlying per-model limiter
// (api/pkg/limiter).
package jtm

import (
	"fmt"
	"sync"

	"github.com/modelgate/modelgate/api/pkg/limiter"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// jobTypeState is the live state the Allocator keeps for one job type on
// one model.
type jobTypeState struct {
	estimation types.ResourceEstimation
	ratio      float64 // current ratio, may drift from estimation.Ratio.InitialValue if flexible
	allocated  int64   // slots computed by the last Recompute
	inFlight   int64
}

// Allocator partitions one model's capacity across job types (spec.md
// §4.5). It does not itself enforce the model's global limits; it wraps a
// *limiter.Limiter for that and adds the job-type layer on top.
type Allocator struct {
	model   types.ModelId
	limiter *limiter.Limiter

	// totalSlots is the model's configured concurrency budget, the basis
	// for ratio-based slot computation.
	totalSlots int64

	// availableMemoryKB reads live available memory from the shared
	// process-wide memory manager (api/pkg/memory), used by the memory
	// constraint in Recompute. nil means memory isn't a constraint for
	// this allocator (every job type gets its ratio-based slot count
	// uncapped by memory).
	availableMemoryKB func() int64

	mu                      sync.Mutex
	jobTypes                map[types.JobTypeId]*jobTypeState
	order                   []types.JobTypeId // insertion order, for deterministic iteration
	releasesSinceAdjustment int
}

// AdjustmentConfig bounds the adaptive ratio adjustment loop (spec.md
// §4.5, §9). Only job types with estimation.Ratio.Flexible=true ever have
// their ratio changed; fixed-ratio job types are never a donor or a
// recipient.
type AdjustmentConfig struct {
	// HighLoadThreshold/LowLoadThreshold are inFlight/allocated fractions
	// that mark a job type as needing more (>=High) or able to give up
	// (<=Low) capacity.
	HighLoadThreshold float64
	LowLoadThreshold  float64

	// MaxAdjustment caps the total ratio moved across all donor/recipient
	// pairs in a single adjustment cycle.
	MaxAdjustment float64

	// MinRatio floors any flexible job type's ratio; it is never reduced
	// below this even if idle.
	MinRatio float64

	// ReleasesPerAdjustment is how many job completions (commit or
	// refund) must accumulate before AdjustIfDue actually runs an
	// adjustment cycle, decoupling the loop from a fixed wall-clock
	// cadence under bursty load.
	ReleasesPerAdjustment int
}

// NewAllocator builds an Allocator for one model. totalSlots is the
// model's concurrency budget that job-type ratios are computed against.
func NewAllocator(model types.ModelId, totalSlots int64, lim *limiter.Limiter, availableMemoryKB func() int64) *Allocator {
	return &Allocator{
		model:             model,
		limiter:           lim,
		totalSlots:        totalSlots,
		availableMemoryKB: availableMemoryKB,
		jobTypes:          make(map[types.JobTypeId]*jobTypeState),
	}
}

// RegisterJobType adds a job type to this model's partition and
// immediately computes its initial slot allocation.
func (a *Allocator) RegisterJobType(id types.JobTypeId, estimation types.ResourceEstimation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.jobTypes[id]; !exists {
		a.order = append(a.order, id)
	}
	a.jobTypes[id] = &jobTypeState{
		estimation: estimation,
		ratio:      estimation.Ratio.InitialValue,
	}
	a.recomputeLocked()
}

// Recompute runs the 3-step slot computation for every registered job
// type: a ratio-based share of totalSlots, scaled down by a single
// model-wide factor when the sum of every job type's memory-constrained
// share can't fit totalSlots, then clamped to [MinCapacity, MaxCapacity].
func (a *Allocator) Recompute() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeLocked()
}

func (a *Allocator) recomputeLocked() {
	var memKB int64 = -1 // -1 means "not constrained"
	if a.availableMemoryKB != nil {
		memKB = a.availableMemoryKB()
	}

	// Step 2: memorySlots sums, across every job type, how many of that
	// type's estimated-memory-sized jobs fit in memKB at its current
	// ratio. scaleFactor then shrinks every type's ratio-based share
	// uniformly so the model-wide total never exceeds what memory allows,
	// instead of clamping each type independently against the model's
	// whole memory budget. A job type with no memory estimate fits an
	// unbounded number of times, so it leaves memory unconstraining and
	// scaleFactor at 1.
	scaleFactor := 1.0
	if memKB >= 0 && a.totalSlots > 0 {
		var memorySlots int64
		unbounded := false
		for _, id := range a.order {
			jt := a.jobTypes[id]
			if jt.estimation.EstimatedUsedMemoryKB <= 0 {
				unbounded = true
				continue
			}
			memorySlots += int64(float64(memKB) * jt.ratio / float64(jt.estimation.EstimatedUsedMemoryKB))
		}
		if !unbounded {
			bound := memorySlots
			if a.totalSlots < bound {
				bound = a.totalSlots
			}
			scaleFactor = float64(bound) / float64(a.totalSlots)
		}
	}

	for _, id := range a.order {
		jt := a.jobTypes[id]

		slots := int64(float64(a.totalSlots) * jt.ratio * scaleFactor)

		if jt.estimation.MinCapacity > 0 && slots < int64(jt.estimation.MinCapacity) {
			slots = int64(jt.estimation.MinCapacity)
		}
		if jt.estimation.MaxCapacity > 0 && slots > int64(jt.estimation.MaxCapacity) {
			slots = int64(jt.estimation.MaxCapacity)
		}
		if slots < 0 {
			slots = 0
		}

		jt.allocated = slots
	}
}

// TryAdmit checks the two-layer admission: first that the job type has a
// free slot in its own allocation, then that the underlying model limiter
// has capacity. If the job-type layer admits but the limiter doesn't, the
// job-type slot is released before returning, so a rejected job never
// holds a phantom slot.
func (a *Allocator) TryAdmit(jobType types.JobTypeId, amounts types.ResourceAmounts) (*types.Reservation, error) {
	a.mu.Lock()
	jt, ok := a.jobTypes[jobType]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if jt.inFlight >= jt.allocated {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobTypeSlotsFull, jobType)
	}
	jt.inFlight++
	a.mu.Unlock()

	r, err := a.limiter.TryReserve(amounts)
	if err != nil {
		a.mu.Lock()
		jt.inFlight--
		a.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// Commit reports actual usage for a job admitted through TryAdmit and
// releases its job-type slot.
func (a *Allocator) Commit(jobType types.JobTypeId, r *types.Reservation, actual types.ResourceAmounts) {
	a.limiter.Commit(r, actual)
	a.releaseSlot(jobType)
}

// Refund abandons a reservation made through TryAdmit without ever
// reaching the provider, and releases its job-type slot.
func (a *Allocator) Refund(jobType types.JobTypeId, r *types.Reservation) {
	a.limiter.Refund(r)
	a.releaseSlot(jobType)
}

// AbandonAfterUnhandledFailure forwards to the underlying limiter's
// unhandled-failure path and releases the job-type slot.
func (a *Allocator) AbandonAfterUnhandledFailure(jobType types.JobTypeId, r *types.Reservation) {
	a.limiter.AbandonAfterUnhandledFailure(r)
	a.releaseSlot(jobType)
}

func (a *Allocator) releaseSlot(jobType types.JobTypeId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if jt, ok := a.jobTypes[jobType]; ok && jt.inFlight > 0 {
		jt.inFlight--
	}
	a.releasesSinceAdjustment++
}

// AdjustIfDue runs one adjustment cycle if at least cfg.ReleasesPerAdjustment
// completions have accumulated since the last cycle, then resets the
// counter. Returns whether a cycle ran.
func (a *Allocator) AdjustIfDue(cfg AdjustmentConfig) bool {
	a.mu.Lock()
	if a.releasesSinceAdjustment < cfg.ReleasesPerAdjustment {
		a.mu.Unlock()
		return false
	}
	a.releasesSinceAdjustment = 0
	a.mu.Unlock()

	a.AdjustRatios(cfg)
	return true
}

// AdjustRatios runs one adjustment cycle unconditionally: it moves ratio
// from flexible, low-load job types to flexible, high-load ones, bounded
// by cfg.MaxAdjustment in total and never taking a donor below
// cfg.MinRatio. Fixed-ratio job types are never touched. The ratio moved
// off a donor always lands on a recipient, so the sum of all ratios for
// this model is invariant across a cycle.
func (a *Allocator) AdjustRatios(cfg AdjustmentConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var high, low []*jobTypeState
	for _, id := range a.order {
		jt := a.jobTypes[id]
		if !jt.estimation.Ratio.Flexible {
			continue
		}

		load := 1.0
		if jt.allocated > 0 {
			load = float64(jt.inFlight) / float64(jt.allocated)
		}

		switch {
		case load >= cfg.HighLoadThreshold:
			high = append(high, jt)
		case load <= cfg.LowLoadThreshold && jt.ratio > cfg.MinRatio:
			low = append(low, jt)
		}
	}

	remaining := cfg.MaxAdjustment
	li := 0
	for _, h := range high {
		for remaining > 0 && li < len(low) {
			l := low[li]
			avail := l.ratio - cfg.MinRatio
			if avail <= 0 {
				li++
				continue
			}
			move := avail
			if move > remaining {
				move = remaining
			}
			l.ratio -= move
			h.ratio += move
			remaining -= move
			if l.ratio <= cfg.MinRatio {
				li++
			}
		}
		if remaining <= 0 {
			break
		}
	}

	a.recomputeLocked()
}

// Load returns inFlight/allocated for one job type, the same ratio the
// adjustment loop computes to decide which types are under- or
// over-loaded. 1 if allocated is 0, avoiding a divide-by-zero: such a job
// type is considered maximally loaded. 0 for an unknown job type.
func (a *Allocator) Load(jobType types.JobTypeId) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	jt, ok := a.jobTypes[jobType]
	if !ok {
		return 0
	}
	if jt.allocated <= 0 {
		return 1
	}
	return float64(jt.inFlight) / float64(jt.allocated)
}

// Allocated returns the current computed slot count for a job type.
func (a *Allocator) Allocated(jobType types.JobTypeId) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if jt, ok := a.jobTypes[jobType]; ok {
		return jt.allocated
	}
	return 0
}

// Ratio returns the current (possibly adjusted) ratio for a job type.
func (a *Allocator) Ratio(jobType types.JobTypeId) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if jt, ok := a.jobTypes[jobType]; ok {
		return jt.ratio
	}
	return 0
}

// JobTypes returns the registered job type ids in registration order.
func (a *Allocator) JobTypes() []types.JobTypeId {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.JobTypeId, len(a.order))
	copy(out, a.order)
	return out
}
