// Package types holds the shared data model for the rate limiting engine:
// the value objects passed between the counter, semaphore, limiter,
// job-type allocator, escalation scheduler, availability tracker and
// distributed allocator.
package types

import "time"

// ModelId identifies an upstream LLM endpoint.
type ModelId string

// JobTypeId identifies a class of submissions sharing resource estimates.
type JobTypeId string

// InstanceId identifies one stateless worker instance in the fleet.
type InstanceId string

// TokenUsage is the input/output/cached token breakdown for one job.
type TokenUsage struct {
	Input  int64
	Output int64
	Cached int64
}

// Total returns the sum of all three token classes.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.Cached
}

// RatioConfig describes a job type's initial share of a model's pool and
// whether that share may be adjusted by the adaptive loop.
type RatioConfig struct {
	InitialValue float64
	Flexible     bool
}

// ResourceEstimation is the per-job-type estimate used for reservation and
// for the job-type allocator's memory-aware slot computation.
type ResourceEstimation struct {
	EstimatedUsedTokens      int64
	EstimatedNumberOfRequests int64
	EstimatedUsedMemoryKB    int64
	Ratio                    RatioConfig
	MaxWaitMS                map[ModelId]int64

	// MinCapacity/MaxCapacity bound the computed slot count for this job
	// type (spec.md §4.5 step 3, §9 minJobTypeCapacity). Zero MaxCapacity
	// means unbounded above.
	MinCapacity int
	MaxCapacity int
}

// Pricing is per-token cost, consumed only by api/pkg/pricing.
type Pricing struct {
	Input  float64
	Cached float64
	Output float64
}

// ModelConfig is the optional set of limits (and pricing) for one model.
// A nil pointer field means that dimension is not enforced.
type ModelConfig struct {
	RequestsPerMinute     *int64
	RequestsPerDay        *int64
	TokensPerMinute       *int64
	TokensPerDay          *int64
	MaxConcurrentRequests *int64

	Pricing *Pricing
}

// TimeWindow is the persisted state of a C1 time-window counter.
type TimeWindow struct {
	Limit       int64
	WindowMS    int64
	WindowStart int64 // epoch-ms
	Current     int64
}

// WindowStamps records the windowStart observed at reservation time for
// every time-window counter a Reservation touched, so that commit/refund
// can be applied to the correct window even if it has since rolled.
type WindowStamps struct {
	RPM int64
	RPD int64
	TPM int64
	TPD int64
}

// Reservation is the opaque per-call handle returned by a successful
// tryReserve. It carries the amount reserved on each dimension and the
// window-start stamps observed at reservation time.
type Reservation struct {
	ID InstanceId // reused as a generic opaque reservation id (uuid string)

	Requests int64
	Tokens   int64
	MemoryKB int64

	Stamps WindowStamps

	// HasConcurrency/HasMemory record whether this reservation acquired
	// the concurrency/memory semaphores. They are informational: the
	// limiter releases permits from its own per-reservation bookkeeping.
	HasConcurrency bool
	HasMemory      bool
}

// PoolAllocation is one instance's share of a model's global capacity.
type PoolAllocation struct {
	TotalSlots      int64
	TokensPerMinute int64
	RequestsPerMinute int64
	TokensPerDay    int64
	RequestsPerDay  int64
}

// AllocationInfo is published by the distributed allocator to every
// instance after each register and heartbeat recalculation. Acquire and
// Release do not publish one.
type AllocationInfo struct {
	InstanceCount int
	Pools         map[ModelId]PoolAllocation
	DynamicLimits map[ModelId]PoolAllocation
}

// JobStatus is the ActiveJobInfo status, following spec.md §3's
// transition table.
type JobStatus string

const (
	JobWaitingForCapacity JobStatus = "waiting-for-capacity"
	JobWaitingOnModel     JobStatus = "waiting-on-model"
	JobProcessing         JobStatus = "processing"
)

// ActiveJobInfo tracks one in-flight job through the escalation scheduler.
type ActiveJobInfo struct {
	JobID          string
	JobType        JobTypeId
	Status         JobStatus
	QueuedAt       time.Time
	StartedAt      *time.Time
	CurrentModelID *ModelId
	TriedModels    []ModelId
	WaitStartedAt  *time.Time
	MaxWaitMS      *int64
	TimeoutAt      *time.Time
}

// AvailabilityReason classifies why an Availability snapshot changed.
type AvailabilityReason string

const (
	ReasonAdjustment        AvailabilityReason = "adjustment"
	ReasonTokensMinute      AvailabilityReason = "tokensMinute"
	ReasonTokensDay         AvailabilityReason = "tokensDay"
	ReasonRequestsMinute    AvailabilityReason = "requestsMinute"
	ReasonRequestsDay       AvailabilityReason = "requestsDay"
	ReasonConcurrentRequest AvailabilityReason = "concurrentRequests"
	ReasonMemory            AvailabilityReason = "memory"
	ReasonDistributed       AvailabilityReason = "distributed"
)

// Adjustment carries the per-dimension actual-minus-reserved deltas for a
// reason=adjustment Availability change. Memory and concurrency deltas
// are always zero (spec.md §4.7).
type Adjustment struct {
	Tokens   int64
	Requests int64
}

// Availability is the admission-relevant snapshot for one model. Each
// pointer field is nil when that dimension isn't configured.
type Availability struct {
	Slots              int64
	TokensPerMinute    *int64
	TokensPerDay       *int64
	RequestsPerMinute  *int64
	RequestsPerDay     *int64
	ConcurrentRequests *int64
	MemoryKB           *int64
}

// Equal reports whether two Availability snapshots carry the same values,
// used by the availability tracker's diff-suppressed emission.
func (a Availability) Equal(b Availability) bool {
	return a.Slots == b.Slots &&
		equalPtr(a.TokensPerMinute, b.TokensPerMinute) &&
		equalPtr(a.TokensPerDay, b.TokensPerDay) &&
		equalPtr(a.RequestsPerMinute, b.RequestsPerMinute) &&
		equalPtr(a.RequestsPerDay, b.RequestsPerDay) &&
		equalPtr(a.ConcurrentRequests, b.ConcurrentRequests) &&
		equalPtr(a.MemoryKB, b.MemoryKB)
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ResourceAmounts is the estimate (or actual) quantity requested from a
// per-model limiter on a single tryReserve/commit call.
type ResourceAmounts struct {
	Requests int64
	Tokens   int64
	MemoryKB int64
}
