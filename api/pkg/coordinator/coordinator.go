// Package coordinator implements C9: the thin binding layer that owns
// every other component (per-model limiters, the memory manager, the
// job-type allocators, the availability tracker, the escalation scheduler
// and an optional distributed allocator) and exposes the four operations
// spec.md §4.9 names: queueJob, setDistributedAvailability, getStats, stop.
package coordinator

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/modelgate/modelgate/api/pkg/availability"
	"github.com/modelgate/modelgate/api/pkg/distributed"
	"github.com/modelgate/modelgate/api/pkg/escalation"
	"github.com/modelgate/modelgate/api/pkg/jtm"
	"github.com/modelgate/modelgate/api/pkg/limiter"
	"github.com/modelgate/modelgate/api/pkg/memory"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// Job is the user-supplied work function run once a model has been
// reserved (spec.md §6's job(args, resolve, reject), flattened into Go's
// return-value-or-error idiom). Returning escalation.Delegate(usage)
// requests "commit this usage, then try the next model" instead of
// failing the job outright.
type Job func(ctx context.Context, model types.ModelId) (types.ResourceAmounts, error)

// JobOptions describes one submission to QueueJob.
type JobOptions struct {
	JobID   string
	JobType types.JobTypeId
	Job     Job

	OnComplete func(result QueueResult)
	OnError    func(err error)
}

// QueueResult is returned by a successful QueueJob.
type QueueResult struct {
	ModelUsed   types.ModelId
	Usage       types.ResourceAmounts
	ModelsTried []types.ModelId
}

// Stats is returned by GetStats: a snapshot of everything in flight plus
// the last-known availability per model.
type Stats struct {
	ActiveJobs   []types.ActiveJobInfo
	Availability map[types.ModelId]types.Availability
}

// Coordinator wires C1-C8 together behind QueueJob/SetDistributedAvailability/
// GetStats/Stop.
type Coordinator struct {
	cfg Config

	memory     *memory.Manager
	allocators map[types.ModelId]*jtm.Allocator
	jtmManager *jtm.Manager
	scheduler  *escalation.Scheduler
	tracker    *availability.Tracker
	backend    *distributed.Coordinator

	cancel context.CancelFunc
}

// New validates cfg (returning ErrConfiguration on a structural problem)
// and builds every component it describes. It does not start any
// background loop; call Start for that.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tracker := availability.New()
	if cfg.OnAvailableSlotsChange != nil {
		tracker.Subscribe(cfg.OnAvailableSlotsChange)
	}

	mem, err := memory.New(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("coordinator: memory manager: %w", err)
	}

	allocators := make(map[types.ModelId]*jtm.Allocator, len(cfg.Models))
	for model, mc := range cfg.Models {
		opts := []limiter.Option{limiter.WithTracker(tracker)}
		if cfg.RefundOnUnhandledFailure {
			opts = append(opts, limiter.WithRefundOnUnhandledFailure(true))
		}
		if cfg.OnOverage != nil {
			opts = append(opts, limiter.WithOverageCallback(cfg.OnOverage))
		}
		lim := limiter.New(model, mc, mem.Semaphore(), opts...)

		totalSlots := int64(math.MaxInt32)
		if mc.MaxConcurrentRequests != nil {
			totalSlots = *mc.MaxConcurrentRequests
		}

		alloc := jtm.NewAllocator(model, totalSlots, lim, mem.Semaphore().Available)
		for jobType, est := range cfg.ResourceEstimationsPerJob {
			alloc.RegisterJobType(jobType, est)
		}
		allocators[model] = alloc
	}

	// cfg.Backend is typed *distributed.Coordinator; only hand escalation a
	// non-nil Backend interface when one was actually configured, since a
	// nil *distributed.Coordinator boxed into a non-nil interface would
	// panic the first time Run tried to call it.
	var backend escalation.Backend
	if cfg.Backend != nil {
		backend = cfg.Backend
	}

	c := &Coordinator{
		cfg:        cfg,
		memory:     mem,
		allocators: allocators,
		jtmManager: jtm.NewManager(allocators, cfg.RatioAdjustment, cfg.AdjustmentInterval),
		scheduler:  escalation.New(allocators, backend),
		tracker:    tracker,
		backend:    cfg.Backend,
	}

	// The backend's own tracker (passed to distributed.NewCoordinator at
	// construction time) is a different instance from the one this
	// coordinator just built its limiters against. Route broadcasts into
	// ours instead so GetStats and availability listeners see the
	// cluster-wide allocation; local admission is still gated by the
	// limiters, the job-type allocators and the backend's Acquire.
	if c.backend != nil {
		c.backend.SetAllocationHandler(c.SetDistributedAvailability)
	}
	return c, nil
}

// Start launches every background loop: the memory manager's periodic
// resize, the job-type allocators' adjustment loop, and (if configured)
// the distributed allocator's heartbeat/cleanup/subscription.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.memory.Start(ctx)
	c.jtmManager.Start(ctx)

	if c.backend != nil {
		if err := c.backend.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("coordinator: distributed backend: %w", err)
		}
	}
	return nil
}

// QueueJob walks a job through its escalation order (spec.md §4.6) and
// runs opts.Job once a model has been reserved. Returns ErrUnknownJobType
// if opts.JobType was never registered in Config.ResourceEstimationsPerJob.
func (c *Coordinator) QueueJob(ctx context.Context, opts JobOptions) (*QueueResult, error) {
	est, ok := c.cfg.ResourceEstimationsPerJob[opts.JobType]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownJobType, opts.JobType)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	spec := escalation.JobSpec{
		ID:      opts.JobID,
		JobType: opts.JobType,
		Models:  c.cfg.EscalationOrder,
		Amounts: types.ResourceAmounts{
			Requests: est.EstimatedNumberOfRequests,
			Tokens:   est.EstimatedUsedTokens,
			MemoryKB: est.EstimatedUsedMemoryKB,
		},
		MaxWaitMS: est.MaxWaitMS,
	}

	result, err := c.scheduler.Run(ctx, spec, func(ctx context.Context, model types.ModelId, _ *types.Reservation) (actual types.ResourceAmounts, err error) {
		var pc panics.Catcher
		pc.Try(func() {
			actual, err = opts.Job(ctx, model)
		})
		if recovered := pc.Recovered(); recovered != nil {
			return types.ResourceAmounts{}, fmt.Errorf("job %s panicked on model %s: %w", opts.JobID, model, recovered.AsError())
		}
		return actual, err
	})
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	qr := &QueueResult{ModelUsed: result.Model, Usage: result.Actual, ModelsTried: result.TriedModels}
	if opts.OnComplete != nil {
		opts.OnComplete(*qr)
	}
	return qr, nil
}

// SetDistributedAvailability replaces the local view of per-instance
// allocations with one received from the distributed allocator and fires
// a distributed-reason availability change for every model it names
// (spec.md §4.9). Safe to call directly even without a configured
// Backend, e.g. from a test driving the distributed broadcast by hand.
func (c *Coordinator) SetDistributedAvailability(info types.AllocationInfo) {
	for model, pool := range distributed.DistributionPools(info) {
		c.tracker.SetDistributed(model, distributed.PoolToAvailability(pool))
	}
}

// GetStats returns a snapshot of every in-flight job and the last-known
// availability for every configured model.
func (c *Coordinator) GetStats() Stats {
	avail := make(map[types.ModelId]types.Availability, len(c.cfg.Models))
	for model := range c.cfg.Models {
		if a, ok := c.tracker.Current(model); ok {
			avail[model] = a
		}
	}
	return Stats{
		ActiveJobs:   c.scheduler.ActiveJobs(),
		Availability: avail,
	}
}

// Stop cancels every background loop and, if a distributed backend is
// configured, unregisters this instance so peers don't wait out the
// staleness window (spec.md §5 "stop() cancels all timers and interval
// tasks, unsubscribes from the allocator").
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.memory.Stop()
	c.jtmManager.Stop()

	if c.backend != nil {
		if err := c.backend.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("coordinator: distributed backend stop failed")
			return err
		}
	}
	return nil
}
