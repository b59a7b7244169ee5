// Package escalation implements C6: the per-job state machine that walks
// a job through its configured model order, trying each model's job-type
// allocator in turn, optionally waiting up to that model's maxWaitMS
// before giving up and escalating to the next one.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/api/pkg/jtm"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// Executor runs a job once capacity has been reserved on model and
// reports the actual resource usage observed. A non-nil error other than
// one built by Delegate is treated as an unhandled failure: the reservation's concurrency/memory permits
// are released but rate windows are only refunded per the limiter's
// RefundOnUnhandledFailure setting (spec.md §9).
type Executor func(ctx context.Context, model types.ModelId, reservation *types.Reservation) (types.ResourceAmounts, error)

// JobSpec describes one admission request.
type JobSpec struct {
	ID      string
	JobType types.JobTypeId

	// Models is the escalation order: tried first-to-last.
	Models []types.ModelId

	Amounts types.ResourceAmounts

	// MaxWaitMS optionally bounds, per model, how long to wait for that
	// model's job-type allocation to free up before moving on to the
	// next model. A model absent from this map (or mapped to <= 0) is
	// tried once, non-blocking.
	MaxWaitMS map[types.ModelId]int64
}

// Result is returned by a successful Run.
type Result struct {
	Model       types.ModelId
	TriedModels []types.ModelId
	Actual      types.ResourceAmounts
}

// Backend is the optional cluster-wide pool a Scheduler consults once a
// model's local job-type reservation succeeds (C8.acquire, spec.md §4.6
// reserve(M)) and reports into once a job finishes (C8.release, commit(M)).
// A nil Backend means standalone: no cluster-wide ceiling on top of the
// per-instance one.
type Backend interface {
	Acquire(ctx context.Context, model types.ModelId, amounts types.ResourceAmounts) error
	Release(ctx context.Context, model types.ModelId, reserved, actual types.ResourceAmounts)
}

// trackedJob pairs an ActiveJobInfo with its own mutex, since it's
// mutated by the goroutine running Run while ActiveJobs may read it
// concurrently from another goroutine.
type trackedJob struct {
	mu   sync.Mutex
	info types.ActiveJobInfo
}

func (j *trackedJob) update(fn func(*types.ActiveJobInfo)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.info)
}

func (j *trackedJob) snapshot() types.ActiveJobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.info
}

// Scheduler drives jobs through their escalation order against a set of
// per-model job-type allocators (spec.md §4.6).
type Scheduler struct {
	allocators map[types.ModelId]*jtm.Allocator
	backend    Backend

	mu     sync.Mutex
	active map[string]*trackedJob

	now          func() time.Time
	pollInterval time.Duration
}

// New builds a Scheduler over the given per-model allocators. backend may
// be nil, in which case admission is purely local.
func New(allocators map[types.ModelId]*jtm.Allocator, backend Backend) *Scheduler {
	return &Scheduler{
		allocators:   allocators,
		backend:      backend,
		active:       make(map[string]*trackedJob),
		now:          time.Now,
		pollInterval: 50 * time.Millisecond,
	}
}

// ActiveJobs returns a snapshot of every job currently tracked by Run.
func (s *Scheduler) ActiveJobs() []types.ActiveJobInfo {
	s.mu.Lock()
	jobs := make([]*trackedJob, 0, len(s.active))
	for _, j := range s.active {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]types.ActiveJobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Run walks job through its escalation order: for each model, it tries
// (and, if MaxWaitMS is configured for that model, waits for) a job-type
// reservation, then invokes exec. The first model that both reserves
// capacity and whose exec call succeeds wins. A model without capacity,
// or whose exec delegates, escalates to the next model; any other exec
// error fails the job at once. Returns ErrAllModelsExhausted if every
// model was tried without success.
func (s *Scheduler) Run(ctx context.Context, job JobSpec, exec Executor) (*Result, error) {
	tj := &trackedJob{info: types.ActiveJobInfo{
		JobID:    job.ID,
		JobType:  job.JobType,
		Status:   types.JobWaitingForCapacity,
		QueuedAt: s.now(),
	}}
	s.track(job.ID, tj)
	defer s.untrack(job.ID)

	var triedModels []types.ModelId

	for _, model := range job.Models {
		model := model
		triedModels = append(triedModels, model)
		tj.update(func(info *types.ActiveJobInfo) {
			info.TriedModels = append(info.TriedModels, model)
			info.CurrentModelID = &model
		})

		alloc, ok := s.allocators[model]
		if !ok {
			log.Warn().Str("job", job.ID).Str("model", string(model)).Msg("escalation: no allocator configured for model, skipping")
			continue
		}

		reservation, err := s.reserveWithWait(ctx, alloc, job, model, tj)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Str("job", job.ID).Str("model", string(model)).Err(err).Msg("escalation: model unavailable, trying next")
			continue
		}

		if s.backend != nil {
			if err := s.backend.Acquire(ctx, model, job.Amounts); err != nil {
				alloc.Refund(job.JobType, reservation)
				log.Debug().Str("job", job.ID).Str("model", string(model)).Err(err).Msg("escalation: cluster-wide pool exhausted, trying next")
				continue
			}
		}

		startedAt := s.now()
		tj.update(func(info *types.ActiveJobInfo) {
			info.Status = types.JobProcessing
			info.StartedAt = &startedAt
		})

		actual, execErr := runExec(ctx, exec, model, reservation)

		var delegate *delegateError
		if errors.As(execErr, &delegate) {
			alloc.Commit(job.JobType, reservation, delegate.usage)
			if s.backend != nil {
				s.backend.Release(ctx, model, job.Amounts, delegate.usage)
			}
			log.Debug().Str("job", job.ID).Str("model", string(model)).Msg("escalation: model delegated, trying next")
			continue
		}
		if execErr != nil {
			alloc.AbandonAfterUnhandledFailure(job.JobType, reservation)
			if s.backend != nil {
				s.backend.Release(ctx, model, job.Amounts, types.ResourceAmounts{})
			}
			return nil, fmt.Errorf("job %s failed on model %s: %w", job.ID, model, execErr)
		}

		alloc.Commit(job.JobType, reservation, actual)
		if s.backend != nil {
			s.backend.Release(ctx, model, job.Amounts, actual)
		}
		return &Result{Model: model, TriedModels: triedModels, Actual: actual}, nil
	}

	return nil, fmt.Errorf("%w: tried %v", ErrAllModelsExhausted, job.Models)
}

// runExec recovers a panicking Executor into an error so one misbehaving
// callback can't take down the scheduler goroutine.
func runExec(ctx context.Context, exec Executor, model types.ModelId, reservation *types.Reservation) (actual types.ResourceAmounts, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job callback panicked: %v", p)
		}
	}()
	return exec(ctx, model, reservation)
}

// reserveWithWait tries a single non-blocking admission; if it fails and
// job.MaxWaitMS names a positive wait for this model, it polls until
// either admission succeeds, the wait expires, or ctx is cancelled.
func (s *Scheduler) reserveWithWait(ctx context.Context, alloc *jtm.Allocator, job JobSpec, model types.ModelId, tj *trackedJob) (*types.Reservation, error) {
	r, err := alloc.TryAdmit(job.JobType, job.Amounts)
	if err == nil {
		return r, nil
	}

	maxWaitMS, configured := job.MaxWaitMS[model]
	if !configured || maxWaitMS <= 0 {
		return nil, err
	}

	waitStart := s.now()
	deadline := waitStart.Add(time.Duration(maxWaitMS) * time.Millisecond)
	tj.update(func(info *types.ActiveJobInfo) {
		info.Status = types.JobWaitingOnModel
		info.WaitStartedAt = &waitStart
		mw := maxWaitMS
		info.MaxWaitMS = &mw
		info.TimeoutAt = &deadline
	})

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastErr := err
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if s.now().After(deadline) {
				return nil, lastErr
			}
			r, tryErr := alloc.TryAdmit(job.JobType, job.Amounts)
			if tryErr == nil {
				return r, nil
			}
			lastErr = tryErr
		}
	}
}

func (s *Scheduler) track(id string, tj *trackedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = tj
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
