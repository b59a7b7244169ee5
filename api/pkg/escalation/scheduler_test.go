package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/api/pkg/jtm"
	"github.com/modelgate/modelgate/api/pkg/limiter"
	"github.com/modelgate/modelgate/api/pkg/ptr"
	"github.com/modelgate/modelgate/api/pkg/semaphore"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// fakeBackend is a minimal in-memory Backend, exercising the same
// acquire-before-exec/release-at-commit contract the distributed package
// implements against Redis, without needing one running.
type fakeBackend struct {
	mu       sync.Mutex
	deny     map[types.ModelId]bool
	acquired []types.ModelId
	released []types.ResourceAmounts
}

func (b *fakeBackend) Acquire(ctx context.Context, model types.ModelId, amounts types.ResourceAmounts) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deny[model] {
		return errors.New("cluster-wide capacity exceeded")
	}
	b.acquired = append(b.acquired, model)
	return nil
}

func (b *fakeBackend) Release(ctx context.Context, model types.ModelId, reserved, actual types.ResourceAmounts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, actual)
}

func newAllocator(model types.ModelId, totalSlots int64) *jtm.Allocator {
	mem := semaphore.New(1_000_000)
	lim := limiter.New(model, types.ModelConfig{MaxConcurrentRequests: ptr.To(totalSlots)}, mem)
	a := jtm.NewAllocator(model, totalSlots, lim, nil)
	a.RegisterJobType("chat", types.ResourceEstimation{Ratio: types.RatioConfig{InitialValue: 1.0}})
	return a
}

func TestScheduler_SucceedsOnFirstModel(t *testing.T) {
	s := New(map[types.ModelId]*jtm.Allocator{
		"gpt": newAllocator("gpt", 10),
	}, nil)

	result, err := s.Run(context.Background(), JobSpec{
		ID:      "j1",
		JobType: "chat",
		Models:  []types.ModelId{"gpt"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("gpt"), result.Model)
	assert.Equal(t, []types.ModelId{"gpt"}, result.TriedModels)
}

func TestScheduler_EscalatesWhenFirstModelHasNoCapacity(t *testing.T) {
	full := newAllocator("gpt", 1)
	// Exhaust gpt's only slot.
	r, err := full.TryAdmit("chat", types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)
	_ = r

	s := New(map[types.ModelId]*jtm.Allocator{
		"gpt":    full,
		"claude": newAllocator("claude", 10),
	}, nil)

	result, err := s.Run(context.Background(), JobSpec{
		ID:      "j2",
		JobType: "chat",
		Models:  []types.ModelId{"gpt", "claude"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("claude"), result.Model)
	assert.Equal(t, []types.ModelId{"gpt", "claude"}, result.TriedModels)
}

func TestScheduler_FailsWithAllModelsExhausted(t *testing.T) {
	full := newAllocator("gpt", 1)
	_, err := full.TryAdmit("chat", types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)

	s := New(map[types.ModelId]*jtm.Allocator{"gpt": full}, nil)

	_, err = s.Run(context.Background(), JobSpec{
		ID:      "j3",
		JobType: "chat",
		Models:  []types.ModelId{"gpt"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		t.Fatal("exec must not run when no model has capacity")
		return types.ResourceAmounts{}, nil
	})

	assert.ErrorIs(t, err, ErrAllModelsExhausted)
}

func TestScheduler_WaitsForCapacityWithinMaxWait(t *testing.T) {
	full := newAllocator("gpt", 1)
	r, err := full.TryAdmit("chat", types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)

	s := New(map[types.ModelId]*jtm.Allocator{
		"gpt":    full,
		"claude": newAllocator("claude", 10),
	}, nil)
	s.pollInterval = 5 * time.Millisecond

	// Free up gpt's slot shortly after the wait starts, before maxWaitMS
	// expires, so the job should succeed on gpt rather than escalating.
	go func() {
		time.Sleep(20 * time.Millisecond)
		full.Refund("chat", r)
	}()

	result, err := s.Run(context.Background(), JobSpec{
		ID:        "j4",
		JobType:   "chat",
		Models:    []types.ModelId{"gpt", "claude"},
		Amounts:   types.ResourceAmounts{Requests: 1},
		MaxWaitMS: map[types.ModelId]int64{"gpt": 200},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("gpt"), result.Model)
}

func TestScheduler_WaitTimesOutAndEscalates(t *testing.T) {
	full := newAllocator("gpt", 1)
	_, err := full.TryAdmit("chat", types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)

	s := New(map[types.ModelId]*jtm.Allocator{
		"gpt":    full,
		"claude": newAllocator("claude", 10),
	}, nil)
	s.pollInterval = 5 * time.Millisecond

	result, err := s.Run(context.Background(), JobSpec{
		ID:        "j5",
		JobType:   "chat",
		Models:    []types.ModelId{"gpt", "claude"},
		Amounts:   types.ResourceAmounts{Requests: 1},
		MaxWaitMS: map[types.ModelId]int64{"gpt": 30},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("claude"), result.Model)
}

func TestScheduler_UnhandledFailureAbandonsReservationAndReturnsError(t *testing.T) {
	alloc := newAllocator("gpt", 10)
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": alloc}, nil)

	execErr := errors.New("provider connection reset")
	_, err := s.Run(context.Background(), JobSpec{
		ID:      "j6",
		JobType: "chat",
		Models:  []types.ModelId{"gpt"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{}, execErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, execErr)
	// The reservation must have been released so a subsequent job can run.
	assert.Equal(t, float64(0), alloc.Load("chat"))
}

func TestScheduler_PanicInExecutorIsRecoveredAsError(t *testing.T) {
	alloc := newAllocator("gpt", 10)
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": alloc}, nil)

	_, err := s.Run(context.Background(), JobSpec{
		ID:      "j7",
		JobType: "chat",
		Models:  []types.ModelId{"gpt"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestScheduler_DelegateCommitsActualsAndEscalatesWithoutFailing(t *testing.T) {
	gpt := newAllocator("gpt", 10)
	claude := newAllocator("claude", 10)
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": gpt, "claude": claude}, nil)

	result, err := s.Run(context.Background(), JobSpec{
		ID:      "j9",
		JobType: "chat",
		Models:  []types.ModelId{"gpt", "claude"},
		Amounts: types.ResourceAmounts{Requests: 1, Tokens: 100},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		if model == "gpt" {
			return types.ResourceAmounts{}, Delegate(types.ResourceAmounts{Requests: 1, Tokens: 40})
		}
		return types.ResourceAmounts{Requests: 1, Tokens: 100}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("claude"), result.Model)
	assert.Equal(t, []types.ModelId{"gpt", "claude"}, result.TriedModels)
	// gpt's reservation must have been committed (released), not leaked.
	assert.Equal(t, float64(0), gpt.Load("chat"))
}

func TestScheduler_ActiveJobsReflectsInFlightState(t *testing.T) {
	alloc := newAllocator("gpt", 10)
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": alloc}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _ = s.Run(context.Background(), JobSpec{
			ID:      "j8",
			JobType: "chat",
			Models:  []types.ModelId{"gpt"},
			Amounts: types.ResourceAmounts{Requests: 1},
		}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
			close(started)
			<-release
			return types.ResourceAmounts{Requests: 1}, nil
		})
		close(done)
	}()

	<-started
	jobs := s.ActiveJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobProcessing, jobs[0].Status)
	assert.Equal(t, types.ModelId("gpt"), *jobs[0].CurrentModelID)

	close(release)
	<-done
	assert.Empty(t, s.ActiveJobs())
}

func TestScheduler_CommitReleasesActualUsageToBackend(t *testing.T) {
	alloc := newAllocator("gpt", 10)
	backend := &fakeBackend{}
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": alloc}, backend)

	result, err := s.Run(context.Background(), JobSpec{
		ID:      "j10",
		JobType: "chat",
		Models:  []types.ModelId{"gpt"},
		Amounts: types.ResourceAmounts{Requests: 1, Tokens: 500},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1, Tokens: 300}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("gpt"), result.Model)
	assert.Equal(t, []types.ModelId{"gpt"}, backend.acquired)
	require.Len(t, backend.released, 1)
	assert.Equal(t, int64(300), backend.released[0].Tokens)
}

func TestScheduler_BackendDenialEscalatesAndRefundsLocalReservation(t *testing.T) {
	gpt := newAllocator("gpt", 10)
	claude := newAllocator("claude", 10)
	backend := &fakeBackend{deny: map[types.ModelId]bool{"gpt": true}}
	s := New(map[types.ModelId]*jtm.Allocator{"gpt": gpt, "claude": claude}, backend)

	result, err := s.Run(context.Background(), JobSpec{
		ID:      "j11",
		JobType: "chat",
		Models:  []types.ModelId{"gpt", "claude"},
		Amounts: types.ResourceAmounts{Requests: 1},
	}, func(ctx context.Context, model types.ModelId, r *types.Reservation) (types.ResourceAmounts, error) {
		return types.ResourceAmounts{Requests: 1}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, types.ModelId("claude"), result.Model)
	// gpt's local reservation must have been refunded after the cluster-wide
	// acquire was denied, so it doesn't hold a phantom slot.
	assert.Equal(t, float64(0), gpt.Load("chat"))
}
