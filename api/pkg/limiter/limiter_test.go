package limiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/api/pkg/ptr"
	"github.com/modelgate/modelgate/api/pkg/semaphore"
	"github.com/modelgate/modelgate/api/pkg/types"
)

type recordedUpdate struct {
	model  types.ModelId
	reason types.AvailabilityReason
	avail  types.Availability
	adj    *types.Adjustment
}

type fakeTracker struct {
	updates []recordedUpdate
}

func (f *fakeTracker) Update(model types.ModelId, reason types.AvailabilityReason, current types.Availability, adjustment *types.Adjustment) {
	f.updates = append(f.updates, recordedUpdate{model, reason, current, adjustment})
}

func fullConfig() types.ModelConfig {
	return types.ModelConfig{
		RequestsPerMinute:     ptr.To(int64(10)),
		TokensPerMinute:       ptr.To(int64(1000)),
		MaxConcurrentRequests: ptr.To(int64(2)),
	}
}

func TestLimiter_TryReserveCommitRoundTrip(t *testing.T) {
	mem := semaphore.New(10_000)
	l := New("gpt", fullConfig(), mem)

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 100, MemoryKB: 500})
	require.NoError(t, err)
	require.True(t, r.HasConcurrency)

	l.Commit(r, types.ResourceAmounts{Requests: 1, Tokens: 120})

	avail := l.Availability()
	assert.Equal(t, int64(880), *avail.TokensPerMinute)
	assert.Equal(t, int64(10_000), mem.Available())
	assert.Equal(t, int64(2), *avail.ConcurrentRequests)
}

func TestLimiter_TryReserveFailsFastAtConcurrencyLimit(t *testing.T) {
	mem := semaphore.New(10_000)
	l := New("gpt", types.ModelConfig{MaxConcurrentRequests: ptr.To(int64(1))}, mem)

	r1, err := l.TryReserve(types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)

	_, err = l.TryReserve(types.ResourceAmounts{Requests: 1})
	assert.ErrorIs(t, err, ErrAtCapacity)

	l.Refund(r1)
	_, err = l.TryReserve(types.ResourceAmounts{Requests: 1})
	assert.NoError(t, err)
}

func TestLimiter_UnwindsPartialReservationOnLaterDimensionFailure(t *testing.T) {
	mem := semaphore.New(10_000)
	l := New("gpt", types.ModelConfig{
		RequestsPerMinute: ptr.To(int64(100)),
		TokensPerMinute:   ptr.To(int64(10)),
	}, mem)

	_, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 11})
	assert.ErrorIs(t, err, ErrAtCapacity)

	// Requests dimension must have been unwound even though it succeeded
	// before tokens failed.
	avail := l.Availability()
	assert.Equal(t, int64(100), *avail.RequestsPerMinute)
}

func TestLimiter_RefundReleasesEverythingReservedIncludingMemory(t *testing.T) {
	mem := semaphore.New(1_000)
	l := New("gpt", fullConfig(), mem)

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 10, MemoryKB: 1_000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), mem.Available())

	l.Refund(r)
	assert.Equal(t, int64(1_000), mem.Available())

	avail := l.Availability()
	assert.Equal(t, int64(10), *avail.RequestsPerMinute)
	assert.Equal(t, int64(1_000), *avail.TokensPerMinute)
}

func TestLimiter_AbandonAfterUnhandledFailureDefaultKeepsRateWindowReserved(t *testing.T) {
	mem := semaphore.New(1_000)
	l := New("gpt", fullConfig(), mem)

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 10, MemoryKB: 500})
	require.NoError(t, err)

	l.AbandonAfterUnhandledFailure(r)

	avail := l.Availability()
	// Requests/tokens were NOT refunded: the reservation still counts.
	assert.Equal(t, int64(9), *avail.RequestsPerMinute)
	assert.Equal(t, int64(990), *avail.TokensPerMinute)
	// But concurrency and memory are always released.
	assert.Equal(t, int64(2), *avail.ConcurrentRequests)
	assert.Equal(t, int64(1_000), mem.Available())
}

func TestLimiter_AbandonAfterUnhandledFailureWithOptionRefundsEverything(t *testing.T) {
	mem := semaphore.New(1_000)
	l := New("gpt", fullConfig(), mem, WithRefundOnUnhandledFailure(true))

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 10, MemoryKB: 500})
	require.NoError(t, err)

	l.AbandonAfterUnhandledFailure(r)

	avail := l.Availability()
	assert.Equal(t, int64(10), *avail.RequestsPerMinute)
	assert.Equal(t, int64(1000), *avail.TokensPerMinute)
}

func TestLimiter_HasCapacityIsNonMutating(t *testing.T) {
	mem := semaphore.New(1_000)
	l := New("gpt", fullConfig(), mem)

	assert.True(t, l.HasCapacity(types.ResourceAmounts{Requests: 5, Tokens: 500, MemoryKB: 100}))
	// Calling HasCapacity must not reserve anything.
	avail := l.Availability()
	assert.Equal(t, int64(10), *avail.RequestsPerMinute)
}

func TestLimiter_EmitsAvailabilityUpdatesToTracker(t *testing.T) {
	mem := semaphore.New(1_000)
	tracker := &fakeTracker{}
	l := New("gpt", fullConfig(), mem, WithTracker(tracker))

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 10})
	require.NoError(t, err)
	l.Commit(r, types.ResourceAmounts{Requests: 1, Tokens: 10})

	require.Len(t, tracker.updates, 2)
	assert.Equal(t, types.ModelId("gpt"), tracker.updates[0].model)
	assert.Equal(t, types.ReasonAdjustment, tracker.updates[1].reason)
	require.NotNil(t, tracker.updates[1].adj)
	assert.Equal(t, int64(0), tracker.updates[1].adj.Tokens)
}

func TestLimiter_OverageCallbackFiresOnlyWhenActualExceedsReserved(t *testing.T) {
	mem := semaphore.New(10_000)
	var events []OverageEvent
	l := New("gpt", fullConfig(), mem, WithOverageCallback(func(model types.ModelId, e OverageEvent) {
		assert.Equal(t, types.ModelId("gpt"), model)
		events = append(events, e)
	}))

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 100})
	require.NoError(t, err)
	l.Commit(r, types.ResourceAmounts{Requests: 1, Tokens: 150})

	require.Len(t, events, 1)
	assert.Equal(t, "tokens", events[0].ResourceType)
	assert.Equal(t, int64(100), events[0].Estimated)
	assert.Equal(t, int64(150), events[0].Actual)
	assert.Equal(t, int64(50), events[0].Overage)
}

func TestLimiter_OverageCallbackSilentOnUnderOrExactUsage(t *testing.T) {
	mem := semaphore.New(10_000)
	var events []OverageEvent
	l := New("gpt", fullConfig(), mem, WithOverageCallback(func(model types.ModelId, e OverageEvent) {
		events = append(events, e)
	}))

	r, err := l.TryReserve(types.ResourceAmounts{Requests: 1, Tokens: 100})
	require.NoError(t, err)
	l.Commit(r, types.ResourceAmounts{Requests: 1, Tokens: 80})

	assert.Empty(t, events)
}

func TestLimiter_SlotsZeroWhenAnyDimensionExhausted(t *testing.T) {
	mem := semaphore.New(1_000)
	l := New("gpt", types.ModelConfig{RequestsPerMinute: ptr.To(int64(1))}, mem)

	avail := l.Availability()
	assert.Equal(t, int64(1), avail.Slots)

	_, err := l.TryReserve(types.ResourceAmounts{Requests: 1})
	require.NoError(t, err)

	avail = l.Availability()
	assert.Equal(t, int64(0), avail.Slots)
}
