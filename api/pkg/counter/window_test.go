package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_ReserveCommitRoundTrip(t *testing.T) {
	w := New(100, 60_000)

	r := w.Reserve(40)
	require.NotNil(t, r)
	assert.Equal(t, int64(40), w.Current())

	w.Commit(r, 40)
	assert.Equal(t, int64(40), w.Current())
}

func TestWindow_ReserveRefundRestoresExactly(t *testing.T) {
	w := New(100, 60_000)

	r := w.Reserve(40)
	require.NotNil(t, r)

	w.Refund(r)
	assert.Equal(t, int64(0), w.Current())
}

func TestWindow_ReserveFailsAtLimit(t *testing.T) {
	w := New(100, 60_000)

	require.NotNil(t, w.Reserve(100))
	assert.Nil(t, w.Reserve(1))
	assert.Equal(t, int64(100), w.Current())
}

func TestWindow_OverageAbsorbedIntoCurrentWindow(t *testing.T) {
	w := New(100, 60_000)

	r := w.Reserve(10)
	require.NotNil(t, r)

	// Actual usage came in higher than estimated.
	w.Commit(r, 15)
	assert.Equal(t, int64(15), w.Current())
}

func TestWindow_RollOverResetsCurrentAndDropsStaleRefund(t *testing.T) {
	fakeNow := time.Now()
	w := New(100, 1000)
	w.now = func() time.Time { return fakeNow }

	r := w.Reserve(50)
	require.NotNil(t, r)
	assert.Equal(t, int64(50), w.Current())

	// Advance past the window boundary.
	fakeNow = fakeNow.Add(2 * time.Second)

	// The window rolled, so current resets to zero...
	assert.Equal(t, int64(0), w.Current())

	// ...and a commit against the reservation made in the old window only
	// applies if it's an overage (positive delta); a refund (delta<0 or
	// delta==0) against the rolled window is dropped.
	w.Commit(r, 0)
	assert.Equal(t, int64(0), w.Current())
}

func TestWindow_OverageAppliedEvenAfterRoll(t *testing.T) {
	fakeNow := time.Now()
	w := New(100, 1000)
	w.now = func() time.Time { return fakeNow }

	r := w.Reserve(10)
	require.NotNil(t, r)

	fakeNow = fakeNow.Add(2 * time.Second)

	// Actual usage reported after the window rolled still has to account
	// for overage against the NEW window, per spec.md §4.1.
	w.Commit(r, 30)
	assert.Equal(t, int64(20), w.Current())
}

func TestWindow_ResetsInMs(t *testing.T) {
	fakeNow := time.Now()
	w := New(100, 60_000)
	w.now = func() time.Time { return fakeNow }
	w.windowStart = nowMS(fakeNow)

	fakeNow = fakeNow.Add(10 * time.Second)
	resets := w.ResetsInMs()
	assert.InDelta(t, 50_000, resets, 50)
}

func TestWindow_HasCapacityIsAdvisory(t *testing.T) {
	w := New(10, 60_000)
	assert.True(t, w.HasCapacity(10))
	assert.False(t, w.HasCapacity(11))

	require.NotNil(t, w.Reserve(10))
	assert.False(t, w.HasCapacity(1))
}
