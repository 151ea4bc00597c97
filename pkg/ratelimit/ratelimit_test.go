package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTime drives the limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.now = f.now.Add(d)
	return nil
}

func newFakeLimiter(rate float64, capacity int) (*Limiter, *fakeTime) {
	ft := &fakeTime{now: time.Unix(1700000000, 0)}
	l := New(rate, capacity, WithClock(ft.Now), WithSleeper(ft.Sleep))
	return l, ft
}

func TestAcquireWithinCapacityDoesNotSleep(t *testing.T) {
	l, _ := newFakeLimiter(10, 10)

	for i := 0; i < 10; i++ {
		waited, err := l.Acquire(context.Background(), 1)
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
}

func TestAcquireSleepsOnDeficit(t *testing.T) {
	l, _ := newFakeLimiter(2, 2)
	ctx := context.Background()

	// Drain the bucket.
	_, err := l.Acquire(ctx, 2)
	require.NoError(t, err)

	// Next token requires half a second of refill at 2 tokens/sec.
	waited, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 500*time.Millisecond, waited, float64(50*time.Millisecond))
}

func TestSustainedRateIntroducesProportionalSleep(t *testing.T) {
	l, ft := newFakeLimiter(5, 5)
	ctx := context.Background()
	start := ft.now

	// 20 tokens at 5/sec: after the initial burst of 5, the remaining 15
	// must wait ~3 seconds in aggregate.
	var total time.Duration
	for i := 0; i < 20; i++ {
		waited, err := l.Acquire(ctx, 1)
		require.NoError(t, err)
		total += waited
	}
	assert.InDelta(t, 3*time.Second, total, float64(250*time.Millisecond))
	assert.InDelta(t, 3*time.Second, ft.now.Sub(start), float64(250*time.Millisecond))
}

func TestZeroRateIsNoop(t *testing.T) {
	l, _ := newFakeLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		waited, err := l.Acquire(context.Background(), 1)
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
}

func TestNegativeRateIsNoop(t *testing.T) {
	l := New(-1, 0)
	waited, err := l.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, waited)
}

func TestAcquireBeyondCapacityFails(t *testing.T) {
	l, _ := newFakeLimiter(1, 2)
	_, err := l.Acquire(context.Background(), 3)
	assert.Error(t, err)
}

func TestAcquireZeroTokensIsNoop(t *testing.T) {
	l, _ := newFakeLimiter(1, 1)
	waited, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, waited)
}
