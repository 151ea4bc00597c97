package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, "EMERGENCY_STOP"), mr
}

func TestEmergencyStopRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	stopped, err := client.EmergencyStopped(ctx)
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, client.EngageEmergencyStop(ctx))
	stopped, err = client.EmergencyStopped(ctx)
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, client.ReleaseEmergencyStop(ctx))
	stopped, err = client.EmergencyStopped(ctx)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestRecordJobDurationBoundsRing(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < DurationWindow+50; i++ {
		require.NoError(t, client.RecordJobDuration(ctx, float64(i)))
	}

	values, err := mr.List(DurationsKey)
	require.NoError(t, err)
	assert.Len(t, values, DurationWindow)
	// Newest first.
	assert.Equal(t, "249", values[0])
}

func TestEstimateP95EmptyYieldsCap(t *testing.T) {
	client, _ := newTestClient(t)
	cap := 35 * time.Second
	assert.Equal(t, cap, client.EstimateP95(context.Background(), cap))
}

func TestEstimateP95FromSamples(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	// 100 samples of 1..100 seconds: the ceil(0.95*100)-th sample is 95s.
	for i := 1; i <= 100; i++ {
		require.NoError(t, client.RecordJobDuration(ctx, float64(i)))
	}
	estimate := client.EstimateP95(ctx, 10*time.Minute)
	assert.Equal(t, 95*time.Second, estimate)
}

func TestEstimateP95CappedAtEdgeBudget(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.RecordJobDuration(ctx, 600))
	estimate := client.EstimateP95(ctx, 35*time.Second)
	assert.Equal(t, 35*time.Second, estimate)
}
