package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/progress"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *miniredis.Miniredis, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kvClient := kv.NewFromClient(rdb, "EMERGENCY_STOP")
	pub := progress.NewPublisher(kvClient, time.Hour)
	d := New(kvClient, pub, Config{
		HighQueue:    "high",
		DefaultQueue: "default",
		LowQueue:     "low",
		DeadQueue:    "dead",
		MaxRetries:   3,
		RetryBase:    15 * time.Second,
	})
	return d, mr, kvClient
}

func TestEnqueueWritesEnvelopeAndSnapshot(t *testing.T) {
	d, mr, _ := newTestDispatcher(t)
	ctx := context.Background()

	envelope, err := d.Enqueue(ctx, "doc-1", types.PriorityDefault, "user-1", []string{"abc"})
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.JobID)
	assert.Equal(t, 3, envelope.MaxRetries)
	assert.Equal(t, "dead", envelope.DLQName)
	assert.Equal(t, SchemaVersion, envelope.SchemaVersion)

	items, err := mr.List("default")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var stored types.JobEnvelope
	require.NoError(t, json.Unmarshal([]byte(items[0]), &stored))
	assert.Equal(t, envelope.JobID, stored.JobID)
	assert.Equal(t, "doc-1", stored.DocumentID)
	assert.Equal(t, 0, stored.RetryCount)

	raw, err := mr.Get(progress.Key(envelope.JobID))
	require.NoError(t, err)
	var snapshot types.ProgressSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snapshot))
	assert.Equal(t, types.JobQueued, snapshot.State)
	assert.Equal(t, 0.0, snapshot.Progress)
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Enqueue(context.Background(), "doc-1", types.Priority("urgent"), "", nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestEnqueueHaltedByEmergencyStop(t *testing.T) {
	d, mr, kvClient := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, kvClient.EngageEmergencyStop(ctx))
	_, err := d.Enqueue(ctx, "doc-1", types.PriorityHigh, "", nil)
	assert.ErrorIs(t, err, errdefs.ErrQueueHalted)

	items, _ := mr.List("high")
	assert.Empty(t, items)
}

func TestRetryDelayBounds(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	for attempt := 0; attempt < 4; attempt++ {
		base := 15 * time.Second * time.Duration(1<<uint(attempt))
		for i := 0; i < 50; i++ {
			delay := d.RetryDelay(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.75))
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.25))
		}
	}
}

func TestScheduleRetryParksEnvelope(t *testing.T) {
	d, mr, _ := newTestDispatcher(t)
	ctx := context.Background()

	envelope := &types.JobEnvelope{
		JobID:      "job-1",
		DocumentID: "doc-1",
		Priority:   types.PriorityDefault,
		MaxRetries: 3,
	}
	scheduled, err := d.ScheduleRetry(ctx, envelope, "transient: boom")
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.Equal(t, 1, envelope.RetryCount)

	members, err := mr.ZMembers("default:scheduled")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRetryExhaustionRoutesToDeadExactlyOnce(t *testing.T) {
	d, mr, _ := newTestDispatcher(t)
	ctx := context.Background()

	envelope := &types.JobEnvelope{
		JobID:      "job-1",
		DocumentID: "doc-1",
		Priority:   types.PriorityDefault,
		MaxRetries: 3,
	}

	attempts := 0
	for {
		scheduled, err := d.ScheduleRetry(ctx, envelope, "transient failure")
		require.NoError(t, err)
		if !scheduled {
			break
		}
		attempts++
		require.LessOrEqual(t, attempts, 3, "retry budget must be bounded")
	}
	assert.Equal(t, 3, attempts)
	assert.LessOrEqual(t, envelope.RetryCount, envelope.MaxRetries)

	dead, err := mr.List("dead")
	require.NoError(t, err)
	require.Len(t, dead, 1)

	var deadEnvelope types.JobEnvelope
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &deadEnvelope))
	assert.Equal(t, "transient failure", deadEnvelope.FailedReason)

	// Final snapshot is terminal failed.
	raw, err := mr.Get(progress.Key("job-1"))
	require.NoError(t, err)
	var snapshot types.ProgressSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snapshot))
	assert.Equal(t, types.JobFailed, snapshot.State)
}

func TestPumpScheduledMovesDueEnvelopes(t *testing.T) {
	d, mr, kvClient := newTestDispatcher(t)
	ctx := context.Background()

	envelope := &types.JobEnvelope{
		JobID:      "job-1",
		DocumentID: "doc-1",
		Priority:   types.PriorityLow,
		MaxRetries: 3,
	}
	scheduled, err := d.ScheduleRetry(ctx, envelope, "boom")
	require.NoError(t, err)
	require.True(t, scheduled)

	// Not yet due: the earliest possible delay for attempt 0 is ~11s out.
	require.NoError(t, d.PumpScheduled(ctx))
	items, _ := mr.List("low")
	assert.Empty(t, items)

	// Force the entry due by rewriting its score into the past.
	members, err := mr.ZMembers("low:scheduled")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.NoError(t, kvClient.Redis().ZAdd(ctx, "low:scheduled", redis.Z{Score: 0, Member: members[0]}).Err())

	require.NoError(t, d.PumpScheduled(ctx))
	items, err = mr.List("low")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	popped, err := d.Pop(ctx, "low")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "job-1", popped.JobID)
	assert.Equal(t, 1, popped.RetryCount)
}

func TestPopEmptyQueueReturnsNil(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	envelope, err := d.Pop(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, envelope)
}

func TestDepths(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Enqueue(ctx, "doc-1", types.PriorityHigh, "", nil)
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "doc-2", types.PriorityHigh, "", nil)
	require.NoError(t, err)

	depths, err := d.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths["high"])
	assert.Equal(t, int64(0), depths["default"])
	assert.Equal(t, int64(0), depths["dead"])
}
