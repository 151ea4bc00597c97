// Package queue implements the priority-queued work dispatcher: enqueue with
// retry policy, delayed rescheduling, dead-letter routing, and the emergency
// stop gate. The dispatcher is a library invoked by both API handlers and
// workers, not a process of its own.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/progress"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// SchemaVersion is stamped into every envelope.
const SchemaVersion = 2

// WorkerVersion identifies the envelope producer build.
const WorkerVersion = "ledgerlift/1"

// Config holds dispatcher configuration.
type Config struct {
	HighQueue    string
	DefaultQueue string
	LowQueue     string
	DeadQueue    string
	MaxRetries   int
	RetryBase    time.Duration // base of the exponential retry schedule
	P95EdgeBudget time.Duration // cap on the p95 hint stamped into envelopes
}

// Dispatcher writes envelopes to the priority queues and manages retry and
// dead-letter routing.
type Dispatcher struct {
	kv       *kv.Client
	progress *progress.Publisher
	cfg      Config
	logger   zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Dispatcher.
func New(kvClient *kv.Client, pub *progress.Publisher, cfg Config) *Dispatcher {
	if cfg.HighQueue == "" {
		cfg.HighQueue = "high"
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = "default"
	}
	if cfg.LowQueue == "" {
		cfg.LowQueue = "low"
	}
	if cfg.DeadQueue == "" {
		cfg.DeadQueue = "dead"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 15 * time.Second
	}
	if cfg.P95EdgeBudget <= 0 {
		cfg.P95EdgeBudget = 35 * time.Second
	}
	return &Dispatcher{
		kv:       kvClient,
		progress: pub,
		cfg:      cfg,
		logger:   log.WithComponent("queue"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// QueueName maps a priority to its configured queue name.
func (d *Dispatcher) QueueName(priority types.Priority) string {
	switch priority {
	case types.PriorityHigh:
		return d.cfg.HighQueue
	case types.PriorityLow:
		return d.cfg.LowQueue
	default:
		return d.cfg.DefaultQueue
	}
}

func scheduledKey(queue string) string {
	return queue + ":scheduled"
}

// Enqueue builds an envelope for the document and pushes it onto the queue
// for its priority. Fails with ErrQueueHalted while the emergency stop is
// engaged. A `queued` progress snapshot is seeded before returning.
func (d *Dispatcher) Enqueue(ctx context.Context, documentID string, priority types.Priority, userID string, contentHashes []string) (*types.JobEnvelope, error) {
	if !priority.Valid() {
		return nil, errdefs.InvalidInput("unsupported priority %q", priority)
	}

	stopped, err := d.kv.EmergencyStopped(ctx)
	if err != nil {
		return nil, err
	}
	if stopped {
		return nil, errdefs.ErrQueueHalted
	}

	envelope := &types.JobEnvelope{
		JobID:         uuid.NewString(),
		DocumentID:    documentID,
		Priority:      priority,
		UserID:        userID,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		WorkerVersion: WorkerVersion,
		ContentHashes: contentHashes,
		P95HintMS:     int(d.kv.EstimateP95(ctx, d.cfg.P95EdgeBudget).Milliseconds()),
		MaxRetries:    d.cfg.MaxRetries,
		DLQName:       d.cfg.DeadQueue,
	}

	queueName := d.QueueName(priority)
	if err := d.push(ctx, queueName, envelope); err != nil {
		return nil, err
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(queueName).Inc()
	d.updateDepth(ctx, queueName)

	if d.progress != nil {
		snapshot := types.ProgressSnapshot{
			JobID:      envelope.JobID,
			State:      types.JobQueued,
			Progress:   0.0,
			Message:    "Job accepted",
			Timestamp:  time.Now().UTC(),
			Priority:   priority,
			DocumentID: documentID,
		}
		if err := d.progress.Write(ctx, snapshot); err != nil {
			d.logger.Warn().Err(err).Str("job_id", envelope.JobID).Msg("Failed to seed progress snapshot")
		}
	}

	d.logger.Info().
		Str("job_id", envelope.JobID).
		Str("document_id", documentID).
		Str("queue", queueName).
		Msg("Job enqueued")
	return envelope, nil
}

func (d *Dispatcher) push(ctx context.Context, queueName string, envelope *types.JobEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := d.kv.Redis().RPush(ctx, queueName, payload).Err(); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// RetryDelay computes the backoff before retry attempt i:
// base·2^i plus up to ±25% jitter.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	base := float64(d.cfg.RetryBase) * float64(int64(1)<<uint(attempt))
	d.rngMu.Lock()
	jitter := (d.rng.Float64()*0.5 - 0.25) * base
	d.rngMu.Unlock()
	return time.Duration(base + jitter)
}

// ScheduleRetry bumps the envelope's retry count and parks it on the
// scheduled set for its queue, due after the exponential backoff. When the
// retry budget is exhausted the envelope routes to the dead queue instead
// and ScheduleRetry reports false.
func (d *Dispatcher) ScheduleRetry(ctx context.Context, envelope *types.JobEnvelope, reason string) (bool, error) {
	if envelope.RetryCount >= envelope.MaxRetries {
		if err := d.RouteToDead(ctx, envelope, reason); err != nil {
			return false, err
		}
		return false, nil
	}

	delay := d.RetryDelay(envelope.RetryCount)
	envelope.RetryCount++

	queueName := d.QueueName(envelope.Priority)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := d.kv.Redis().ZAdd(ctx, scheduledKey(queueName), redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return false, errdefs.Transient(err)
	}

	metrics.QueueRetriesTotal.WithLabelValues(queueName).Inc()

	if d.progress != nil {
		snapshot := types.ProgressSnapshot{
			JobID:      envelope.JobID,
			State:      types.JobRetrying,
			Progress:   0.0,
			Message:    fmt.Sprintf("Retry %d/%d scheduled", envelope.RetryCount, envelope.MaxRetries),
			Timestamp:  time.Now().UTC(),
			DocumentID: envelope.DocumentID,
			Error:      reason,
		}
		if err := d.progress.Write(ctx, snapshot); err != nil {
			d.logger.Warn().Err(err).Str("job_id", envelope.JobID).Msg("Failed to write retrying snapshot")
		}
	}

	d.logger.Info().
		Str("job_id", envelope.JobID).
		Str("queue", queueName).
		Int("retry", envelope.RetryCount).
		Dur("delay", delay).
		Msg("Retry scheduled")
	return true, nil
}

// RouteToDead copies the envelope with its failure reason onto the dead
// queue and writes the terminal failed snapshot.
func (d *Dispatcher) RouteToDead(ctx context.Context, envelope *types.JobEnvelope, reason string) error {
	dead := *envelope
	dead.FailedReason = reason

	payload, err := json.Marshal(&dead)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := d.kv.Redis().RPush(ctx, d.cfg.DeadQueue, payload).Err(); err != nil {
		return errdefs.Transient(err)
	}

	sourceQueue := d.QueueName(envelope.Priority)
	metrics.DeadLetterTotal.WithLabelValues(sourceQueue).Inc()
	d.updateDepth(ctx, d.cfg.DeadQueue)

	if d.progress != nil {
		snapshot := types.ProgressSnapshot{
			JobID:      envelope.JobID,
			State:      types.JobFailed,
			Progress:   1.0,
			Message:    "Job routed to dead letter queue",
			Timestamp:  time.Now().UTC(),
			DocumentID: envelope.DocumentID,
			Error:      reason,
		}
		if err := d.progress.Write(ctx, snapshot); err != nil {
			d.logger.Warn().Err(err).Str("job_id", envelope.JobID).Msg("Failed to write failed snapshot")
		}
	}

	d.logger.Error().
		Str("job_id", envelope.JobID).
		Str("queue", sourceQueue).
		Str("reason", reason).
		Msg("Job routed to DLQ")
	return nil
}

// PumpScheduled moves due retries from the scheduled sets back onto their
// queues. Called from the worker loop head.
func (d *Dispatcher) PumpScheduled(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	for _, queueName := range []string{d.cfg.HighQueue, d.cfg.DefaultQueue, d.cfg.LowQueue} {
		key := scheduledKey(queueName)
		due, err := d.kv.Redis().ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return errdefs.Transient(err)
		}
		for _, member := range due {
			removed, err := d.kv.Redis().ZRem(ctx, key, member).Result()
			if err != nil {
				return errdefs.Transient(err)
			}
			// Another worker may have pumped this entry first.
			if removed == 0 {
				continue
			}
			if err := d.kv.Redis().RPush(ctx, queueName, member).Err(); err != nil {
				return errdefs.Transient(err)
			}
		}
		if len(due) > 0 {
			d.updateDepth(ctx, queueName)
		}
	}
	return nil
}

// Pop removes the next envelope from the named queue without blocking.
func (d *Dispatcher) Pop(ctx context.Context, queueName string) (*types.JobEnvelope, error) {
	payload, err := d.kv.Redis().LPop(ctx, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Transient(err)
	}
	var envelope types.JobEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("corrupt envelope on %s: %w", queueName, err)
	}
	d.updateDepth(ctx, queueName)
	return &envelope, nil
}

// BlockingPop waits up to timeout for an envelope on any of the given
// queues. Key order encodes priority: Redis serves the first non-empty key.
func (d *Dispatcher) BlockingPop(ctx context.Context, timeout time.Duration, queues ...string) (string, *types.JobEnvelope, error) {
	res, err := d.kv.Redis().BLPop(ctx, timeout, queues...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, errdefs.Transient(err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	var envelope types.JobEnvelope
	if err := json.Unmarshal([]byte(res[1]), &envelope); err != nil {
		return "", nil, fmt.Errorf("corrupt envelope on %s: %w", res[0], err)
	}
	d.updateDepth(ctx, res[0])
	return res[0], &envelope, nil
}

// Depth returns the number of waiting envelopes on the named queue.
func (d *Dispatcher) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := d.kv.Redis().LLen(ctx, queueName).Result()
	if err != nil {
		return 0, errdefs.Transient(err)
	}
	return n, nil
}

// Depths reports depth for all four queues.
func (d *Dispatcher) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, 4)
	for _, queueName := range []string{d.cfg.HighQueue, d.cfg.DefaultQueue, d.cfg.LowQueue, d.cfg.DeadQueue} {
		n, err := d.Depth(ctx, queueName)
		if err != nil {
			return nil, err
		}
		out[queueName] = n
	}
	return out, nil
}

func (d *Dispatcher) updateDepth(ctx context.Context, queueName string) {
	if n, err := d.Depth(ctx, queueName); err == nil {
		metrics.QueueDepth.WithLabelValues(queueName).Set(float64(n))
	}
}
