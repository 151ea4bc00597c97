// Package progress persists per-job progress snapshots and fans them out to
// SSE subscribers through Redis pub/sub.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

const (
	// Channel is the single pub/sub channel all snapshots publish on;
	// subscribers filter by job id.
	Channel = "jobs:progress"

	// KeepaliveInterval bounds SSE silence between comments.
	KeepaliveInterval = 15 * time.Second

	// PollInterval bounds the SSE drain loop sleep.
	PollInterval = 250 * time.Millisecond
)

// Key returns the snapshot key for a job.
func Key(jobID string) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

// Publisher writes snapshots and publishes them to subscribers.
type Publisher struct {
	kv     *kv.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewPublisher creates a Publisher with the given snapshot TTL.
func NewPublisher(kvClient *kv.Client, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Publisher{
		kv:     kvClient,
		ttl:    ttl,
		logger: log.WithComponent("progress"),
	}
}

// Write persists the snapshot and publishes it on the channel. Snapshots are
// monotone within a run: once a terminal state is stored, non-terminal
// writes for the job are dropped.
func (p *Publisher) Write(ctx context.Context, snapshot types.ProgressSnapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}

	rdb := p.kv.Redis()
	key := Key(snapshot.JobID)

	if !snapshot.State.Terminal() {
		existing, err := rdb.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return errdefs.Transient(err)
		}
		if err == nil {
			var stored types.ProgressSnapshot
			if jsonErr := json.Unmarshal([]byte(existing), &stored); jsonErr == nil && stored.State.Terminal() {
				p.logger.Debug().
					Str("job_id", snapshot.JobID).
					Str("stored", string(stored.State)).
					Str("dropped", string(snapshot.State)).
					Msg("Dropping non-terminal snapshot after terminal state")
				return nil
			}
		}
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := rdb.Pipeline()
	pipe.Set(ctx, key, payload, p.ttl)
	pipe.Publish(ctx, Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Transient(err)
	}

	if snapshot.Duration != nil {
		if err := p.kv.RecordJobDuration(ctx, *snapshot.Duration); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to record job duration")
		}
	}
	return nil
}

// Load returns the stored snapshot for a job, or nil when none exists.
func (p *Publisher) Load(ctx context.Context, jobID string) (*types.ProgressSnapshot, error) {
	raw, err := p.kv.Redis().Get(ctx, Key(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Transient(err)
	}
	return decodeSnapshot([]byte(raw)), nil
}

// Subscribe opens a pub/sub subscription on the progress channel. Callers
// must Close the returned subscription.
func (p *Publisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.kv.Redis().Subscribe(ctx, Channel)
}

// decodeSnapshot tolerates the legacy schema that named the state field
// "status"; §6 fixes the canonical field as "state".
func decodeSnapshot(raw []byte) *types.ProgressSnapshot {
	var snapshot types.ProgressSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil
	}
	if snapshot.State == "" {
		var legacy struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &legacy); err == nil {
			snapshot.State = types.JobState(legacy.Status)
		}
	}
	if snapshot.JobID == "" {
		return nil
	}
	return &snapshot
}
