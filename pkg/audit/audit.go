// Package audit batches operational audit events into a single conflict-
// ignoring insert, deduplicated on a deterministic idempotency key.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// Event type symbols
const (
	TypeEnqueued           = "ENQUEUED"
	TypeStarted            = "STARTED"
	TypeExtracted          = "EXTRACTED"
	TypeExported           = "EXPORTED"
	TypeError              = "ERROR"
	TypeDeletionRequested  = "DELETION_REQUESTED"
	TypeDeletionCompleted  = "DELETION_COMPLETED"
	TypeCancelled          = "CANCELLED"
	TypePartialCancel      = "PARTIAL_CANCEL"
)

// StreamKey is the Redis stream used in durable mode.
const StreamKey = "audit:events"

// Writer persists a batch of audit events, ignoring idempotency-key
// conflicts.
type Writer interface {
	InsertAuditBatch(ctx context.Context, events []types.AuditEvent) error
}

// Config controls batching behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	DurableMode   string // "" buffers in memory; "redis" appends to the stream
}

// Batcher accumulates audit events and flushes them on an interval or when
// the batch size is reached, whichever comes first. A full queue drops the
// event and bumps a counter rather than blocking producers.
type Batcher struct {
	cfg    Config
	writer Writer
	kv     *kv.Client
	logger zerolog.Logger

	mu    sync.Mutex
	queue []types.AuditEvent

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewBatcher creates a Batcher. kvClient is only required for durable mode.
func NewBatcher(cfg Config, writer Writer, kvClient *kv.Client) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	return &Batcher{
		cfg:     cfg,
		writer:  writer,
		kv:      kvClient,
		logger:  log.WithComponent("audit"),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (b *Batcher) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop cancels the loop and performs a final flush.
func (b *Batcher) Stop(ctx context.Context) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
	b.flush(ctx)
}

// Add computes the idempotency key and enqueues the event. In durable mode
// the event goes straight to the Redis stream instead. Returns false when
// the event was dropped.
func (b *Batcher) Add(ctx context.Context, jobID, eventType, traceID, userID, ip string, metadata map[string]any) bool {
	now := time.Now().UTC()
	md, err := json.Marshal(metadata)
	if err != nil {
		md = []byte("{}")
	}
	event := types.AuditEvent{
		ID:             uuid.NewString(),
		JobID:          jobID,
		Type:           eventType,
		UserID:         userID,
		IP:             ip,
		TraceID:        traceID,
		IdempotencyKey: IdempotencyKey(jobID, eventType, traceID, userID, ip, md, now),
		Metadata:       md,
		CreatedAt:      now,
	}

	if b.cfg.DurableMode == "redis" {
		if b.kv == nil {
			b.logger.Error().Msg("Durable audit mode requires a Redis client")
			return false
		}
		payload, _ := json.Marshal(event)
		err := b.kv.Redis().XAdd(ctx, &redis.XAddArgs{
			Stream: StreamKey,
			Values: map[string]any{"payload": string(payload)},
		}).Err()
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to append audit event to stream")
			return false
		}
		return true
	}

	b.mu.Lock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.mu.Unlock()
		metrics.AuditEventsDroppedTotal.Inc()
		b.logger.Error().Str("job_id", jobID).Msg("Audit queue full; dropping event")
		return false
	}
	b.queue = append(b.queue, event)
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(context.Background())
		case <-b.flushCh:
			b.flush(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

func (b *Batcher) flush(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.queue)
		if n > b.cfg.BatchSize {
			n = b.cfg.BatchSize
		}
		batch := make([]types.AuditEvent, n)
		copy(batch, b.queue[:n])
		b.queue = b.queue[n:]
		b.mu.Unlock()

		started := time.Now()
		err := b.writer.InsertAuditBatch(ctx, batch)
		metrics.AuditFlushDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			b.logger.Error().Err(err).Int("batch", len(batch)).Msg("Failed to flush audit batch; requeueing")
			b.mu.Lock()
			b.queue = append(batch, b.queue...)
			b.mu.Unlock()
			return
		}
		if n < b.cfg.BatchSize {
			return
		}
	}
}

// QueueLen reports the number of buffered events.
func (b *Batcher) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// IdempotencyKey hashes the canonicalized event payload with a second-
// truncated timestamp, so identical events within the same second collapse
// to one row.
func IdempotencyKey(jobID, eventType, traceID, userID, ip string, metadata json.RawMessage, ts time.Time) string {
	canonical := struct {
		EventType string          `json:"event_type"`
		IP        string          `json:"ip"`
		JobID     string          `json:"job_id"`
		Metadata  json.RawMessage `json:"metadata"`
		TraceID   string          `json:"trace_id"`
		TS        string          `json:"ts"`
		UserID    string          `json:"user_id"`
	}{
		EventType: eventType,
		IP:        ip,
		JobID:     jobID,
		Metadata:  metadata,
		TraceID:   traceID,
		TS:        ts.Truncate(time.Second).Format(time.RFC3339),
		UserID:    userID,
	}
	payload, _ := json.Marshal(canonical)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
