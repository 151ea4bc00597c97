// Package kv wraps the shared Redis client used by the queue fabric:
// emergency stop flag, job duration samples, and raw client access for the
// queue, progress, dedup, and audit layers.
package kv

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

const (
	// DurationsKey is the bounded list of recent job durations in seconds,
	// newest first.
	DurationsKey = "jobs:durations"

	// DurationWindow bounds the durations ring buffer.
	DurationWindow = 200
)

// Client is the pooled Redis handle shared by all concurrent units.
type Client struct {
	rdb              *redis.Client
	emergencyStopKey string
}

// New connects to the Redis URL and verifies the connection.
func New(ctx context.Context, url, emergencyStopKey string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errdefs.InvalidInput("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errdefs.Transient(fmt.Errorf("redis ping failed: %w", err))
	}
	if emergencyStopKey == "" {
		emergencyStopKey = "EMERGENCY_STOP"
	}
	return &Client{rdb: rdb, emergencyStopKey: emergencyStopKey}, nil
}

// NewFromClient wraps an existing redis client (used by tests with miniredis).
func NewFromClient(rdb *redis.Client, emergencyStopKey string) *Client {
	if emergencyStopKey == "" {
		emergencyStopKey = "EMERGENCY_STOP"
	}
	return &Client{rdb: rdb, emergencyStopKey: emergencyStopKey}
}

// Redis exposes the underlying client for the queue and progress layers.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// EmergencyStopped reports whether the emergency stop sentinel is set.
func (c *Client) EmergencyStopped(ctx context.Context) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.emergencyStopKey).Result()
	if err != nil {
		return false, errdefs.Transient(err)
	}
	return n > 0, nil
}

// EngageEmergencyStop sets the sentinel, halting all further enqueues.
func (c *Client) EngageEmergencyStop(ctx context.Context) error {
	if err := c.rdb.Set(ctx, c.emergencyStopKey, "1", 0).Err(); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// ReleaseEmergencyStop clears the sentinel.
func (c *Client) ReleaseEmergencyStop(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.emergencyStopKey).Err(); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// RecordJobDuration pushes a duration sample onto the bounded ring buffer.
func (c *Client) RecordJobDuration(ctx context.Context, seconds float64) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, DurationsKey, strconv.FormatFloat(seconds, 'f', -1, 64))
	pipe.LTrim(ctx, DurationsKey, 0, DurationWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// EstimateP95 returns the p95 of stored durations, capped at edgeBudget. An
// empty ring buffer yields the cap itself so clients size their wait UIs
// conservatively.
func (c *Client) EstimateP95(ctx context.Context, edgeBudget time.Duration) time.Duration {
	raw, err := c.rdb.LRange(ctx, DurationsKey, 0, DurationWindow-1).Result()
	if err != nil || len(raw) == 0 {
		return edgeBudget
	}

	durations := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			durations = append(durations, f)
		}
	}
	if len(durations) == 0 {
		return edgeBudget
	}

	sort.Float64s(durations)
	idx := int(math.Ceil(0.95*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	estimate := time.Duration(durations[idx] * float64(time.Second))
	if estimate > edgeBudget {
		return edgeBudget
	}
	return estimate
}
