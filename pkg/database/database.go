// Package database provides the pooled PostgreSQL gateway and the persistent
// stores for documents, pages, artifacts, events, costs, and audit rows.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
)

// Config holds connection pool configuration.
type Config struct {
	URL            string
	PoolSize       int
	MaxOverflow    int
	PoolRecycle    time.Duration
	HealthCacheTTL time.Duration
}

// Health reports gateway liveness and pool utilization.
type Health struct {
	Healthy    bool      `json:"healthy"`
	Error      string    `json:"error,omitempty"`
	OpenConns  int       `json:"open_connections"`
	InUse      int       `json:"in_use"`
	Idle       int       `json:"idle"`
	MaxOpen    int       `json:"max_open"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Gateway wraps the shared connection pool with scoped transactions,
// retry-with-jitter, and a cached health probe.
type Gateway struct {
	db     *sqlx.DB
	cfg    Config
	logger zerolog.Logger

	healthMu     sync.Mutex
	healthCache  *Health
	healthTime   time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Open connects to PostgreSQL and configures the pool. Connections are
// verified before checkout (pgx pings lazily) and recycled on the configured
// lifetime to avoid half-dead sockets.
func Open(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.PoolRecycle <= 0 {
		cfg.PoolRecycle = time.Hour
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = 30 * time.Second
	}

	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, errdefs.Transient(fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.PoolRecycle)

	g := &Gateway{
		db:     db,
		cfg:    cfg,
		logger: log.WithComponent("database"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Transient(fmt.Errorf("database ping failed: %w", err))
	}
	return g, nil
}

// NewFromDB wraps an existing connection (tests with sqlmock).
func NewFromDB(db *sqlx.DB) *Gateway {
	return &Gateway{
		db:     db,
		cfg:    Config{HealthCacheTTL: 30 * time.Second},
		logger: log.WithComponent("database"),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// DB exposes the pool for store construction.
func (g *Gateway) DB() *sqlx.DB {
	return g.db
}

// Close drains the pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// WithTx runs fn inside a transaction. The transaction is rolled back on
// error or panic and committed otherwise.
func (g *Gateway) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyDB(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = classifyDB(tx.Commit())
	}()
	return classifyDB(fn(tx))
}

// ExecuteWithRetry runs op up to maxAttempts times, backing off with jitter
// on connection failures, deadlocks, and timeouts.
func (g *Gateway) ExecuteWithRetry(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	delay := 500 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.jitter(delay)):
			case <-ctx.Done():
				return errdefs.Transient(ctx.Err())
			}
			delay *= 2
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		err = classifyDB(err)
		lastErr = err
		if !errdefs.IsRetriable(err) {
			return err
		}
		g.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Retryable database error")
	}
	return lastErr
}

func (g *Gateway) jitter(d time.Duration) time.Duration {
	g.rngMu.Lock()
	f := 0.75 + g.rng.Float64()*0.5 // ±25%
	g.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}

// CheckHealth runs SELECT 1 and reports pool stats. Results are cached for
// the configured TTL so callers cannot overwhelm the database.
func (g *Gateway) CheckHealth(ctx context.Context) Health {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()

	if g.healthCache != nil && time.Since(g.healthTime) < g.cfg.HealthCacheTTL {
		return *g.healthCache
	}

	h := Health{CheckedAt: time.Now()}
	var one int
	if err := g.db.GetContext(ctx, &one, "SELECT 1"); err != nil || one != 1 {
		h.Healthy = false
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Error = "unexpected health check result"
		}
	} else {
		h.Healthy = true
	}

	stats := g.db.Stats()
	h.OpenConns = stats.OpenConnections
	h.InUse = stats.InUse
	h.Idle = stats.Idle
	h.MaxOpen = stats.MaxOpenConnections

	g.healthCache = &h
	g.healthTime = h.CheckedAt
	return h
}

// classifyDB maps driver failures onto the error taxonomy.
func classifyDB(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return fmt.Errorf("%w: %v", errdefs.ErrAlreadyExists, err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"):
		return errdefs.Transient(err)
	}
	return fmt.Errorf("database error: %w", err)
}
