// Package ocr abstracts external OCR providers behind a rate-limited,
// circuit-broken runtime with a deterministic selection heuristic.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/breaker"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/ratelimit"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// ThrottleError is returned by providers when the upstream rate limit fires;
// RetryAfter carries the provider's hint when present.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("provider throttled: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error {
	return errdefs.ErrThrottled
}

// Provider extracts table cells from a document. Implementations wrap the
// actual vendor SDKs, which live outside the core.
type Provider interface {
	Name() string
	ExtractCells(ctx context.Context, documentPath string, maxPages int, timeout time.Duration) ([]types.OCRCell, error)
}

// PageCounter reports the page count of a document on disk; used for the
// preflight limit check.
type PageCounter interface {
	CountPages(ctx context.Context, documentPath string) (int, error)
}

// RuntimeConfig bounds runtime retry behavior.
type RuntimeConfig struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxPages       int
}

// Runtime chains breaker.Allow -> limiter.Acquire -> provider call, retrying
// throttles with backoff capped per call. Breaker and limiter stay separate
// wrappers; the runtime only sequences them.
type Runtime struct {
	provider Provider
	limiter  *ratelimit.Limiter
	brk      *breaker.Breaker
	pages    PageCounter
	cfg      RuntimeConfig
	sleep    func(context.Context, time.Duration) error
	logger   zerolog.Logger
}

// NewRuntime builds a runtime around provider.
func NewRuntime(provider Provider, limiter *ratelimit.Limiter, brk *breaker.Breaker, pages PageCounter, cfg RuntimeConfig) *Runtime {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Runtime{
		provider: provider,
		limiter:  limiter,
		brk:      brk,
		pages:    pages,
		cfg:      cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		logger: log.WithComponent("ocr"),
	}
}

// ProviderName returns the wrapped provider's name.
func (r *Runtime) ProviderName() string {
	return r.provider.Name()
}

// ExtractCells runs the provider under the breaker and limiter. Rate-limit
// errors sleep for max(retry-after, backoff) capped at BackoffMax and retry
// up to MaxRetries times.
func (r *Runtime) ExtractCells(ctx context.Context, documentPath string, timeout time.Duration) ([]types.OCRCell, error) {
	if r.cfg.MaxPages > 0 && r.pages != nil {
		count, err := r.pages.CountPages(ctx, documentPath)
		if err != nil {
			return nil, fmt.Errorf("failed to count pages: %w", err)
		}
		if count > r.cfg.MaxPages {
			return nil, errdefs.InvalidInput("document has %d pages which exceeds the configured limit of %d", count, r.cfg.MaxPages)
		}
	}

	attempt := 0
	delay := r.cfg.BackoffInitial
	for {
		var cells []types.OCRCell
		err := r.execOnce(ctx, documentPath, timeout, &cells)
		if err == nil {
			metrics.OCRRequestsTotal.WithLabelValues(r.provider.Name(), "success").Inc()
			return cells, nil
		}

		var throttle *ThrottleError
		if errors.As(err, &throttle) {
			metrics.OCRRequestsTotal.WithLabelValues(r.provider.Name(), "throttled").Inc()
			if attempt >= r.cfg.MaxRetries {
				return nil, err
			}
			backoff := delay
			if throttle.RetryAfter > backoff {
				backoff = throttle.RetryAfter
			}
			if backoff > r.cfg.BackoffMax {
				backoff = r.cfg.BackoffMax
			}
			r.logger.Warn().
				Str("provider", r.provider.Name()).
				Dur("backoff", backoff).
				Int("attempt", attempt+1).
				Msg("OCR provider throttled")
			if err := r.sleep(ctx, backoff); err != nil {
				return nil, errdefs.Transient(err)
			}
			delay *= 2
			if delay > r.cfg.BackoffMax {
				delay = r.cfg.BackoffMax
			}
			attempt++
			continue
		}

		metrics.OCRRequestsTotal.WithLabelValues(r.provider.Name(), "error").Inc()
		return nil, err
	}
}

func (r *Runtime) execOnce(ctx context.Context, documentPath string, timeout time.Duration, out *[]types.OCRCell) error {
	var done func(bool)
	if r.brk != nil {
		var err error
		done, err = r.brk.Allow()
		if err != nil {
			return err
		}
	}

	if r.limiter != nil {
		if _, err := r.limiter.Acquire(ctx, 1); err != nil {
			if done != nil {
				done(false)
			}
			return errdefs.Transient(err)
		}
	}

	maxPages := r.cfg.MaxPages
	cells, err := r.provider.ExtractCells(ctx, documentPath, maxPages, timeout)
	if err != nil {
		if done != nil {
			done(false)
		}
		return err
	}
	if done != nil {
		done(true)
	}
	*out = cells
	return nil
}
