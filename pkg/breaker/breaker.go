// Package breaker provides the shared three-state circuit breaker used by
// the object store and OCR layers.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
)

// Config holds circuit breaker thresholds
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	RecoveryTimeout  time.Duration // open -> half-open delay
	SuccessThreshold uint32        // half-open successes before closing
}

// Breaker gates calls to a failing dependency. Closed passes everything
// through, open denies with ErrCircuitOpen until the recovery timeout
// elapses, half-open admits probes until the success threshold closes it
// again. A failure in half-open re-opens immediately.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker
}

// New creates a breaker from cfg, applying defaults for zero values.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}

	name := cfg.Name
	logger := log.WithComponent("breaker")

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			if to == gobreaker.StateOpen {
				metrics.BreakerOpensTotal.WithLabelValues(name).Inc()
			}
		},
	}

	return &Breaker{
		name: name,
		cb:   gobreaker.NewTwoStepCircuitBreaker(settings),
	}
}

// Allow asks the breaker whether a call may proceed. On success it returns a
// done callback that must be invoked with the call outcome; on denial it
// returns ErrCircuitOpen.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errdefs.ErrCircuitOpen
		}
		return nil, err
	}
	return func(success bool) {
		if success {
			metrics.BreakerSuccessesTotal.WithLabelValues(b.name).Inc()
		} else {
			metrics.BreakerFailuresTotal.WithLabelValues(b.name).Inc()
		}
		done(success)
	}, nil
}

// Execute runs fn under the breaker, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err == nil)
	return err
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the raw call counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
