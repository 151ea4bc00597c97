// Package ratelimit provides the token bucket limiter wrapped around
// external OCR providers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Sleeper pauses the caller; injectable for tests.
type Sleeper func(context.Context, time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Limiter is a token bucket of capacity tokens refilled at rate per second.
// A rate of zero or below disables limiting entirely.
type Limiter struct {
	lim   *rate.Limiter
	sleep Sleeper
	now   func() time.Time
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithSleeper overrides the sleep function.
func WithSleeper(s Sleeper) Option {
	return func(l *Limiter) { l.sleep = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given refill rate and bucket capacity.
func New(ratePerSecond float64, capacity int, opts ...Option) *Limiter {
	l := &Limiter{sleep: defaultSleep, now: time.Now}
	if ratePerSecond > 0 {
		if capacity < 1 {
			capacity = int(ratePerSecond)
			if capacity < 1 {
				capacity = 1
			}
		}
		l.lim = rate.NewLimiter(rate.Limit(ratePerSecond), capacity)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes n tokens, sleeping until the bucket can cover the deficit.
// It returns the duration waited.
func (l *Limiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if l.lim == nil || n <= 0 {
		return 0, nil
	}
	res := l.lim.ReserveN(l.now(), n)
	if !res.OK() {
		return 0, fmt.Errorf("requested %d tokens exceeds bucket capacity %d", n, l.lim.Burst())
	}
	delay := res.DelayFrom(l.now())
	if delay <= 0 {
		return 0, nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		res.CancelAt(l.now())
		return 0, err
	}
	return delay, nil
}
