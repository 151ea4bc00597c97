package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

func TestDoCompletesWithinTimeout(t *testing.T) {
	m := NewTimeoutManager()

	err := m.Do(context.Background(), "fast", time.Second, func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, m.Active(), "timer entries must not leak")
}

func TestDoExpiresAndCancelsStep(t *testing.T) {
	m := NewTimeoutManager()

	var sawCancel bool
	err := m.Do(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			sawCancel = true
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, errdefs.ErrTransient)
	assert.True(t, sawCancel, "step context must be cancelled on expiry")
	assert.Zero(t, m.Active())
}

func TestDoZeroDurationRunsWithoutTimer(t *testing.T) {
	m := NewTimeoutManager()
	err := m.Do(context.Background(), "untimed", 0, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, m.Active())
}

func TestDoPropagatesStepError(t *testing.T) {
	m := NewTimeoutManager()
	sentinel := errdefs.NotFound("missing")
	err := m.Do(context.Background(), "failing", time.Second, func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestConcurrentTimersDoNotInterfere(t *testing.T) {
	m := NewTimeoutManager()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Even-numbered steps finish; odd-numbered steps expire.
			d := 10 * time.Millisecond
			sleep := time.Millisecond
			if i%2 == 1 {
				sleep = 100 * time.Millisecond
			}
			results[i] = m.Do(context.Background(), "step", d, func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
					return nil
				}
			})
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if i%2 == 0 {
			assert.NoError(t, err, "step %d", i)
		} else {
			assert.ErrorIs(t, err, errdefs.ErrTransient, "step %d", i)
		}
	}
	assert.Zero(t, m.Active())
}
