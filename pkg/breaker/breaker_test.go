package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

func newTestBreaker(t *testing.T, failures uint32, recovery time.Duration, successes uint32) *Breaker {
	t.Helper()
	return New(Config{
		Name:             "test-" + t.Name(),
		FailureThreshold: failures,
		RecoveryTimeout:  recovery,
		SuccessThreshold: successes,
	})
}

func TestClosedBreakerAllows(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute, 1)

	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute, 1)

	for i := 0; i < 3; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)

	// Two more failures should not trip a threshold of three.
	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := newTestBreaker(t, 1, 30*time.Millisecond, 1)

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
	assert.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	done, err = b.Allow()
	require.NoError(t, err, "half-open should admit a probe")
	done(true)
	assert.Equal(t, "closed", b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, 1, 30*time.Millisecond, 1)

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)

	time.Sleep(50 * time.Millisecond)

	done, err = b.Allow()
	require.NoError(t, err)
	done(false)
	assert.Equal(t, "open", b.State())

	_, err = b.Allow()
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
}

func TestExecuteRecordsOutcome(t *testing.T) {
	b := newTestBreaker(t, 1, time.Minute, 1)

	sentinel := errors.New("boom")
	err := b.Execute(func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, "open", b.State())

	err = b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
}
