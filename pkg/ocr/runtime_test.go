package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zabrisket/ledgerlift/pkg/breaker"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

type scriptedProvider struct {
	name    string
	results []error
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ExtractCells(ctx context.Context, path string, maxPages int, timeout time.Duration) ([]types.OCRCell, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.results) && p.results[idx] != nil {
		return nil, p.results[idx]
	}
	return []types.OCRCell{{Page: 1, Row: 0, Column: 0, Text: "42", IsNumeric: true, NumericValue: 42}}, nil
}

type fixedPages int

func (f fixedPages) CountPages(ctx context.Context, path string) (int, error) {
	return int(f), nil
}

func fastRuntime(p Provider, brk *breaker.Breaker, cfg RuntimeConfig) *Runtime {
	r := NewRuntime(p, nil, brk, nil, cfg)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRuntimeHappyPath(t *testing.T) {
	p := &scriptedProvider{name: "tesseract"}
	r := fastRuntime(p, nil, RuntimeConfig{MaxRetries: 3})

	cells, err := r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.True(t, cells[0].IsNumeric)
	assert.Equal(t, 1, p.calls)
}

func TestRuntimeRetriesThrottles(t *testing.T) {
	p := &scriptedProvider{
		name: "azure",
		results: []error{
			&ThrottleError{Err: errors.New("429")},
			&ThrottleError{Err: errors.New("429"), RetryAfter: 2 * time.Second},
			nil,
		},
	}
	r := fastRuntime(p, nil, RuntimeConfig{MaxRetries: 3})

	cells, err := r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	require.NoError(t, err)
	assert.Len(t, cells, 1)
	assert.Equal(t, 3, p.calls)
}

func TestRuntimeThrottleBudgetExhausted(t *testing.T) {
	p := &scriptedProvider{
		name: "azure",
		results: []error{
			&ThrottleError{Err: errors.New("429")},
			&ThrottleError{Err: errors.New("429")},
			&ThrottleError{Err: errors.New("429")},
		},
	}
	r := fastRuntime(p, nil, RuntimeConfig{MaxRetries: 2})

	_, err := r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, errdefs.ErrThrottled)
	assert.Equal(t, 3, p.calls)
}

func TestRuntimeProviderErrorTripsBreaker(t *testing.T) {
	boom := errors.New("boom")
	p := &scriptedProvider{name: "textract", results: []error{boom, boom}}
	brk := breaker.New(breaker.Config{
		Name:             "ocr-test-trip",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	r := fastRuntime(p, brk, RuntimeConfig{MaxRetries: 0})

	_, err := r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, boom)
	_, err = r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, boom)

	// Breaker is now open; the provider is no longer reached.
	_, err = r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, errdefs.ErrCircuitOpen)
	assert.Equal(t, 2, p.calls)
}

func TestRuntimePreflightPageLimit(t *testing.T) {
	p := &scriptedProvider{name: "tesseract"}
	r := NewRuntime(p, nil, nil, fixedPages(600), RuntimeConfig{MaxPages: 500})

	_, err := r.ExtractCells(context.Background(), "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
	assert.Zero(t, p.calls, "provider must not run past the preflight check")
}
