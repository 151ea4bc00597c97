package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappersPreserveKind(t *testing.T) {
	cause := errors.New("socket closed")

	assert.ErrorIs(t, Transient(cause), ErrTransient)
	assert.ErrorIs(t, Throttled(cause), ErrThrottled)
	assert.ErrorIs(t, Fatal(cause), ErrFatal)
	assert.ErrorIs(t, InvalidInput("bad %s", "key"), ErrInvalidInput)
	assert.ErrorIs(t, NotFound("document %s", "doc-1"), ErrNotFound)
	assert.ErrorIs(t, AlreadyExists("key %s", "k"), ErrAlreadyExists)

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Throttled(nil))
	assert.Nil(t, Fatal(nil))
}

func TestWrappersKeepCauseMessage(t *testing.T) {
	err := Transient(errors.New("connection reset by peer"))
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(Transient(errors.New("x"))))
	assert.True(t, IsRetriable(Throttled(errors.New("x"))))
	assert.True(t, IsRetriable(fmt.Errorf("wrapped: %w", ErrTransient)))

	assert.False(t, IsRetriable(ErrJobCancelled))
	assert.False(t, IsRetriable(ErrBudgetExceeded))
	assert.False(t, IsRetriable(ErrQueueHalted))
	assert.False(t, IsRetriable(Fatal(errors.New("x"))))
	assert.False(t, IsRetriable(errors.New("unknown")))
	assert.False(t, IsRetriable(nil))
}

func TestCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrInvalidInput, "INVALID_INPUT"},
		{ErrNotFound, "NOT_FOUND"},
		{ErrAlreadyExists, "ALREADY_EXISTS"},
		{ErrCircuitOpen, "CIRCUIT_OPEN"},
		{ErrThrottled, "THROTTLED"},
		{ErrTransient, "TRANSIENT"},
		{ErrBudgetExceeded, "BUDGET_EXCEEDED"},
		{ErrQueueHalted, "QUEUE_HALTED"},
		{ErrJobCancelled, "JOB_CANCELLED"},
		{errors.New("anything else"), "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err))
		assert.Equal(t, tt.code, Code(fmt.Errorf("wrapped: %w", tt.err)))
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrInvalidInput))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrAlreadyExists))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrCircuitOpen))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrQueueHalted))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(ErrThrottled))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(ErrBudgetExceeded))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}
