// Package errdefs defines the error kinds shared across the orchestration
// fabric. Leaf clients wrap concrete failures in one of these sentinels; the
// dispatcher translates retriable kinds into rescheduling and everything
// else into DLQ routing.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput indicates a validation failure. Surfaced, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates a missing entity or object.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCircuitOpen indicates a dependency circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrThrottled indicates an external rate limit. Retried with backoff.
	ErrThrottled = errors.New("throttled")

	// ErrTransient covers connection errors, 5xx responses, deadlocks, and
	// timeouts. Retried with exponential backoff plus jitter.
	ErrTransient = errors.New("transient failure")

	// ErrBudgetExceeded indicates the cost ceiling was breached.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrQueueHalted indicates the emergency stop is engaged.
	ErrQueueHalted = errors.New("queue halted")

	// ErrJobCancelled indicates cooperative cancellation. Terminal.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrFatal is the catch-all terminal kind; jobs carrying it route to the
	// dead-letter queue.
	ErrFatal = errors.New("fatal")
)

// InvalidInput wraps a formatted message in ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// NotFound wraps a formatted message in ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// AlreadyExists wraps a formatted message in ErrAlreadyExists.
func AlreadyExists(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAlreadyExists}, args...)...)
}

// Transient wraps err in ErrTransient, preserving the cause message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Throttled wraps err in ErrThrottled.
func Throttled(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrThrottled, err)
}

// Fatal wraps err in ErrFatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// IsRetriable reports whether the dispatcher should reschedule work that
// failed with err. Cancellation and budget failures are terminal.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrThrottled)
}

// Code returns the stable symbol used in user-visible error envelopes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, ErrThrottled):
		return "THROTTLED"
	case errors.Is(err, ErrTransient):
		return "TRANSIENT"
	case errors.Is(err, ErrBudgetExceeded):
		return "BUDGET_EXCEEDED"
	case errors.Is(err, ErrQueueHalted):
		return "QUEUE_HALTED"
	case errors.Is(err, ErrJobCancelled):
		return "JOB_CANCELLED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error kind to the equivalent HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrQueueHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrJobCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
