package llm

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when no configured endpoint can serve a capability.
var ErrNoEndpoints = errors.New("no endpoints available for capability")

// TransientError represents a temporary error that may succeed on retry.
// Timeouts, rate limits and 5xx responses are transient.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried:
// bad credentials, malformed requests, unknown providers.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
// A context deadline is treated as transient; cancellation is not.
func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
