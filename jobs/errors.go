// Package jobs runs queued work on JetStream: enqueueing with status
// tracking, bounded worker pools with retry and backoff, and dead letters
// for jobs that cannot complete.
package jobs

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job not found")

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// BackoffPolicy computes exponential retry delays.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 5s doubling up to 5m.
var DefaultBackoff = BackoffPolicy{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay returns the delay after the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultBackoff.Max
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Backoff returns DefaultBackoff.Delay(attempt).
func Backoff(attempt int) time.Duration {
	return DefaultBackoff.Delay(attempt)
}
