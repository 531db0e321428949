package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueUnavailable indicates the job store cannot be reached.
	ErrQueueUnavailable = errors.New("outreachd: queue storage unavailable")

	// ErrPersistenceUnavailable indicates the domain store cannot be reached.
	// Treated as retryable by the worker policy.
	ErrPersistenceUnavailable = errors.New("outreachd: persistence unavailable")

	// ErrJobNotOwned is returned when a worker tries to finish a job whose
	// lock it no longer holds.
	ErrJobNotOwned = errors.New("outreachd: job not owned by this worker")

	// ErrNoHandler is returned when no processor is registered for a kind.
	ErrNoHandler = errors.New("outreachd: no processor registered for job kind")

	// ErrJobNotFound is returned by queue lookups for unknown job ids.
	ErrJobNotFound = errors.New("outreachd: job not found")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
