package llm

import (
	"errors"
)

// Sentinel causes wrapped inside TransientError or FatalError.
var (
	// ErrRateLimited is reported when the backend answers 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen is reported while the endpoint is cooling down after repeated failures.
	ErrCircuitOpen = errors.New("endpoint circuit open")

	// ErrMalformedResponse is reported when the backend reply cannot be parsed.
	ErrMalformedResponse = errors.New("malformed response")
)

// TransientError represents a temporary error that may succeed on retry.
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
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
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
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRateLimited returns true if the backend throttled the request.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
