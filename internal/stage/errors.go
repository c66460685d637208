package stage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a stage attempt exceeded its declared timeout.
// It counts toward the retry budget exactly like an ExecutionError.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage '%s' exceeded its timeout of %s", e.Stage, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ExecutionError wraps a failure reported by the stage's binding.
type ExecutionError struct {
	Stage   string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("stage '%s' failed on attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CancelledError reports that a stage or run was cancelled. It is never retried.
type CancelledError struct {
	Stage string
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("run cancelled: %v", e.cause())
	}
	return fmt.Sprintf("stage '%s' cancelled: %v", e.Stage, e.cause())
}

func (e *CancelledError) Unwrap() error { return e.cause() }

func (e *CancelledError) cause() error {
	if e.Cause == nil {
		return context.Canceled
	}
	return e.Cause
}

// PredicateError reports that a stage's condition could not be evaluated.
type PredicateError struct {
	Stage string
	Err   error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("failed to evaluate condition of stage '%s': %v", e.Stage, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// InputError reports that a stage's declared inputs could not be evaluated.
type InputError struct {
	Stage string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("failed to evaluate inputs of stage '%s': %v", e.Stage, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Bindings use it for failures that
// another attempt cannot fix, such as invalid input.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether a failed attempt may be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		cancelled *CancelledError
		predicate *PredicateError
		input     *InputError
		permanent *permanentError
	)
	switch {
	case errors.As(err, &cancelled),
		errors.As(err, &predicate),
		errors.As(err, &input),
		errors.As(err, &permanent):
		return false
	}
	return true
}
