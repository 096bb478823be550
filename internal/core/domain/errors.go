package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransientReason narrows why a transient error is retryable.
type TransientReason string

const (
	ReasonDeadlineExceeded TransientReason = "deadline_exceeded"
	ReasonUnavailable      TransientReason = "unavailable"
	ReasonRateLimited      TransientReason = "rate_limited"
)

// TransientError marks an error as retryable. Stage implementations
// wrap upstream failures in it so the retry coordinator can tell them
// apart from permanent ones.
type TransientError struct {
	Reason TransientReason
	// RetryAfter is an optional reset hint (e.g. a Retry-After value
	// extracted from a rate-limit response). Zero means no hint.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient (%s): %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as retryable for the given reason.
func NewTransient(reason TransientReason, err error) *TransientError {
	return &TransientError{Reason: reason, Err: err}
}

// NewRateLimited wraps err as a rate-limit transient with a reset hint.
func NewRateLimited(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{Reason: ReasonRateLimited, RetryAfter: retryAfter, Err: err}
}

// PermanentError marks an error as never retryable (e.g. invalid input).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanent wraps err as not retryable.
func NewPermanent(err error) *PermanentError { return &PermanentError{Err: err} }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited reports whether err is a rate-limit transient.
func IsRateLimited(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.Reason == ReasonRateLimited
}

// RetryAfterHint extracts the rate-limit reset hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

var (
	// ErrRetryExhausted is returned when a transient error survived
	// every allowed attempt, or when the remaining invocation budget
	// cannot cover another attempt.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrRateLimitExceeded is the rate-limit specific form of
	// ErrRetryExhausted.
	ErrRateLimitExceeded = errors.New("rate limit budget exhausted")

	// ErrResourceFault is returned when memory pressure crosses the
	// critical threshold.
	ErrResourceFault = errors.New("memory pressure critical")

	// ErrDeferred signals that the invocation stopped before finishing
	// the pipeline because the budget ran low. The job is not failed;
	// it resumes on redelivery.
	ErrDeferred = errors.New("processing deferred to next delivery")
)

// StageError wraps any stage failure with stage and job context.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for job %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
