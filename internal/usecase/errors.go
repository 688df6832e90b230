package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorValidation marks bad or missing input. Never retried; surfaced
	// to the webhook caller as a rejection.
	ErrorValidation ErrorCode = "VALIDATION_ERROR"
	// ErrorTransientInfra marks store or network hiccups.
	ErrorTransientInfra ErrorCode = "TRANSIENT_INFRA"
	// ErrorSubmission marks a job-service rejection while submitting.
	ErrorSubmission ErrorCode = "SUBMISSION_ERROR"
	// ErrorJobFailed marks a run that ended in a non-success terminal status.
	ErrorJobFailed ErrorCode = "JOB_FAILED"
	// ErrorLockContention marks another worker holding the key's turn lock.
	ErrorLockContention ErrorCode = "LOCK_CONTENTION"
	// ErrorPollTimeout marks a poll loop that exceeded its deadline.
	ErrorPollTimeout ErrorCode = "POLL_TIMEOUT"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain. Unclassified
// errors count as transient infrastructure failures.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorTransientInfra
}

// retryable reports whether the governor may re-schedule after this error.
// Validation failures never enter retry; everything else funnels through
// the attempt budget.
func retryable(err error) bool {
	return CodeOf(err) != ErrorValidation
}
