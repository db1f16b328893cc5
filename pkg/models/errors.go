package models

import "fmt"

// ErrorKind is the error taxonomy from the error-handling design: a closed
// set of dispositions the chat edge and dashboards key off of, not a
// hierarchy of Go types.
type ErrorKind string

const (
	ErrNotFound        ErrorKind = "not_found"
	ErrConflict        ErrorKind = "conflict"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrBudgetExceeded  ErrorKind = "budget_exceeded"
	ErrMaliciousInput  ErrorKind = "malicious_input"
	ErrSubprocessFailed ErrorKind = "subprocess_failed"
	ErrTimeoutKind     ErrorKind = "timeout"
	ErrStalled         ErrorKind = "stalled"
	ErrMergeConflict   ErrorKind = "merge_conflict"
	ErrUnknownKind     ErrorKind = "unknown"
)

// Error wraps an underlying error with a taxonomy Kind, mirroring the
// teacher's sentinel-error style generalized to the full error taxonomy.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a taxonomy error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrUnknownKind for
// errors that don't carry one.
func KindOf(err error) ErrorKind {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind
	}
	return ErrUnknownKind
}

// As is a tiny local wrapper so callers don't need to import errors in
// addition to models for the common KindOf check.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
