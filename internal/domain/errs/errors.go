// Package errs holds the error taxonomy shared by the supervision, alerting
// and health components.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyFinalized is returned for a terminal transition attempted on a
	// record that already reached a terminal status.
	ErrAlreadyFinalized = errors.New("job execution already finalized")
	// ErrInvalidTransition is returned for a transition not allowed from the
	// record's current status (complete on a pending record, cancel on a
	// finished one, ...).
	ErrInvalidTransition = errors.New("invalid job execution transition")
	ErrNotFound          = errors.New("job execution not found")
	// ErrDependencyUnavailable marks persistence or cache failures.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrJobTimedOut and ErrJobCancelled are returned by supervised runs that
	// ended in those statuses.
	ErrJobTimedOut  = errors.New("job execution timed out")
	ErrJobCancelled = errors.New("job execution cancelled")
)

// Coded is implemented by errors that carry a machine readable code. The code
// is copied into the failed job record.
type Coded interface {
	error
	Code() string
}

// CodedError is a business error with a code, a message and an optional cause.
type CodedError struct {
	code    string
	message string
	cause   error
}

func New(code, message string, cause error) *CodedError {
	return &CodedError{code: code, message: message, cause: cause}
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *CodedError) Code() string {
	return e.code
}

func (e *CodedError) Message() string {
	return e.message
}

func (e *CodedError) Unwrap() error {
	return e.cause
}

// CodeOf returns the code of the first Coded error in err's chain.
func CodeOf(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// Unavailable wraps err so that errors.Is(err, ErrDependencyUnavailable) holds
// while keeping the original cause visible.
func Unavailable(err error, what string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "%s unavailable", what), ErrDependencyUnavailable)
}
