package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTimestamp aborts an extraction that meets an event without a
	// datetime.
	ErrMissingTimestamp = errors.New("event datetime is missing")
	// ErrMissingVisitStart aborts an elapsed-time extraction that meets a visit
	// without a start datetime.
	ErrMissingVisitStart = errors.New("visit start datetime is missing")
)

// ValidationError reports a bad request. It is raised before any I/O.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func invalidf(format string, args ...any) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}
