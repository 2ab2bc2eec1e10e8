package matrix

import (
	"errors"
	"fmt"
)

// Outcome statuses of a failed build.
const (
	// StatusNotAcceptable means the build could not start, e.g. because the
	// routing backend is missing or produced nothing. It may be retried
	// later.
	StatusNotAcceptable = "not_acceptable"
	// StatusFailed means the build failed while running.
	StatusFailed = "failed"
)

// RoutingError is a failed or refused matrix build. The target matrices are
// left as they were.
type RoutingError struct {
	Status  string
	Message string
	Err     error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matrix: %s: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("matrix: %s: %s", e.Status, e.Message)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

func notAcceptable(msg string, err error) *RoutingError {
	return &RoutingError{Status: StatusNotAcceptable, Message: msg, Err: err}
}

// AsRoutingError returns the RoutingError in err's chain, if any.
func AsRoutingError(err error) (*RoutingError, bool) {
	var re *RoutingError
	ok := errors.As(err, &re)
	return re, ok
}
