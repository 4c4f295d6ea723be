package directory

import (
	"errors"
	"fmt"
)

// ErrNotFound is a terminal result: the username has no directory entry.
var ErrNotFound = errors.New("not found in directory")

// TransientError wraps failures that may succeed on retry: network
// errors, timeouts, and server-side 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
