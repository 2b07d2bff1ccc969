package recipe

import (
	"errors"
	"fmt"
)

// AbortError stops a recipe because a precondition does not hold
// (running as root, an existing release, no web server user).
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string { return e.Message }

// Abort returns an *AbortError with a formatted message
func Abort(format string, args ...interface{}) error {
	return &AbortError{Message: fmt.Sprintf(format, args...)}
}

// IsAbort reports whether err is, or wraps, an *AbortError
func IsAbort(err error) bool {
	var abort *AbortError
	return errors.As(err, &abort)
}

// TaskError identifies the task that stopped a recipe
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
