package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is reported by executions submitted after Close.
var ErrSessionClosed = errors.New("sandbox session closed")

// ExecutionError is a failure raised by submitted code or by the kernel
// itself. It never crosses Session.Execute; it only describes a failed Result.
type ExecutionError struct {
	Summary   string
	Traceback string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %s", e.Summary)
}

// TimeoutError describes an execution stopped by its wall-clock limit.
type TimeoutError struct {
	Summary string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s: %s", e.After.Round(time.Millisecond), e.Summary)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
