package host

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a process id is unknown to the host.
var ErrNotFound = errors.New("process not found")

// StartError reports a failure to launch a process.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TimeoutError reports a readiness check that did not pass in time.
type TimeoutError struct {
	ProcessID string
	Port      int
	Timeout   time.Duration
	Err       error // last probe error or exit cause, may be nil
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("process %s not ready on port %d within %s", e.ProcessID, e.Port, e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// KillError reports a failure to terminate a process.
type KillError struct {
	ProcessID string
	Err       error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill process %s: %v", e.ProcessID, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }

func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsKillError(err error) bool {
	var ke *KillError
	return errors.As(err, &ke)
}
