package supervisor

import (
	"fmt"

	"github.com/loykin/keepup/internal/host"
)

// Outcome is the result kind of one EnsureRunning call.
type Outcome string

const (
	OutcomeReused  Outcome = "reused"
	OutcomeStarted Outcome = "started"
	OutcomeFailed  Outcome = "failed"
)

// Result is returned by EnsureRunning. Process is set for reused and
// started outcomes, Err for failed ones.
type Result struct {
	Outcome Outcome
	Process host.Process
	Err     error
}

// Info returns the process snapshot, or the zero Info when there is no process.
func (r Result) Info() host.Info {
	if r.Process == nil {
		return host.Info{}
	}
	return r.Process.Info()
}

// ReadinessError is returned when a freshly started process never became
// ready and some of its output could be recovered.
type ReadinessError struct {
	ProcessID   string
	Port        int
	Source      string // "host logs" or "log file"
	Diagnostics string
	Err         error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("process %s did not become ready on port %d: %v\n%s:\n%s",
		e.ProcessID, e.Port, e.Err, e.Source, e.Diagnostics)
}

func (e *ReadinessError) Unwrap() error { return e.Err }
