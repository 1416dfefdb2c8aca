// Package host defines the process host capability consumed by the supervisor.
//
// A Host owns a process table (local OS processes, a remote daemon, a sandbox
// platform). Callers only ever hold transient Process handles obtained from
// List or Start; the authoritative state lives in the host.
package host

import (
	"context"
	"time"
)

// Status is the lifecycle state of a process as reported by its host.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// Alive reports whether the status describes a process that may still serve.
func (s Status) Alive() bool { return s == StatusStarting || s == StatusRunning }

// Info is a snapshot of a process known to a host.
type Info struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Command   string            `json:"command"`
	Status    Status            `json:"status"`
	PID       int               `json:"pid,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// LaunchSpec describes a process to start.
type LaunchSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	LogFile string            `json:"log_file,omitempty"` // optional combined stdout/stderr file
}

// ProbeMode selects how readiness is probed.
type ProbeMode string

const (
	ProbeTCP  ProbeMode = "tcp"
	ProbeHTTP ProbeMode = "http"
	ProbeExec ProbeMode = "exec"
)

// Default readiness values applied by ReadinessCheck.WithDefaults.
const (
	DefaultProbeHost     = "127.0.0.1"
	DefaultProbeInterval = 200 * time.Millisecond
	DefaultProbeTimeout  = 30 * time.Second
)

// ReadinessCheck is a bounded-time probe confirming a process accepts connections.
type ReadinessCheck struct {
	Port     int           `json:"port"`
	Mode     ProbeMode     `json:"mode,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	Host     string        `json:"host,omitempty"`
	Path     string        `json:"path,omitempty"`    // http mode only
	Command  string        `json:"command,omitempty"` // exec mode only
	Interval time.Duration `json:"interval,omitempty"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c ReadinessCheck) WithDefaults() ReadinessCheck {
	if c.Mode == "" {
		c.Mode = ProbeTCP
	}
	if c.Host == "" {
		c.Host = DefaultProbeHost
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultProbeInterval
	}
	if c.Mode == ProbeHTTP && c.Path == "" {
		c.Path = "/"
	}
	return c
}

// Logs holds captured process output.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Empty reports whether neither stream carries non-whitespace output.
func (l Logs) Empty() bool { return isBlank(l.Stdout) && isBlank(l.Stderr) }

// Host is the process table capability.
// Implementations must be safe for concurrent use.
type Host interface {
	// List returns every process the host knows about, in any status.
	List(ctx context.Context) ([]Process, error)
	// Start launches a new process. Failures are reported as *StartError.
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a handle on one process owned by a Host.
type Process interface {
	Info() Info
	// WaitForPort blocks until the readiness check passes. It fails with
	// *TimeoutError when the check does not pass within check.Timeout.
	WaitForPort(ctx context.Context, check ReadinessCheck) error
	// Kill terminates the process. Failures are reported as *KillError.
	Kill(ctx context.Context) error
	// Logs returns whatever output the host captured for the process.
	Logs(ctx context.Context) (Logs, error)
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// Find returns the process with the given id, or ErrNotFound.
func Find(ctx context.Context, h Host, id string) (Process, error) {
	procs, err := h.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.Info().ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}
