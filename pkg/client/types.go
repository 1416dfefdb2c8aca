package client

import "time"

// ProcessInfo mirrors a process entry of the host API.
type ProcessInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Command   string            `json:"command"`
	Status    string            `json:"status"`
	PID       int               `json:"pid,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// LaunchRequest is the body of POST /processes.
type LaunchRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	LogFile string            `json:"log_file,omitempty"`
}

// ReadinessRequest is the body of POST /processes/:id/wait.
// Durations are encoded in nanoseconds.
type ReadinessRequest struct {
	Port     int           `json:"port"`
	Mode     string        `json:"mode,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	Host     string        `json:"host,omitempty"`
	Path     string        `json:"path,omitempty"`
	Command  string        `json:"command,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Logs is captured process output.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// EnsureResponse is returned by POST /ensure.
type EnsureResponse struct {
	Outcome string       `json:"outcome"`
	Process *ProcessInfo `json:"process,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// TokenRequest is the body of POST /auth/token. Roles narrow the caller's
// roles; empty keeps them all.
type TokenRequest struct {
	TTL   time.Duration `json:"ttl,omitempty"`
	Roles []string      `json:"roles,omitempty"`
}

type TokenResponse struct {
	Type      string    `json:"type"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
