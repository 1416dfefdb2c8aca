// Package history exports supervision events to analytics and audit systems.
package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventDiscovered  EventType = "discovered"
	EventReused      EventType = "reused"
	EventNotReady    EventType = "not_ready"
	EventKilled      EventType = "killed"
	EventKillFailed  EventType = "kill_failed"
	EventStarted     EventType = "started"
	EventReady       EventType = "ready"
	EventStartFailed EventType = "start_failed"
	EventDiagnostics EventType = "diagnostics"
)

// Event is one step of a supervision run.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	ProcessID  string    `json:"process_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Command    string    `json:"command,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans an event out to several sinks. Sink failures are logged and
// never returned: history is best effort and must not change supervision results.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger}
}

// Enabled reports whether any sink is attached.
func (r *Recorder) Enabled() bool { return r != nil && len(r.sinks) > 0 }

// Record stamps e with the current time when unset and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "event", e.Type, "service", e.Service, "error", err)
		}
	}
}

// Close closes every sink implementing io.Closer and returns the first error.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
