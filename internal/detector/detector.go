// Package detector implements readiness and liveness probes.
package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/loykin/keepup/internal/host"
)

// Detector is a strategy that determines if a process is up.
// Implementations may dial a port, issue an HTTP request, run a command or
// check a PID. It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the condition currently holds. A false result
	// with a nil error means "not yet"; an error describes why the probe
	// itself could not run.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ErrNotReady is the last error reported by Wait when the detector never
// returned true and gave no error of its own.
var ErrNotReady = errors.New("not ready")

// FromCheck builds the detector described by a readiness check.
func FromCheck(check host.ReadinessCheck) (Detector, error) {
	check = check.WithDefaults()
	addr := net.JoinHostPort(check.Host, strconv.Itoa(check.Port))
	switch check.Mode {
	case host.ProbeTCP:
		return PortDetector{Addr: addr}, nil
	case host.ProbeHTTP:
		return NewHTTPDetector("http://" + addr + check.Path), nil
	case host.ProbeExec:
		if check.Command == "" {
			return nil, errors.New("exec probe requires a command")
		}
		return CommandDetector{Command: check.Command}, nil
	}
	return nil, fmt.Errorf("unknown probe mode %q", check.Mode)
}

// Wait polls d every interval until it reports alive or ctx is done.
// On ctx expiry it returns the last probe error, or ErrNotReady.
func Wait(ctx context.Context, d Detector, interval time.Duration) error {
	if interval <= 0 {
		interval = host.DefaultProbeInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	last := ErrNotReady
	for {
		ok, err := d.Alive(ctx)
		if ok {
			return nil
		}
		if err != nil {
			last = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", d.Describe(), last)
		case <-t.C:
		}
	}
}
