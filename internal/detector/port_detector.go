package detector

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// DefaultDialTimeout bounds a single TCP connect attempt.
const DefaultDialTimeout = time.Second

// PortDetector reports alive when a TCP connection to Addr succeeds.
type PortDetector struct {
	Addr        string
	DialTimeout time.Duration
}

func (d PortDetector) Alive(ctx context.Context) (bool, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		// nothing listening yet is the expected state while starting
		if errors.Is(err, syscall.ECONNREFUSED) {
			return false, nil
		}
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

func (d PortDetector) Describe() string { return "tcp:" + d.Addr }
