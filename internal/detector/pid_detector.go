package detector

import (
	"context"
	"fmt"
	"time"
)

// PIDDetector detects a process by PID. When StartedAt is set the process
// must also have been created at that second, which rejects reused PIDs.
type PIDDetector struct {
	PID       int
	StartedAt time.Time
}

func (d PIDDetector) Alive(context.Context) (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if !d.StartedAt.IsZero() {
		if cur := StartTime(d.PID); !cur.IsZero() && cur.Unix() != d.StartedAt.Unix() {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }
