package process

import (
	"context"
	"fmt"
	"os"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/keepup/internal/detector"
	"github.com/loykin/keepup/internal/host"
)

// systemProcess is an OS process the host did not launch.
type systemProcess struct {
	info host.Info
}

func (h *Host) scanSystem(ctx context.Context, skip map[int]bool) ([]host.Process, error) {
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan system processes: %w", err)
	}
	self := os.Getpid()
	out := make([]host.Process, 0, len(procs))
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || skip[pid] {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		var started time.Time
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			started = time.UnixMilli(ms)
		}
		out = append(out, &systemProcess{info: host.Info{
			ID:        fmt.Sprintf("pid-%d", pid),
			Name:      name,
			Command:   cmdline,
			Status:    systemStatus(ctx, p),
			PID:       pid,
			StartedAt: started,
		}})
	}
	return out, nil
}

func systemStatus(ctx context.Context, p *gproc.Process) host.Status {
	st, err := p.StatusWithContext(ctx)
	if err != nil || len(st) == 0 {
		return host.StatusUnknown
	}
	if st[0] == gproc.Zombie {
		return host.StatusExited
	}
	return host.StatusRunning
}

func (s *systemProcess) Info() host.Info { return s.info }

func (s *systemProcess) WaitForPort(ctx context.Context, check host.ReadinessCheck) error {
	check = check.WithDefaults()
	wctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		// closes done once the pid is gone or was reused
		pd := detector.PIDDetector{PID: s.info.PID, StartedAt: s.info.StartedAt}
		t := time.NewTicker(check.Interval)
		defer t.Stop()
		for {
			if ok, _ := pd.Alive(wctx); !ok {
				close(done)
				return
			}
			select {
			case <-wctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return waitForPort(ctx, s.info.ID, check, done, func() error {
		return fmt.Errorf("process %d is gone", s.info.PID)
	})
}

// Kill signals the pid only; the process is not a child so it cannot be reaped.
func (s *systemProcess) Kill(ctx context.Context) error {
	if err := killPID(s.info.PID); err != nil {
		return &host.KillError{ProcessID: s.info.ID, Err: err}
	}
	pd := detector.PIDDetector{PID: s.info.PID, StartedAt: s.info.StartedAt}
	kctx, cancel := context.WithTimeout(ctx, reapTimeout)
	defer cancel()
	for {
		if ok, _ := pd.Alive(kctx); !ok || isZombie(s.info.PID) {
			return nil
		}
		select {
		case <-kctx.Done():
			return &host.KillError{ProcessID: s.info.ID, Err: fmt.Errorf("pid %d still alive: %w", s.info.PID, kctx.Err())}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *systemProcess) Logs(context.Context) (host.Logs, error) { return host.Logs{}, nil }
