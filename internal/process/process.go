package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/loykin/keepup/internal/detector"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/metrics"
)

// reapTimeout bounds how long Kill waits for the killed process to be reaped.
const reapTimeout = 5 * time.Second

// Process is a child process started by a Host.
type Process struct {
	id        string
	name      string
	spec      host.LaunchSpec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	grace     time.Duration

	stdout, stderr *tailBuffer
	closers        []io.Closer

	done chan struct{} // closed once the process is reaped

	mu       sync.Mutex
	ready    bool
	exitErr  error
	exitedAt time.Time
}

func (p *Process) Info() host.Info {
	labels := make(map[string]string, len(p.spec.Labels))
	for k, v := range p.spec.Labels {
		labels[k] = v
	}
	return host.Info{
		ID:        p.id,
		Name:      p.name,
		Command:   p.spec.Command,
		Status:    p.status(),
		PID:       p.pid,
		StartedAt: p.startedAt,
		Labels:    labels,
	}
}

func (p *Process) status() host.Status {
	if p.exited() || isZombie(p.pid) {
		return host.StatusExited
	}
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	if ready || time.Since(p.startedAt) >= p.grace {
		return host.StatusRunning
	}
	return host.StatusStarting
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCause describes why the process ended. Only valid after done is closed.
func (p *Process) exitCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil {
		return fmt.Errorf("process exited: %w", p.exitErr)
	}
	return errors.New("process exited: exit status 0")
}

// wait reaps the process. It is the only caller of cmd.Wait.
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	for _, c := range p.closers {
		_ = c.Close()
	}
	close(p.done)
}

func (p *Process) WaitForPort(ctx context.Context, check host.ReadinessCheck) error {
	err := waitForPort(ctx, p.id, check, p.done, p.exitCause)
	if err == nil {
		p.mu.Lock()
		p.ready = true
		p.mu.Unlock()
	}
	return err
}

// Kill sends SIGKILL to the process group and waits until the process is reaped.
func (p *Process) Kill(ctx context.Context) error {
	if p.exited() {
		return nil
	}
	if err := killGroup(p.pid); err != nil {
		return &host.KillError{ProcessID: p.id, Err: err}
	}
	t := time.NewTimer(reapTimeout)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		return &host.KillError{ProcessID: p.id, Err: errors.New("process not reaped after SIGKILL")}
	case <-ctx.Done():
		return &host.KillError{ProcessID: p.id, Err: ctx.Err()}
	}
	metrics.IncHostKill(p.name)
	return nil
}

func (p *Process) Logs(context.Context) (host.Logs, error) {
	return host.Logs{Stdout: p.stdout.String(), Stderr: p.stderr.String()}, nil
}

// waitForPort polls the readiness detector until it passes, the check times
// out, ctx is cancelled or done is closed. An exit fails immediately with a
// *host.TimeoutError carrying the exit cause.
func waitForPort(ctx context.Context, id string, check host.ReadinessCheck, done <-chan struct{}, cause func() error) error {
	check = check.WithDefaults()
	d, err := detector.FromCheck(check)
	if err != nil {
		return err
	}
	d = exitGuard{Detector: d, done: done}
	wctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-wctx.Done():
		}
	}()

	err = detector.Wait(wctx, d, check.Interval)
	if err == nil {
		return nil
	}
	select {
	case <-done:
		return &host.TimeoutError{ProcessID: id, Port: check.Port, Timeout: check.Timeout, Err: cause()}
	default:
	}
	if ctx.Err() != nil {
		return fmt.Errorf("wait for %s: %w", id, ctx.Err())
	}
	return &host.TimeoutError{ProcessID: id, Port: check.Port, Timeout: check.Timeout, Err: err}
}

var errExited = errors.New("process exited")

// exitGuard fails a probe once the process has exited, so a listener left
// behind by another process is never taken for this one.
type exitGuard struct {
	detector.Detector
	done <-chan struct{}
}

func (g exitGuard) Alive(ctx context.Context) (bool, error) {
	select {
	case <-g.done:
		return false, errExited
	default:
	}
	ok, err := g.Detector.Alive(ctx)
	if ok {
		select {
		case <-g.done:
			return false, errExited
		default:
		}
	}
	return ok, err
}

// isZombie reports whether a process is a zombie (Linux-specific).
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" || pid <= 0 {
		return false
	}
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "State:\tZ")
}
