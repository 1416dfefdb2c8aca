package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/keepup/internal/host"
)

// fakeProc is a scriptable host.Process.
type fakeProc struct {
	info host.Info

	// wait decides the WaitForPort result; nil means ready immediately.
	wait    func(ctx context.Context, check host.ReadinessCheck) error
	killErr error
	logs    host.Logs
	logsErr error

	waits atomic.Int32
	kills atomic.Int32
}

func (p *fakeProc) Info() host.Info { return p.info }

func (p *fakeProc) WaitForPort(ctx context.Context, check host.ReadinessCheck) error {
	p.waits.Add(1)
	if p.wait == nil {
		return nil
	}
	return p.wait(ctx, check)
}

func (p *fakeProc) Kill(context.Context) error {
	p.kills.Add(1)
	return p.killErr
}

func (p *fakeProc) Logs(context.Context) (host.Logs, error) { return p.logs, p.logsErr }

// fakeHost records every call and lets tests script Start.
type fakeHost struct {
	mu      sync.Mutex
	procs   []*fakeProc
	listErr error
	started []host.LaunchSpec
	// startFn builds the process for a launch; a nil process with a nil
	// error yields a default ready process.
	startFn func(spec host.LaunchSpec) (*fakeProc, error)
	events  []string
}

func (h *fakeHost) List(context.Context) ([]host.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "list")
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]host.Process, 0, len(h.procs))
	for _, p := range h.procs {
		out = append(out, p)
	}
	return out, nil
}

func (h *fakeHost) Start(_ context.Context, spec host.LaunchSpec) (host.Process, error) {
	h.mu.Lock()
	h.started = append(h.started, spec)
	h.events = append(h.events, "start:"+spec.Name)
	n := len(h.started)
	fn := h.startFn
	h.mu.Unlock()

	var p *fakeProc
	if fn != nil {
		var err error
		p, err = fn(spec)
		if err != nil {
			return nil, err
		}
	}
	if p == nil {
		p = &fakeProc{}
	}
	if p.info.ID == "" {
		p.info.ID = fmt.Sprintf("new-%d", n)
	}
	p.info.Command = spec.Command
	p.info.Labels = spec.Labels
	p.info.Status = host.StatusStarting
	p.info.StartedAt = time.Now()

	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()
	return p, nil
}

func (h *fakeHost) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started)
}

func (h *fakeHost) add(id, command string, status host.Status) *fakeProc {
	p := &fakeProc{info: host.Info{ID: id, Command: command, Status: status, StartedAt: time.Now()}}
	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()
	return p
}

func timeoutAfter(d time.Duration) func(context.Context, host.ReadinessCheck) error {
	return func(ctx context.Context, check host.ReadinessCheck) error {
		select {
		case <-time.After(d):
			return &host.TimeoutError{Port: check.Port, Timeout: check.Timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readyAfter(d time.Duration) func(context.Context, host.ReadinessCheck) error {
	return func(ctx context.Context, _ host.ReadinessCheck) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
