// Package process implements host.Host for child processes of the local OS.
package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/keepup/internal/env"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/logger"
	"github.com/loykin/keepup/internal/metrics"
)

const (
	DefaultStartGrace = 2 * time.Second
	DefaultRetention  = 5 * time.Minute

	// waitDelay bounds how long reaping waits for output pipes held open by
	// grandchildren after the process itself exited.
	waitDelay = 2 * time.Second
)

// Options configures a local Host.
type Options struct {
	// Env is the base environment of launched processes. Defaults to the OS environment.
	Env *env.Env
	// Log.File.Dir, when set, receives <name>.stdout.log and <name>.stderr.log per process.
	Log logger.Config
	// TailBytes is the in-memory output kept per stream.
	TailBytes int
	// StartGrace is how long a live process reports "starting" before it is
	// considered running without a successful readiness wait.
	StartGrace time.Duration
	// Retention is how long exited processes stay listed.
	Retention time.Duration
	// ScanSystem also lists OS processes this host did not launch.
	ScanSystem bool
	Logger     *slog.Logger
}

// Host owns the processes it started.
type Host struct {
	opts   Options
	env    *env.Env
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

func NewHost(opts Options) *Host {
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	e := opts.Env
	if e == nil {
		e = env.New().FromOS()
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Host{
		opts:   opts,
		env:    e,
		logger: l.With("host", "local"),
		procs:  make(map[string]*Process),
	}
}

// List returns launched processes ordered by start time, followed by system
// processes when ScanSystem is enabled.
func (h *Host) List(ctx context.Context) ([]host.Process, error) {
	own := h.snapshot()
	out := make([]host.Process, 0, len(own))
	skip := make(map[int]bool, len(own))
	for _, p := range own {
		out = append(out, p)
		skip[p.pid] = true
	}
	if h.opts.ScanSystem {
		sys, err := h.scanSystem(ctx, skip)
		if err != nil {
			return nil, err
		}
		out = append(out, sys...)
	}
	return out, nil
}

func (h *Host) snapshot() []*Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	out := make([]*Process, 0, len(h.procs))
	for _, p := range h.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

func (h *Host) pruneLocked() {
	cutoff := time.Now().Add(-h.opts.Retention)
	for id, p := range h.procs {
		if !p.exited() {
			continue
		}
		p.mu.Lock()
		old := p.exitedAt.Before(cutoff)
		p.mu.Unlock()
		if old {
			delete(h.procs, id)
		}
	}
}

// Start launches spec in its own process group.
func (h *Host) Start(ctx context.Context, spec host.LaunchSpec) (host.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &host.StartError{Command: spec.Command, Err: err}
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, &host.StartError{Command: spec.Command, Err: errors.New("empty command")}
	}
	name := spec.Name
	if name == "" {
		name = filepath.Base(strings.Fields(spec.Command)[0])
	}

	cmd := BuildCommand(spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = h.env.Merge(spec.Env)
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	p := &Process{
		id:     uuid.NewString(),
		name:   name,
		spec:   spec,
		grace:  h.opts.StartGrace,
		stdout: newTailBuffer(h.opts.TailBytes),
		stderr: newTailBuffer(h.opts.TailBytes),
		done:   make(chan struct{}),
	}
	outW, errW, err := h.outputFiles(name, spec.LogFile)
	if err != nil {
		return nil, &host.StartError{Command: spec.Command, Err: err}
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if outW != nil {
		cmd.Stdout = io.MultiWriter(p.stdout, outW)
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = io.MultiWriter(p.stderr, errW)
		if errW != outW {
			p.closers = append(p.closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		for _, c := range p.closers {
			_ = c.Close()
		}
		h.logger.Error("process start failed", "name", name, "error", err)
		return nil, &host.StartError{Command: spec.Command, Err: err}
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()

	h.mu.Lock()
	h.procs[p.id] = p
	h.mu.Unlock()

	go func() {
		p.wait()
		h.logger.Debug("process exited", "id", p.id, "name", name, "pid", p.pid)
		h.updateLive()
	}()
	metrics.IncHostStart(name)
	h.updateLive()
	h.logger.Info("process started", "id", p.id, "name", name, "pid", p.pid)
	return p, nil
}

// outputFiles opens the rotating files receiving process output. A LogFile
// on the launch spec takes both streams; otherwise Log.File.Dir is used.
func (h *Host) outputFiles(name, logFile string) (io.WriteCloser, io.WriteCloser, error) {
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
			return nil, nil, err
		}
		w := h.opts.Log.FileWriter(logFile)
		return w, w, nil
	}
	if h.opts.Log.File.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(h.opts.Log.File.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	cfg := logger.Config{File: logger.FileConfig{
		Dir:        h.opts.Log.File.Dir,
		MaxSizeMB:  h.opts.Log.File.MaxSizeMB,
		MaxBackups: h.opts.Log.File.MaxBackups,
		MaxAgeDays: h.opts.Log.File.MaxAgeDays,
		Compress:   h.opts.Log.File.Compress,
	}}
	return cfg.ProcessWriters(name)
}

// Live returns the pid of every live launched process keyed by name, for
// resource sampling.
func (h *Host) Live() map[string]int32 {
	out := make(map[string]int32)
	for _, p := range h.snapshot() {
		if !p.exited() {
			out[p.name] = int32(p.pid)
		}
	}
	return out
}

func (h *Host) updateLive() {
	counts := make(map[string]int)
	for _, p := range h.snapshot() {
		if _, ok := counts[p.name]; !ok {
			counts[p.name] = 0
		}
		if !p.exited() {
			counts[p.name]++
		}
	}
	for name, n := range counts {
		metrics.SetLive(name, n)
	}
}

// Close kills every live launched process. Output pipes end with the daemon,
// so children are not left behind writing into closed pipes.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	for _, p := range h.snapshot() {
		if err := p.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
