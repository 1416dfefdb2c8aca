// Package supervisor keeps exactly one instance of a long-running service
// alive on a process host.
//
// The supervisor holds no lock and no state between calls: the host's process
// table is the only source of truth. Concurrent EnsureRunning calls converge on
// the same process because an already discovered process is always given the
// full readiness timeout before it is declared stale.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/keepup/internal/history"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/metrics"
)

var (
	ErrNoCommand   = errors.New("launch command is required")
	ErrInvalidPort = errors.New("readiness port must be between 1 and 65535")
)

const (
	phaseExisting = "existing"
	phaseNew      = "new"
)

// Config describes the supervised service.
type Config struct {
	// Service names the service in logs, metrics and history. Defaults to
	// Launch.Name, then to the base name of the executable.
	Service     string
	Launch      host.LaunchSpec
	Readiness   host.ReadinessCheck
	Signature   Signature // derived from Launch when zero
	Diagnostics DiagnosticsConfig
}

// Validate checks the launch spec and readiness check.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Launch.Command) == "" {
		return ErrNoCommand
	}
	r := c.Readiness.WithDefaults()
	if r.Mode != host.ProbeExec && (r.Port <= 0 || r.Port > 65535) {
		return fmt.Errorf("%w: %d", ErrInvalidPort, r.Port)
	}
	if r.Mode == host.ProbeExec && strings.TrimSpace(r.Command) == "" {
		return errors.New("exec readiness requires a command")
	}
	return nil
}

func (c Config) serviceName() string {
	if c.Service != "" {
		return c.Service
	}
	if c.Launch.Name != "" {
		return c.Launch.Name
	}
	if f := strings.Fields(c.Launch.Command); len(f) > 0 {
		return filepath.Base(f[0])
	}
	return "service"
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistory attaches a recorder receiving one event per supervision step.
func WithHistory(r *history.Recorder) Option {
	return func(s *Supervisor) { s.history = r }
}

// Supervisor implements discover and ensure-running for one service on one host.
// It is safe for concurrent use.
type Supervisor struct {
	host    host.Host
	cfg     Config
	service string
	match   *Matcher
	logger  *slog.Logger
	history *history.Recorder
}

func New(h host.Host, cfg Config, opts ...Option) (*Supervisor, error) {
	if h == nil {
		return nil, errors.New("supervisor: nil host")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sig := cfg.Signature
	if sig.IsZero() {
		sig = SignatureFor(cfg.Launch)
	}
	m, err := sig.Compile()
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	cfg.Readiness = cfg.Readiness.WithDefaults()
	cfg.Diagnostics = cfg.Diagnostics.withDefaults()
	s := &Supervisor{
		host:    h,
		cfg:     cfg,
		service: cfg.serviceName(),
		match:   m,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("service", s.service)
	return s, nil
}

// Service returns the service name used in logs, metrics and history.
func (s *Supervisor) Service() string { return s.service }

// Config returns the effective configuration with defaults applied.
func (s *Supervisor) Config() Config { return s.cfg }

// Discover returns the first live process matching the signature, or nil.
// Listing errors are logged and treated as "no process".
func (s *Supervisor) Discover(ctx context.Context) host.Process {
	procs, err := s.host.List(ctx)
	if err != nil {
		s.logger.Warn("process discovery failed", "error", err)
		metrics.IncDiscoveryError(s.service)
		return nil
	}
	var found host.Process
	matches := 0
	for _, p := range procs {
		info := p.Info()
		if !info.Status.Alive() || !s.match.Match(info) {
			continue
		}
		matches++
		if found == nil {
			found = p
		}
	}
	if found == nil {
		return nil
	}
	if matches > 1 {
		s.logger.Warn("several live processes match the signature, using the first", "matches", matches, "id", found.Info().ID)
	}
	s.record(ctx, history.EventDiscovered, found.Info(), nil)
	return found
}

// Ensure runs EnsureRunning with the configured launch spec and readiness check.
func (s *Supervisor) Ensure(ctx context.Context) (Result, error) {
	return s.EnsureRunning(ctx, s.cfg.Launch, s.cfg.Readiness)
}

// EnsureRunning returns a ready process, reusing a discovered one when it
// passes readiness within the full timeout and starting a new one otherwise.
// A stale process is killed at most once per call; a new process that fails
// readiness is never restarted.
func (s *Supervisor) EnsureRunning(ctx context.Context, launch host.LaunchSpec, check host.ReadinessCheck) (Result, error) {
	check = check.WithDefaults()

	if p := s.Discover(ctx); p != nil {
		err := s.waitReady(ctx, p, check, phaseExisting)
		if err == nil {
			s.logger.Info("reusing running process", "id", p.Info().ID, "pid", p.Info().PID)
			s.record(ctx, history.EventReused, p.Info(), nil)
			return s.done(OutcomeReused, p), nil
		}
		if ctx.Err() != nil {
			return s.fail(fmt.Errorf("wait for process %s: %w", p.Info().ID, err))
		}
		s.logger.Warn("existing process not ready, replacing it", "id", p.Info().ID, "error", err)
		s.record(ctx, history.EventNotReady, p.Info(), err)
		s.kill(ctx, p)
	}

	p, err := s.host.Start(ctx, launch)
	if err != nil {
		s.logger.Error("start failed", "command", launch.Command, "error", err)
		s.record(ctx, history.EventStartFailed, host.Info{Command: launch.Command}, err)
		return s.fail(err)
	}
	s.logger.Info("process started", "id", p.Info().ID, "pid", p.Info().PID)
	s.record(ctx, history.EventStarted, p.Info(), nil)

	if err := s.waitReady(ctx, p, check, phaseNew); err != nil {
		s.logger.Error("new process not ready", "id", p.Info().ID, "port", check.Port, "error", err)
		s.record(ctx, history.EventNotReady, p.Info(), err)
		if ctx.Err() != nil {
			return s.fail(err)
		}
		return s.fail(s.diagnose(ctx, p, launch, check, err))
	}
	s.record(ctx, history.EventReady, p.Info(), nil)
	return s.done(OutcomeStarted, p), nil
}

func (s *Supervisor) waitReady(ctx context.Context, p host.Process, check host.ReadinessCheck, phase string) error {
	begin := time.Now()
	err := p.WaitForPort(ctx, check)
	metrics.ObserveReadiness(s.service, phase, err == nil, time.Since(begin).Seconds())
	return err
}

// kill terminates a stale process. Failures are logged only.
func (s *Supervisor) kill(ctx context.Context, p host.Process) {
	if err := p.Kill(ctx); err != nil {
		s.logger.Warn("kill of stale process failed", "id", p.Info().ID, "error", err)
		metrics.IncKill(s.service, false)
		s.record(ctx, history.EventKillFailed, p.Info(), err)
		return
	}
	metrics.IncKill(s.service, true)
	s.record(ctx, history.EventKilled, p.Info(), nil)
}

func (s *Supervisor) done(o Outcome, p host.Process) Result {
	metrics.IncEnsure(s.service, string(o))
	return Result{Outcome: o, Process: p}
}

func (s *Supervisor) fail(err error) (Result, error) {
	metrics.IncEnsure(s.service, string(OutcomeFailed))
	return Result{Outcome: OutcomeFailed, Err: err}, err
}

func (s *Supervisor) record(ctx context.Context, t history.EventType, info host.Info, err error) {
	if !s.history.Enabled() {
		return
	}
	e := history.Event{
		Type:      t,
		Service:   s.service,
		ProcessID: info.ID,
		PID:       info.PID,
		Command:   info.Command,
		Status:    string(info.Status),
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.history.Record(context.WithoutCancel(ctx), e)
}
