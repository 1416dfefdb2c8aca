// Package cron re-runs the service ensure on a schedule, so a service that
// died is brought back before the next request needs it.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/keepup/internal/supervisor"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard cron expressions with optional seconds and
// descriptors such as "@every 30s" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Ensurer is satisfied by *supervisor.Supervisor.
type Ensurer interface {
	Ensure(ctx context.Context) (supervisor.Result, error)
}

// KeepAlive calls Ensure on every tick. A tick is skipped while the previous
// run is still in progress.
type KeepAlive struct {
	ens      Ensurer
	schedule string
	timeout  time.Duration
	c        *cron.Cron
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	started atomic.Bool
}

// Config of a KeepAlive. Timeout bounds one ensure run; zero leaves it to
// the readiness timeout.
type Config struct {
	Schedule string
	TimeZone string
	Timeout  time.Duration
}

func New(ens Ensurer, cfg Config, logger *slog.Logger) (*KeepAlive, error) {
	if ens == nil {
		return nil, errors.New("keepalive: nil ensurer")
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []cron.Option
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", cfg.TimeZone, err)
		}
		opts = append(opts, cron.WithLocation(loc))
	}
	opts = append(opts, cron.WithParser(parser))
	k := &KeepAlive{
		ens:      ens,
		schedule: strings.TrimSpace(cfg.Schedule),
		timeout:  cfg.Timeout,
		c:        cron.New(opts...),
		logger:   logger.With("component", "keepalive"),
	}
	if _, err := k.c.AddFunc(k.schedule, k.tick); err != nil {
		return nil, err
	}
	return k, nil
}

// Start schedules runs until ctx is done or Stop is called.
func (k *KeepAlive) Start(ctx context.Context) {
	if !k.started.CompareAndSwap(false, true) {
		return
	}
	k.ctx, k.cancel = context.WithCancel(ctx)
	k.c.Start()
	k.logger.Info("keepalive scheduled", "schedule", k.schedule, "next", k.Next())
	go func() {
		<-k.ctx.Done()
		k.c.Stop()
	}()
}

// Stop cancels a run in progress and waits for it to return.
func (k *KeepAlive) Stop() {
	if !k.started.Load() {
		return
	}
	k.cancel()
	<-k.c.Stop().Done()
}

// Next returns the next scheduled run, zero before Start.
func (k *KeepAlive) Next() time.Time {
	for _, e := range k.c.Entries() {
		return e.Next
	}
	return time.Time{}
}

// Runs returns how many ticks ran and how many were skipped for overlap.
func (k *KeepAlive) Runs() (ran, skipped int64) { return k.runs.Load(), k.skipped.Load() }

func (k *KeepAlive) tick() {
	if !k.running.CompareAndSwap(false, true) {
		k.skipped.Add(1)
		k.logger.Debug("previous ensure still running, skipping tick")
		return
	}
	defer k.running.Store(false)
	k.runs.Add(1)

	ctx := k.ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	res, err := k.ens.Ensure(ctx)
	if err != nil {
		k.logger.Warn("scheduled ensure failed", "error", err)
		return
	}
	k.logger.Debug("scheduled ensure", "outcome", res.Outcome, "id", res.Info().ID)
}
