// Package keepup wires a process host, the service supervisor, the auth gate
// and the HTTP API into an embeddable daemon.
package keepup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/internal/config"
	"github.com/loykin/keepup/internal/cron"
	"github.com/loykin/keepup/internal/env"
	"github.com/loykin/keepup/internal/history"
	"github.com/loykin/keepup/internal/history/factory"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/metrics"
	"github.com/loykin/keepup/internal/process"
	"github.com/loykin/keepup/internal/remote"
	"github.com/loykin/keepup/internal/server"
	"github.com/loykin/keepup/internal/supervisor"
	ktls "github.com/loykin/keepup/internal/tls"
	"github.com/loykin/keepup/pkg/client"
)

// Re-exported so embedders do not need the internal packages.
type (
	Config      = config.Config
	Host        = host.Host
	Process     = host.Process
	LaunchSpec  = host.LaunchSpec
	Readiness   = host.ReadinessCheck
	Supervisor  = supervisor.Supervisor
	Result      = supervisor.Result
	Outcome     = supervisor.Outcome
	HistorySink = history.Sink
)

const (
	OutcomeReused  = supervisor.OutcomeReused
	OutcomeStarted = supervisor.OutcomeStarted
	OutcomeFailed  = supervisor.OutcomeFailed
)

// LoadConfig reads a TOML file (optional) with KEEPUP_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ParseConfig reads configuration from TOML text.
func ParseConfig(data string) (*Config, error) { return config.Parse(data) }

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	host       host.Host
}

// WithLogger overrides the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithHost replaces the host selected by [host].mode.
func WithHost(h host.Host) Option { return func(o *options) { o.host = h } }

// Daemon is a configured keepup instance.
type Daemon struct {
	cfg       *Config
	logger    *slog.Logger
	host      host.Host
	local     *process.Host
	sup       *supervisor.Supervisor
	history   *history.Recorder
	collector *metrics.ResourceCollector
	keepalive *cron.KeepAlive
	handler   http.Handler
	tls       *tls.Config
}

// New builds every component described by cfg. Nothing runs until Run.
func New(cfg *Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("keepup: nil config")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Log.NewSlogger()
	}
	if o.registerer == nil {
		o.registerer = prometheus.DefaultRegisterer
	}
	d := &Daemon{cfg: cfg, logger: o.logger, host: o.host}

	if d.host == nil {
		h, local, err := newHost(cfg, d.logger)
		if err != nil {
			return nil, err
		}
		d.host, d.local = h, local
	}

	rec, err := factory.NewRecorder(d.logger, cfg.History.DSNs...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	d.history = rec

	if cfg.Service.Enabled() {
		sc, err := cfg.Service.Supervisor()
		if err != nil {
			_ = d.history.Close()
			return nil, err
		}
		d.sup, err = supervisor.New(d.host, sc, supervisor.WithLogger(d.logger), supervisor.WithHistory(d.history))
		if err != nil {
			_ = d.history.Close()
			return nil, fmt.Errorf("service: %w", err)
		}
		if cfg.Service.KeepAlive.Schedule != "" {
			d.keepalive, err = cron.New(d.sup, cfg.Service.KeepAlive.Cron(), d.logger)
			if err != nil {
				_ = d.history.Close()
				return nil, fmt.Errorf("service.keepalive: %w", err)
			}
		}
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			_ = d.history.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		metricsPath = cfg.Metrics.Path
		if d.local != nil && cfg.Metrics.ResourceInterval > 0 {
			d.collector = metrics.NewResourceCollector(cfg.Metrics.ResourceInterval, d.local.Live, d.logger)
			if err := d.collector.Register(o.registerer); err != nil {
				_ = d.history.Close()
				return nil, fmt.Errorf("metrics: %w", err)
			}
		}
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		_ = d.history.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	d.tls, err = ktls.Setup(cfg.Server.TLS)
	if err != nil {
		_ = d.history.Close()
		return nil, fmt.Errorf("server.tls: %w", err)
	}

	d.handler = server.NewRouter(d.host, server.Options{
		BasePath:    cfg.Server.BasePath,
		ProxyPath:   cfg.Server.ProxyPath,
		MetricsPath: metricsPath,
		Auth:        authSvc,
		Supervisor:  d.sup,
		Logger:      d.logger,
	}).Handler()
	return d, nil
}

func newHost(cfg *Config, logger *slog.Logger) (host.Host, *process.Host, error) {
	if cfg.Host.Mode == config.HostRemote {
		c, err := client.New(client.Config{
			BaseURL:  cfg.Host.APIURL,
			Timeout:  cfg.Host.Timeout,
			Token:    cfg.Host.Token,
			CAFile:   cfg.Host.CAFile,
			Insecure: cfg.Host.Insecure,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("host.api_url: %w", err)
		}
		return remote.New(c), nil, nil
	}
	e := env.New().FromOS()
	if err := e.LoadFiles(cfg.Host.EnvFiles...); err != nil {
		return nil, nil, fmt.Errorf("host.env_files: %w", err)
	}
	local := process.NewHost(process.Options{
		Env:        e,
		Log:        cfg.Log,
		TailBytes:  cfg.Host.TailBytes,
		StartGrace: cfg.Host.StartGrace,
		Retention:  cfg.Host.Retention,
		ScanSystem: cfg.Host.ScanSystem,
		Logger:     logger,
	})
	return local, local, nil
}

// Host returns the process host in use.
func (d *Daemon) Host() Host { return d.host }

// Supervisor returns the service supervisor, nil when no service is configured.
func (d *Daemon) Supervisor() *Supervisor { return d.sup }

// Handler returns the HTTP API, ready to be mounted in another server.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Ensure makes sure the configured service is running and ready.
func (d *Daemon) Ensure(ctx context.Context) (Result, error) {
	if d.sup == nil {
		return Result{Outcome: OutcomeFailed}, errors.New("no service configured")
	}
	return d.sup.Ensure(ctx)
}

// Run serves the API on server.listen until ctx is done, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Run on an existing listener. ln is closed on return.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := server.NewServer(ln.Addr().String(), d.handler, d.tls)
	if d.collector != nil {
		d.collector.Start(ctx)
	}
	if d.keepalive != nil {
		d.keepalive.Start(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if d.tls != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	d.logger.Info("keepup listening", "addr", ln.Addr().String(), "tls", d.tls != nil, "base_path", d.cfg.Server.BasePath)

	select {
	case err := <-errCh:
		return errors.Join(err, d.Close(context.Background()))
	case <-ctx.Done():
	}
	timeout := d.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d.logger.Info("shutting down")
	err := srv.Shutdown(sctx)
	<-errCh
	return errors.Join(err, d.Close(sctx))
}

// Close stops background work, kills processes launched by the local host
// and flushes history sinks.
func (d *Daemon) Close(ctx context.Context) error {
	if d.keepalive != nil {
		d.keepalive.Stop()
	}
	if d.collector != nil {
		d.collector.Stop()
	}
	var errs []error
	if d.local != nil {
		errs = append(errs, d.local.Close(ctx))
	}
	errs = append(errs, d.history.Close())
	return errors.Join(errs...)
}
