// Package config loads the keepup TOML configuration.
//
// Every key can be overridden from the environment: the key path is upper
// cased, dots become underscores and KEEPUP_ is prepended, so
// service.readiness.port is KEEPUP_SERVICE_READINESS_PORT.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/keepup/internal/auth"
	"github.com/loykin/keepup/internal/cron"
	"github.com/loykin/keepup/internal/env"
	"github.com/loykin/keepup/internal/host"
	"github.com/loykin/keepup/internal/logger"
	"github.com/loykin/keepup/internal/supervisor"
	ktls "github.com/loykin/keepup/internal/tls"
)

const EnvPrefix = "KEEPUP"

const (
	HostLocal  = "local"
	HostRemote = "remote"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    auth.Config   `mapstructure:"auth"`
	Service ServiceConfig `mapstructure:"service"`
	Host    HostConfig    `mapstructure:"host"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// ProxyPath, when set, reverse-proxies requests to the supervised service.
	ProxyPath       string        `mapstructure:"proxy_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             ktls.Config   `mapstructure:"tls"`
}

type ReadinessConfig struct {
	Port     int           `mapstructure:"port"`
	Mode     string        `mapstructure:"mode"`
	Host     string        `mapstructure:"host"`
	Path     string        `mapstructure:"path"`
	Command  string        `mapstructure:"command"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

func (r ReadinessConfig) Check() host.ReadinessCheck {
	return host.ReadinessCheck{
		Port:     r.Port,
		Mode:     host.ProbeMode(strings.ToLower(r.Mode)),
		Host:     r.Host,
		Path:     r.Path,
		Command:  r.Command,
		Timeout:  r.Timeout,
		Interval: r.Interval,
	}.WithDefaults()
}

// ServiceConfig describes the supervised service.
type ServiceConfig struct {
	Name     string            `mapstructure:"name"`
	Command  string            `mapstructure:"command"`
	WorkDir  string            `mapstructure:"workdir"`
	Env      map[string]string `mapstructure:"env"`
	EnvFiles []string          `mapstructure:"env_files"`
	Labels   map[string]string `mapstructure:"labels"`
	LogFile  string            `mapstructure:"log_file"`

	Readiness   ReadinessConfig              `mapstructure:"readiness"`
	Diagnostics supervisor.DiagnosticsConfig `mapstructure:"diagnostics"`
	Match       supervisor.Signature         `mapstructure:"match"`
	KeepAlive   KeepAliveConfig              `mapstructure:"keepalive"`
}

// KeepAliveConfig re-runs ensure on a cron schedule; empty disables it.
type KeepAliveConfig struct {
	Schedule string        `mapstructure:"schedule"`
	TimeZone string        `mapstructure:"timezone"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (k KeepAliveConfig) Cron() cron.Config {
	return cron.Config{Schedule: k.Schedule, TimeZone: k.TimeZone, Timeout: k.Timeout}
}

// Enabled reports whether a service is configured at all.
func (s ServiceConfig) Enabled() bool { return strings.TrimSpace(s.Command) != "" }

// LaunchSpec builds the launch description. Variables from env_files are
// applied first and overridden by env.
func (s ServiceConfig) LaunchSpec() (host.LaunchSpec, error) {
	vars := make(map[string]string)
	if len(s.EnvFiles) > 0 {
		e := env.New()
		if err := e.LoadFiles(s.EnvFiles...); err != nil {
			return host.LaunchSpec{}, fmt.Errorf("service.env_files: %w", err)
		}
		for k, v := range e.Var {
			vars[k] = v
		}
	}
	for k, v := range s.Env {
		vars[k] = v
	}
	if len(vars) == 0 {
		vars = nil
	}
	return host.LaunchSpec{
		Name:    s.Name,
		Command: s.Command,
		Env:     vars,
		WorkDir: s.WorkDir,
		Labels:  s.Labels,
		LogFile: s.LogFile,
	}, nil
}

// Supervisor builds the supervisor configuration for the service.
func (s ServiceConfig) Supervisor() (supervisor.Config, error) {
	launch, err := s.LaunchSpec()
	if err != nil {
		return supervisor.Config{}, err
	}
	diag := s.Diagnostics
	if diag.LogFile == "" {
		diag.LogFile = s.LogFile
	}
	return supervisor.Config{
		Service:     s.Name,
		Launch:      launch,
		Readiness:   s.Readiness.Check(),
		Signature:   s.Match,
		Diagnostics: diag,
	}, nil
}

// HostConfig selects and tunes the process host.
type HostConfig struct {
	Mode string `mapstructure:"mode"`

	// local
	StartGrace time.Duration `mapstructure:"start_grace"`
	Retention  time.Duration `mapstructure:"retention"`
	ScanSystem bool          `mapstructure:"scan_system"`
	TailBytes  int           `mapstructure:"tail_bytes"`
	EnvFiles   []string      `mapstructure:"env_files"`

	// remote
	APIURL   string        `mapstructure:"api_url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CAFile   string        `mapstructure:"ca_file"`
	Insecure bool          `mapstructure:"insecure"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// ResourceInterval samples CPU and memory of launched processes; 0 disables.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8420")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.proxy_path", "")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "keepup")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("service.name", "")
	v.SetDefault("service.command", "")
	v.SetDefault("service.workdir", "")
	v.SetDefault("service.log_file", "")
	v.SetDefault("service.readiness.port", 0)
	v.SetDefault("service.readiness.mode", string(host.ProbeTCP))
	v.SetDefault("service.readiness.host", host.DefaultProbeHost)
	v.SetDefault("service.readiness.path", "")
	v.SetDefault("service.readiness.command", "")
	v.SetDefault("service.readiness.timeout", host.DefaultProbeTimeout.String())
	v.SetDefault("service.readiness.interval", host.DefaultProbeInterval.String())
	v.SetDefault("service.diagnostics.log_file", "")
	v.SetDefault("service.diagnostics.command", "")
	v.SetDefault("service.diagnostics.settle", supervisor.DefaultDiagnosticsSettle.String())
	v.SetDefault("service.diagnostics.max_bytes", supervisor.DefaultDiagnosticsMaxBytes)
	v.SetDefault("service.diagnostics.disabled", false)
	v.SetDefault("service.keepalive.schedule", "")
	v.SetDefault("service.keepalive.timezone", "")
	v.SetDefault("service.keepalive.timeout", "0s")

	v.SetDefault("host.mode", HostLocal)
	v.SetDefault("host.start_grace", "2s")
	v.SetDefault("host.retention", "5m")
	v.SetDefault("host.scan_system", false)
	v.SetDefault("host.tail_bytes", 64<<10)
	v.SetDefault("host.api_url", "")
	v.SetDefault("host.token", "")
	v.SetDefault("host.timeout", "30s")
	v.SetDefault("host.ca_file", "")
	v.SetDefault("host.insecure", false)

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.resource_interval", "0s")

	v.SetDefault("history.dsns", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (optional) and applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	var raw []byte
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v, raw)
}

// Parse reads configuration from TOML text.
func Parse(data string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(v, []byte(data))
}

// keyedTables holds the tables whose keys are data, not config keys.
// viper folds every key to lower case, so they are read again as written.
type keyedTables struct {
	Service struct {
		Env    map[string]any `toml:"env"`
		Labels map[string]any `toml:"labels"`
		Match  struct {
			Labels map[string]any `toml:"labels"`
		} `toml:"match"`
	} `toml:"service"`
}

func (c *Config) restoreKeyCase(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var t keyedTables
	if err := toml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if m := stringMap(t.Service.Env); m != nil {
		c.Service.Env = m
	}
	if m := stringMap(t.Service.Labels); m != nil {
		c.Service.Labels = m
	}
	if m := stringMap(t.Service.Match.Labels); m != nil {
		c.Service.Match.Labels = m
	}
	return nil
}

func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func decode(v *viper.Viper, raw []byte) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.restoreKeyCase(raw); err != nil {
		return nil, err
	}
	// comma separated lists from the environment
	if len(c.History.DSNs) == 1 && strings.Contains(c.History.DSNs[0], ",") {
		c.History.DSNs = splitList(c.History.DSNs[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints. Errors name the offending key.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if c.Server.ProxyPath != "" {
		if !strings.HasPrefix(c.Server.ProxyPath, "/") {
			errs = append(errs, fmt.Errorf("server.proxy_path must start with '/': %q", c.Server.ProxyPath))
		}
		if !c.Service.Enabled() {
			errs = append(errs, errors.New("server.proxy_path requires service.command"))
		}
	}
	switch c.Host.Mode {
	case HostLocal:
	case HostRemote:
		if c.Host.APIURL == "" {
			errs = append(errs, errors.New("host.api_url is required when host.mode is remote"))
		} else if u, err := url.Parse(c.Host.APIURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("host.api_url is not a valid URL: %q", c.Host.APIURL))
		}
	default:
		errs = append(errs, fmt.Errorf("host.mode must be %q or %q: %q", HostLocal, HostRemote, c.Host.Mode))
	}
	if c.Service.Enabled() {
		r := c.Service.Readiness
		switch host.ProbeMode(strings.ToLower(r.Mode)) {
		case host.ProbeTCP, host.ProbeHTTP:
			if r.Port <= 0 || r.Port > 65535 {
				errs = append(errs, fmt.Errorf("service.readiness.port must be between 1 and 65535: %d", r.Port))
			}
		case host.ProbeExec:
			if strings.TrimSpace(r.Command) == "" {
				errs = append(errs, errors.New("service.readiness.command is required when mode is exec"))
			}
		default:
			errs = append(errs, fmt.Errorf("service.readiness.mode must be tcp, http or exec: %q", r.Mode))
		}
		if r.Timeout < 0 {
			errs = append(errs, fmt.Errorf("service.readiness.timeout must not be negative: %s", r.Timeout))
		}
		if s := c.Service.KeepAlive.Schedule; s != "" {
			if _, err := cron.ParseSchedule(s); err != nil {
				errs = append(errs, fmt.Errorf("service.keepalive.schedule: %w", err))
			}
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.Users) == 0 {
		errs = append(errs, errors.New("auth.enabled requires auth.jwt_secret or auth.users"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
