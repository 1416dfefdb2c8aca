package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loykin/keepup/internal/history"
	"github.com/loykin/keepup/internal/host"
)

const (
	DefaultDiagnosticsSettle   = time.Second
	DefaultDiagnosticsMaxBytes = 8 << 10

	// extra time allowed on top of the settle delay for starting and
	// reading the auxiliary process
	diagnosticsGrace = 5 * time.Second

	sourceHostLogs = "host logs"
	sourceLogFile  = "log file"
)

// DiagnosticsConfig controls output recovery for a process that never became ready.
type DiagnosticsConfig struct {
	// LogFile is the file the service writes to. Used by the default Command.
	LogFile string `mapstructure:"log_file"`
	// Command dumps the log file. Defaults to "tail -n 200 <LogFile>".
	Command string `mapstructure:"command"`
	// Settle is how long the auxiliary command may run before its output is read.
	Settle   time.Duration `mapstructure:"settle"`
	MaxBytes int           `mapstructure:"max_bytes"`
	Disabled bool          `mapstructure:"disabled"`
}

func (d DiagnosticsConfig) withDefaults() DiagnosticsConfig {
	if d.Settle <= 0 {
		d.Settle = DefaultDiagnosticsSettle
	}
	if d.MaxBytes <= 0 {
		d.MaxBytes = DefaultDiagnosticsMaxBytes
	}
	if d.Command == "" && d.LogFile != "" {
		d.Command = "tail -n 200 " + shellQuote(d.LogFile)
	}
	return d
}

// diagnose recovers output of a process that failed readiness and wraps it
// into a *ReadinessError. The original error is returned when nothing is recovered.
// It runs detached from ctx cancellation but bounded by the settle delay.
func (s *Supervisor) diagnose(ctx context.Context, p host.Process, launch host.LaunchSpec, check host.ReadinessCheck, cause error) error {
	d := s.cfg.Diagnostics
	if d.Disabled {
		return cause
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Settle+diagnosticsGrace)
	defer cancel()

	source := sourceHostLogs
	text, err := s.hostLogs(dctx, p)
	if err != nil {
		s.logger.Debug("host logs unavailable", "id", p.Info().ID, "error", err)
	}
	if text == "" {
		source = sourceLogFile
		text, err = s.fallbackLogs(dctx, launch)
		if err != nil {
			s.logger.Warn("fallback log read failed", "id", p.Info().ID, "error", err)
		}
	}
	if text == "" {
		return cause
	}
	text = truncateFront(text, d.MaxBytes)
	s.record(ctx, history.EventDiagnostics, p.Info(), nil)
	return &ReadinessError{
		ProcessID:   p.Info().ID,
		Port:        check.Port,
		Source:      source,
		Diagnostics: text,
		Err:         cause,
	}
}

func (s *Supervisor) hostLogs(ctx context.Context, p host.Process) (string, error) {
	l, err := p.Logs(ctx)
	if err != nil {
		return "", err
	}
	return formatLogs(l), nil
}

// fallbackLogs starts the read-only diagnostics command, lets it run for the
// settle delay and returns whatever it printed.
func (s *Supervisor) fallbackLogs(ctx context.Context, launch host.LaunchSpec) (string, error) {
	d := s.cfg.Diagnostics
	if d.Command == "" {
		return "", nil
	}
	aux, err := s.host.Start(ctx, host.LaunchSpec{
		Name:    s.service + "-diagnostics",
		Command: d.Command,
		Env:     launch.Env,
		WorkDir: launch.WorkDir,
		Labels:  map[string]string{RoleLabel: RoleDiagnostics},
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := aux.Kill(ctx); err != nil {
			s.logger.Debug("diagnostics process kill failed", "id", aux.Info().ID, "error", err)
		}
	}()

	t := time.NewTimer(d.Settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	l, err := aux.Logs(ctx)
	if err != nil {
		return "", fmt.Errorf("read diagnostics output: %w", err)
	}
	return formatLogs(l), nil
}

func formatLogs(l host.Logs) string {
	var parts []string
	if out := strings.TrimSpace(l.Stdout); out != "" {
		parts = append(parts, out)
	}
	if errOut := strings.TrimSpace(l.Stderr); errOut != "" {
		parts = append(parts, "[stderr]\n"+errOut)
	}
	return strings.Join(parts, "\n")
}

const truncMarker = "..."

// truncateFront keeps the tail of s, cut at a rune boundary, so that the
// result including the leading marker is at most limit bytes.
func truncateFront(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	marker := truncMarker
	if limit <= len(marker) {
		marker = ""
	}
	cut := len(s) - (limit - len(marker))
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return marker + s[cut:]
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>*?()[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
