package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level and format names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig configures the daemon's own structured logger.
type SlogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Color      bool   `json:"color" mapstructure:"color"`
	TimeStamps bool   `json:"timestamps" mapstructure:"timestamps"`
	Source     bool   `json:"source" mapstructure:"source"`
	Path       string `json:"path" mapstructure:"path"` // optional file, rotated with File settings
}

// FileConfig describes file destinations for supervised process output.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Config groups daemon logging and process output logging.
type Config struct {
	Slog SlogConfig `json:"slog" mapstructure:"slog"`
	File FileConfig `json:"file" mapstructure:"file"`
}

// NewSlogger builds a *slog.Logger from the Slog section. Output goes to
// Slog.Path through a rotating writer when set, stderr otherwise.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Slog.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.Slog.Path), 0o750)
		w = c.File.rotating(c.Slog.Path)
	}
	return c.Slog.newLogger(w)
}

func (s SlogConfig) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(s.Level),
		AddSource: s.Source,
	}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch strings.ToLower(s.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		if s.Color {
			h = NewColorTextHandler(w, opts, s.TimeStamps)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ProcessWriters returns io.WriteClosers for stdout and stderr for the given process name.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

// FileWriter returns a rotating writer for an explicit path.
func (c Config) FileWriter(path string) io.WriteCloser {
	return c.File.rotating(path)
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
