package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const colorReset = "\033[0m"

// ColorTextHandler renders records with slog's text handler and prefixes each
// line with a colored level tag. The tag is written outside the record so the
// text handler does not quote the escape codes.
type ColorTextHandler struct {
	inner    slog.Handler
	sink     *colorSink
	showTime bool
}

// colorSink is shared by a handler and everything derived from it.
type colorSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	w   io.Writer
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	s := &colorSink{w: w}
	return &ColorTextHandler{
		inner:    slog.NewTextHandler(&s.buf, opts),
		sink:     s,
		showTime: showTime,
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.showTime {
		// text handler omits the time attribute for a zero time
		r.Time = time.Time{}
	}
	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.buf.WriteString(levelColor(r.Level) + r.Level.String() + colorReset + " ")
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	_, err := s.w.Write(s.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), sink: h.sink, showTime: h.showTime}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}
