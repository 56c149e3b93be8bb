// Package logger builds the structured logger every CDPE component shares:
// a JSON file sink plus a colorized console sink behind a single
// slog.Logger, fanned out through FanoutHandler. There is no UI to push
// log entries to, so the only sinks are the file and the console, with
// console coloring done through github.com/fatih/color rather than
// hand-rolled ANSI codes.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleHandler renders log records as colorized single lines.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleHandler returns a handler writing colorized lines to out.
func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := levelColorFor(r.Level)
	timeStr := r.Time.Format(time.TimeOnly)

	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += " " + a.Key + "=" + a.Value.String()
		return true
	})

	line := levelColor.Sprintf("%-5s", r.Level.String()) + " [" + timeStr + "] " + r.Message + attrs + "\n"
	_, err := io.WriteString(h.out, line)
	return err
}

func (h *ConsoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *ConsoleHandler) WithGroup(string) slog.Handler       { return h }

func levelColorFor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

// FanoutHandler dispatches every record to a fixed set of handlers,
// ignoring individual handler write failures the way the original did
// (logging must never be the reason a download fails).
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: out}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: out}
}

// New builds the shared logger. Structured JSON lines land in
// <root>/logs/cdpe.json; consoleOutput gets the colorized human view.
func New(root string, consoleOutput io.Writer) (*slog.Logger, error) {
	logDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "cdpe.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	handler := &FanoutHandler{
		handlers: []slog.Handler{
			slog.NewJSONHandler(f, nil),
			NewConsoleHandler(consoleOutput),
		},
	}

	return slog.New(handler), nil
}
