// Package txlog configures structured logging for the kernel. It
// generalizes the teacher's observability LogConfig{Level,Format,Output}
// (internal/infra/observability) and the slog wiring from
// cmd/task-orchestrator into a single constructor every service shares.
package txlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Config controls the root logger's level, format, and destination.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Output io.Writer
}

// New builds a *slog.Logger per cfg. Text mode wraps the level attribute
// with fatih/color so console output matches the teacher's CLI aesthetic;
// JSON mode never colorizes (machine-readable output, spec §6 --json).
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: replaceLevel(strings.EqualFold(cfg.Format, "json")),
	}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// Component returns a logger scoped to a named component, the convention
// every service in this module follows instead of logging through a shared
// global logger.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

// PanicLogger adapts a *slog.Logger to async.PanicLogger's Printf-style
// Error method, so background loops can log recovered panics through the
// same structured logger as everything else.
type PanicLogger struct{ Logger *slog.Logger }

func (p PanicLogger) Error(format string, args ...any) {
	p.Logger.Error(fmt.Sprintf(format, args...))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceLevel colorizes the level token for text-mode output.
func replaceLevel(jsonMode bool) func([]string, slog.Attr) slog.Attr {
	if jsonMode {
		return nil
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.LevelKey || len(groups) != 0 {
			return a
		}
		level, _ := a.Value.Any().(slog.Level)
		c := levelColor(level)
		a.Value = slog.StringValue(c.Sprint(level.String()))
		return a
	}
}

func levelColor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}
