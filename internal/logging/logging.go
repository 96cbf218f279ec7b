// Package logging builds the process slog.Logger from the [log] config
// section and bridges it into OpenTelemetry via otelslog. The returned
// LevelVar is live: the control service's "log <level>" command retargets
// it at runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/pebblerpc/pebble/internal/config"
)

// ParseLevel maps the config priority string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown priority %q", s)
	}
}

// New builds the logger for cfg. The file device appends to
// <log_path>/pebble.log; rolling is the sink collaborator's concern.
func New(cfg config.Log) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	lv, err := ParseLevel(cfg.Priority)
	if err != nil {
		return nil, nil, err
	}
	level.Set(lv)

	var w io.Writer
	switch cfg.Device {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		if err := os.MkdirAll(cfg.LogPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: mkdir %s: %w", cfg.LogPath, err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogPath, "pebble.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		w = f
	default:
		return nil, nil, fmt.Errorf("logging: unknown device %q", cfg.Device)
	}

	device := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	bridge := otelslog.NewHandler("pebble")
	return slog.New(fanout{device, bridge}), level, nil
}

// fanout forwards each record to every handler; enabled-ness is decided
// per handler so the otel bridge sees records the device filters out.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
