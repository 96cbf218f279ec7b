package logging

import (
	"log/slog"
	"testing"

	"github.com/pebblerpc/pebble/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"trace", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil || got != c.want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestLevelVarIsLive(t *testing.T) {
	log, level, err := New(config.Log{Device: "stdout", Priority: "error"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Enabled(t.Context(), slog.LevelInfo) {
		t.Fatal("info enabled at error priority")
	}
	level.Set(slog.LevelDebug)
	if !log.Enabled(t.Context(), slog.LevelDebug) {
		t.Fatal("debug not enabled after retarget")
	}
}

func TestUnknownDeviceRejected(t *testing.T) {
	if _, _, err := New(config.Log{Device: "teleprinter"}); err == nil {
		t.Fatal("expected error for unknown device")
	}
}
