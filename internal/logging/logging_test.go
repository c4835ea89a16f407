package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crewline/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew.log")
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "agent_id", "w1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") || !strings.Contains(out, `"agent_id":"w1"`) {
		t.Fatalf("log output = %s", out)
	}
}
