package logging

import (
	"bytes"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"skyguide/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h).With("phase", "guide")

	logger.Debug("hidden")
	logger.Info("guide step", "iteration", 3)

	got := strings.TrimSpace(buf.String())
	if got != "[INFO] guide step [phase=guide iteration=3]" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := Setup(config.Logging{Level: "info", Format: "text", FileOutput: true, LogDir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("calibration stored", "n", 100.0)

	data, err := os.ReadFile(filepath.Join(dir, "skyguide-current.log"))
	if err != nil {
		t.Fatalf("expected current log symlink: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] calibration stored [n=100]") {
		t.Fatalf("unexpected log content %q", data)
	}
}
