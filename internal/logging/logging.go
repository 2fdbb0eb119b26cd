package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skyguide/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything, for tests and quiet commands.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Setup configures process-wide logging: stdout plus an optional dated log
// file with a skyguide-current.log symlink. The returned closer releases the file.
func Setup(cfg config.Logging) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)
	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.FileOutput {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("skyguide-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file

		current := filepath.Join(cfg.LogDir, "skyguide-current.log")
		_ = os.Remove(current)
		_ = os.Symlink(filepath.Base(logFile), current)
	}

	var handler slog.Handler
	out := io.MultiWriter(writers...)
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{logger: log.New(out, "", log.LstdFlags), level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Debug("skyguide logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"file_output", cfg.FileOutput,
		"log_dir", cfg.LogDir,
	)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler renders records as "[LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, h.format(a))
		return true
	})

	msg := r.Message
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogPhaseStart logs the entry into an orchestrator phase.
func LogPhaseStart(logger *slog.Logger, phase, plan string, session int64) {
	logger.Info("phase started",
		"phase", phase,
		"plan", plan,
		"session", session,
	)
}

// LogPhaseComplete logs a phase reaching its end state.
func LogPhaseComplete(logger *slog.Logger, phase string, duration time.Duration, details map[string]any) {
	logger.Info("phase completed",
		"phase", phase,
		"duration_ms", duration.Milliseconds(),
		"details", details,
	)
}

// LogPhaseError logs a fatal phase failure.
func LogPhaseError(logger *slog.Logger, phase, state string, duration time.Duration, err error) {
	logger.Error("phase failed",
		"phase", phase,
		"state", state,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogGuideStep logs one guide iteration at debug level.
func LogGuideStep(logger *slog.Logger, iteration int, driftRA, driftDE float64, n, s, e, w int, rmsTotal float64) {
	logger.Debug("guide step",
		"iteration", iteration,
		"drift_ra", driftRA,
		"drift_de", driftDE,
		"pulse_n", n,
		"pulse_s", s,
		"pulse_e", e,
		"pulse_w", w,
		"rms", rmsTotal,
	)
}

// LogDeviceStatus logs device detection and connection state.
func LogDeviceStatus(logger *slog.Logger, device, role string, connected bool, err error) {
	if connected {
		logger.Debug("device connected",
			"device", device,
			"role", role,
		)
	} else {
		logger.Warn("device not available",
			"device", device,
			"role", role,
			"error", err,
		)
	}
}
