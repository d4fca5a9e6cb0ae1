package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"volalign/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures the process-wide logger, optionally teeing output into a
// dated file under the configured log directory.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir,
			fmt.Sprintf("volalign-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("volalign logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
	)
	return logger, nil
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

// LogRunStart logs the beginning of an alignment run.
func LogRunStart(logger *slog.Logger, kind, runID, fixPath, movePath, output string) {
	logger.Info("run started",
		"kind", kind,
		"id", runID,
		"fix", fixPath,
		"move", movePath,
		"output", output,
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, kind, runID string, duration time.Duration, meta map[string]any) {
	logger.Info("run completed",
		"kind", kind,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"result", meta,
	)
}

// LogRunError logs run failures with context.
func LogRunError(logger *slog.Logger, kind, runID string, duration time.Duration, err error) {
	logger.Error("run failed",
		"kind", kind,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogBlockDone logs completion of a single block task.
func LogBlockDone(logger *slog.Logger, runID string, block int, total int, duration time.Duration) {
	logger.Debug("block finished",
		"run", runID,
		"block", block,
		"of", total,
		"duration_ms", duration.Milliseconds(),
	)
}
