// Package logging builds the structured logger used for diagnostics. The
// iteration history and its console mirror are plain text and never pass
// through it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a slog.Logger writing to w with the provided level string
// (debug, info, warn, error). format may be "json" or "text". A nil w
// logs to stderr so that stdout stays free for the iteration mirror.
func New(w io.Writer, level string, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
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

// LogRunStart logs the beginning of a registration run
func LogRunStart(logger *slog.Logger, variant, similarity, target, moving string, levels int) {
	logger.Info("registration started",
		"variant", variant,
		"similarity", similarity,
		"target", target,
		"moving", moving,
		"levels", levels,
	)
}

// LogRunComplete logs a registration that finished
func LogRunComplete(logger *slog.Logger, duration time.Duration, stop string, params []float64) {
	logger.Info("registration completed",
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"stop_condition", stop,
		"parameters", params,
	)
}

// LogRunError logs a registration that failed
func LogRunError(logger *slog.Logger, duration time.Duration, level int, err error) {
	logger.Error("registration failed",
		"duration_ms", duration.Milliseconds(),
		"resolution_level", level,
		"error", err.Error(),
	)
}
