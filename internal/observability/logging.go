package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFile describes an optional rotating log file.
type LogFile struct {
	Path        string
	MaxBytes    int
	BackupCount int
}

// NewLogger creates a structured JSON logger for meterlog components.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewFileLogger logs to stdout and, when file.Path is set, to a size-rotated
// file as well. The returned closer releases the file.
func NewFileLogger(component string, level slog.Level, file LogFile) (*slog.Logger, io.Closer) {
	if file.Path == "" {
		return NewLogger(component, level), nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    megabytes(file.MaxBytes),
		MaxBackups: file.BackupCount,
	}
	return newLogger(io.MultiWriter(os.Stdout, rotator), component, level), rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newLogger(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("component", component)
}

// megabytes rounds a byte budget up to lumberjack's MB granularity.
func megabytes(n int) int {
	const mb = 1024 * 1024
	if n <= 0 {
		return 0
	}
	return (n + mb - 1) / mb
}

// ParseLogLevel parses a log level string into slog.Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns LevelInfo if the input is invalid or empty.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
