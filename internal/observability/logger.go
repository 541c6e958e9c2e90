package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	return logger
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
		slog.SetDefault(l)
	}
}

// NewLogger builds a logger writing to w. format is "json" or "text";
// level is one of debug, info, warn, error.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// WithComponent tags l with a component name. A nil l yields a logger that
// discards everything, so components can be built without one in tests.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l.With("component", component)
}

// Discard returns a logger that drops all records.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
