package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	logger.Store(newLogger(os.Stdout))
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
			}
			return a
		},
	}))
}

// Logger returns the shared structured logger used across the service.
// Lines are JSON objects with ts, level and msg keys.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetOutput redirects the shared logger and returns a func restoring the
// previous one.
func SetOutput(w io.Writer) (restore func()) {
	prev := logger.Swap(newLogger(w))
	return func() { logger.Store(prev) }
}

// SetLevel sets the minimum level: debug, info, warn or error.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "", "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

// LogRequest emits one access log line.
func LogRequest(attrs ...slog.Attr) {
	Logger().LogAttrs(context.Background(), slog.LevelInfo, "request_complete", attrs...)
}
