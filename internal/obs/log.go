package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, slog.LevelInfo)
)

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Configure replaces the shared logger. Level is one of debug, info, warn, error.
func Configure(w io.Writer, level string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = newLogger(w, ParseLevel(level))
}

// SetOutput redirects the shared logger (tests) and returns a restore func.
func SetOutput(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w, slog.LevelDebug)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

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

type requestIDKey struct{}
type identityKey struct{}

// WithRequestID attaches the correlation id used by every log line of the request.
func WithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithIdentityID records the authenticated identity for request-scoped logging.
func WithIdentityID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityIDFromContext returns the identity recorded by WithIdentityID, or "".
func IdentityIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(identityKey{}).(string)
	return v
}

// FromContext returns the shared logger enriched with request-scoped fields.
func FromContext(ctx context.Context) *slog.Logger {
	l := Logger()
	if rid := RequestIDFromContext(ctx); rid != "" {
		l = l.With("request_id", rid)
	}
	if uid := IdentityIDFromContext(ctx); uid != "" {
		l = l.With("identity_id", uid)
	}
	return l
}
