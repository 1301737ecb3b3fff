// Package logger builds the process-wide slog logger and small attribute helpers
// shared by every package.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides *slog.Logger and *zap.Logger.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewZapLogger),
)

// NewLogger creates a logger honouring LOG_LEVEL (debug|info|warn|error, case-insensitive).
// Text output is used when GO_ENV=development, JSON otherwise.
func NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// NewZapLogger creates the zap logger used by the goose migrator.
func NewZapLogger() (*zap.Logger, error) {
	if os.Getenv("GO_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseLevel(level string) slog.Level {
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

// Scope returns the attribute used to tag log lines with a component name.
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns an attribute carrying err.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
