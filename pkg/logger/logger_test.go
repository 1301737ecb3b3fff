package logger

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope(t *testing.T) {
	tests := []struct {
		name  string
		scope string
	}{
		{"basic scope", "merger"},
		{"nested scope", "diff.coordinator"},
		{"empty scope", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr := Scope(tt.scope)
			assert.Equal(t, "scope", attr.Key)
			assert.Equal(t, tt.scope, attr.Value.String())
		})
	}
}

func TestError(t *testing.T) {
	err := errors.New("something went wrong")
	attr := Error(err)
	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   *slog.Level
	}{
		{level: "", enabled: slog.LevelInfo},
		{level: "debug", enabled: slog.LevelDebug},
		{level: "DEBUG", enabled: slog.LevelDebug},
		{level: "warning", enabled: slog.LevelWarn, muted: levelPtr(slog.LevelInfo)},
		{level: "error", enabled: slog.LevelError, muted: levelPtr(slog.LevelWarn)},
		{level: "invalid", enabled: slog.LevelInfo, muted: levelPtr(slog.LevelDebug)},
	}

	for _, tt := range tests {
		t.Run("level="+tt.level, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.level)
			t.Setenv("GO_ENV", "production")

			log := NewLogger()
			require.NotNil(t, log)
			assert.True(t, log.Enabled(context.Background(), tt.enabled))
			if tt.muted != nil {
				assert.False(t, log.Enabled(context.Background(), *tt.muted))
			}
		})
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

func levelPtr(l slog.Level) *slog.Level { return &l }
