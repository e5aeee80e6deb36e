package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLevelSelection(t *testing.T) {
	require.Equal(t, slog.LevelInfo, logLevel(nil))
	require.Equal(t, slog.LevelInfo, logLevel(&Config{}))
	require.Equal(t, slog.LevelDebug, logLevel(&Config{LogLevel: "debug"}))
	require.Equal(t, slog.LevelWarn, logLevel(&Config{LogLevel: "WARN"}))
	require.Equal(t, slog.LevelError, logLevel(&Config{LogLevel: "error"}))
	require.Equal(t, slog.LevelInfo, logLevel(&Config{LogLevel: "verbose"}))
}

func TestNewLoggerHonoursFormat(t *testing.T) {
	ctx := context.Background()
	jsonLogger := NewLogger(&Config{LogFormat: "json", LogLevel: "warn"})
	require.False(t, jsonLogger.Enabled(ctx, slog.LevelInfo))
	require.True(t, jsonLogger.Enabled(ctx, slog.LevelWarn))

	textLogger := NewLogger(&Config{LogFormat: "pretty"})
	require.True(t, textLogger.Enabled(ctx, slog.LevelInfo))
	require.False(t, textLogger.Enabled(ctx, slog.LevelDebug))
}
