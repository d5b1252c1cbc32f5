package logger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	buf := &logger.TestLogBuffer{}
	l, err := logger.Setup(logger.LoggerConfig{Level: "DEBUG", Output: buf})
	require.NoError(t, err)
	require.NotNil(t, l)

	l.Debug("debug message", "task_id", "abc")
	slog.Info("via default")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "debug message", entries[0]["msg"])
	assert.Equal(t, "abc", entries[0]["task_id"])
	assert.Equal(t, "via default", entries[1]["msg"])
}

func TestSetupInvalidLevelFallsBackToInfo(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	buf := &logger.TestLogBuffer{}
	l, err := logger.Setup(logger.LoggerConfig{Level: "verbose", Output: buf})
	require.NoError(t, err)

	logger.AssertLogContains(t, buf, "invalid log level configured")

	buf.Reset()
	l.Debug("hidden")
	l.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		want  slog.Level
		known bool
	}{
		{"debug", slog.LevelDebug, true},
		{"Info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"ERROR", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"fatal", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			level, ok := logger.ParseLevel(tt.name)
			assert.Equal(t, tt.want, level)
			assert.Equal(t, tt.known, ok)
		})
	}
}

func TestContextLogger(t *testing.T) {
	l, buf := logger.NewTestLogger(t)
	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("stored logger wins", func(t *testing.T) {
		ctx := logger.WithLogger(context.Background(), l)
		logger.FromContext(ctx).Info("from context")
		logger.AssertLogContains(t, buf, "from context")
		assert.Same(t, l, logger.FromContextOrDefault(ctx, fallback))
	})

	t.Run("fallback without logger", func(t *testing.T) {
		assert.Same(t, fallback, logger.FromContextOrDefault(context.Background(), fallback))
		assert.Same(t, slog.Default(), logger.FromContext(context.Background()))
	})
}
