package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"secondmind/internal/config"
)

func TestNewLevels(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "warn", Format: "json"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(config.LoggingConfig{Level: "warn"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = New(config.LoggingConfig{Level: "shouting"}, false)
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path}, false)
	require.NoError(t, err)

	logger.Info("cycle complete", zap.Int("cycle", 1))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"cycle complete"`))
}

func TestForAndSession(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	Session(For(base, CategoryRanking), "s-1", 2).Info("ranked")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ranking", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, int64(2), fields["cycle"])

	assert.NotPanics(t, func() { For(nil, CategoryStore).Info("dropped") })
	assert.NotPanics(t, func() { Session(nil, "s", 1).Info("dropped") })
}
