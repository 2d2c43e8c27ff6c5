package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debug("debug message", String("key", "value"))
	logger.Info("info message", Int("count", 1))
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "info", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "not-a-level"})
	assert.Error(t, err)
}

func TestLogger_With(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	child := logger.With(String("component", "test"))
	require.NotNil(t, child)
	child.Info("message with bound fields")
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, L())

	SetGlobalLogger(nil)
	assert.NotNil(t, L())
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Debug("discarded")
	logger.Info("discarded")
	logger.Warn("discarded")
	logger.Error("discarded")
	assert.NoError(t, logger.Sync())
}
