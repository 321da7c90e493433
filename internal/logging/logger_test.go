package logging

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLogger(t *testing.T) {
	err := InitLogger()
	require.NoError(t, err)
	assert.NotNil(t, Logger)
	assert.NotNil(t, Logger.logger)
}

func TestInitLogger_WithLogLevel(t *testing.T) {
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Unsetenv("LOG_LEVEL")

	err := InitLogger()
	require.NoError(t, err)
	assert.NotNil(t, Logger)
}

func TestInitLogger_WithInvalidLogLevel(t *testing.T) {
	// Invalid level falls back to the production default
	os.Setenv("LOG_LEVEL", "invalid")
	defer os.Unsetenv("LOG_LEVEL")

	err := InitLogger()
	require.NoError(t, err)
	assert.NotNil(t, Logger)
}

func TestSafeLogger_NilLogger(t *testing.T) {
	logger := &SafeLogger{logger: nil}

	// All methods should be safe to call with nil logger
	logger.Info("test")
	logger.Warn("test")
	logger.Debug("test")
	logger.Error("test")
	assert.NoError(t, logger.Sync())
	assert.NotNil(t, logger.With(zap.String("k", "v")))
	assert.NotNil(t, logger.Named("child"))
}

func TestSafeLogger_NilReceiver(t *testing.T) {
	var logger *SafeLogger

	logger.Info("test")
	logger.Error("test", zap.Int("n", 1))
}

func TestSafeLogger_WithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := New(zap.New(core)).With(zap.String("component", "auth"))

	logger.Info("challenge issued", zap.String("channel", "sms"))
	logger.Debug("dropped below level")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "challenge issued", entries[0].Message)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "auth", ctx["component"])
	assert.Equal(t, "sms", ctx["channel"])
}
