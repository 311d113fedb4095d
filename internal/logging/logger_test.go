package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/chargelink/charge-agent/internal/config"
)

func TestInitLogger_WritesToRollingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.log")
	logger, err := InitLogger(cfgpkg.LoggingConfig{
		Level:  "debug",
		Format: "json",
		File:   cfgpkg.LumberjackConfig{Filename: file, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	logger.Info("charging session bound", zap.Int64("transaction_id", 42))
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "charging session bound")
	assert.Contains(t, string(data), `"transaction_id":42`)
}

func TestInitLogger_ConsoleOnlyWhenNoFilename(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestInitLogger_BadLevelFallsBackToInfo(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{Level: "verbose"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
