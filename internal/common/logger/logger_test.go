package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_ConsoleOnly(t *testing.T) {
	logger, err := NewLogger(Config{
		Level:  LevelInfo,
		Format: FormatConsole,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test console logging")
}

func TestNewLogger_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger(Config{
		Level:  LevelDebug,
		Format: FormatConsole,
		File: FileConfig{
			Path:       logPath,
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 3,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test file logging", zap.String("key", "value"))
	logger.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test file logging")
	assert.Contains(t, string(content), "value")
}

func TestNewLogger_FileIsJSON(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-json.log")

	logger, err := NewLogger(Config{
		Level:  LevelDebug,
		Format: FormatConsole,
		File:   FileConfig{Path: logPath, MaxSizeMB: 10},
	})
	require.NoError(t, err)

	logger.Debug("debug message", zap.Int("count", 42))
	logger.Info("info message", zap.String("status", "ok"))
	logger.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"level"`)
	assert.Contains(t, string(content), `"msg"`)
	assert.Contains(t, string(content), `"count":42`)
}

func TestNewLogger_LogLevels(t *testing.T) {
	tests := []struct {
		level         string
		expectedLevel zapcore.Level
	}{
		{LevelDebug, zap.DebugLevel},
		{LevelInfo, zap.InfoLevel},
		{LevelWarn, zap.WarnLevel},
		{LevelError, zap.ErrorLevel},
		{"invalid", zap.InfoLevel},
		{"", zap.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			tmpDir := t.TempDir()
			logPath := filepath.Join(tmpDir, "test-level.log")

			logger, err := NewLogger(Config{
				Level:  tt.level,
				Format: FormatConsole,
				File:   FileConfig{Path: logPath, MaxSizeMB: 10},
			})
			require.NoError(t, err)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")
			logger.Sync()

			content, err := os.ReadFile(logPath)
			require.NoError(t, err)

			switch tt.expectedLevel {
			case zap.DebugLevel:
				assert.Contains(t, string(content), "debug message")
				assert.Contains(t, string(content), "info message")
			case zap.InfoLevel:
				assert.NotContains(t, string(content), "debug message")
				assert.Contains(t, string(content), "info message")
			case zap.WarnLevel:
				assert.NotContains(t, string(content), "info message")
				assert.Contains(t, string(content), "warn message")
			case zap.ErrorLevel:
				assert.NotContains(t, string(content), "warn message")
				assert.Contains(t, string(content), "error message")
			}
		})
	}
}

func TestNewLogger_FileLevelOverridesGlobal(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-file-override.log")

	logger, err := NewLogger(Config{
		Level:  LevelWarn,
		Format: FormatConsole,
		File:   FileConfig{Path: logPath, Level: LevelDebug, MaxSizeMB: 10},
	})
	require.NoError(t, err)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	// File captures everything because of its own debug level
	assert.Contains(t, string(content), "debug message")
	assert.Contains(t, string(content), "info message")
	assert.Contains(t, string(content), "warn message")
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefaultLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debug("default logger test")
}

func TestResolveLogLevel(t *testing.T) {
	tests := []struct {
		name          string
		outputLevel   string
		globalLevel   zapcore.Level
		expectedLevel zapcore.Level
	}{
		{
			name:          "output level specified - debug",
			outputLevel:   LevelDebug,
			globalLevel:   zap.InfoLevel,
			expectedLevel: zap.DebugLevel,
		},
		{
			name:          "output level specified - error",
			outputLevel:   LevelError,
			globalLevel:   zap.InfoLevel,
			expectedLevel: zap.ErrorLevel,
		},
		{
			name:          "output level not specified - fallback to global",
			outputLevel:   "",
			globalLevel:   zap.WarnLevel,
			expectedLevel: zap.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := resolveLogLevel(tt.outputLevel, tt.globalLevel)
			assert.Equal(t, tt.expectedLevel, result)
		})
	}
}

func TestNewLoggerWithStartupOverride(t *testing.T) {
	t.Run("high configured level starts at INFO", func(t *testing.T) {
		logger, err := NewLoggerWithStartupOverride(Config{
			Level:  LevelError,
			Format: FormatConsole,
		})
		require.NoError(t, err)

		assert.Equal(t, zap.InfoLevel, logger.consoleLevel.Level())

		logger.SwitchToConfiguredLevel()
		assert.Equal(t, zap.ErrorLevel, logger.consoleLevel.Level())
	})

	t.Run("debug level needs no override", func(t *testing.T) {
		logger, err := NewLoggerWithStartupOverride(Config{
			Level:  LevelDebug,
			Format: FormatConsole,
		})
		require.NoError(t, err)

		assert.Equal(t, zap.DebugLevel, logger.consoleLevel.Level())
	})
}

func TestEnsureInfoLevelForShutdown(t *testing.T) {
	t.Run("console level higher than INFO - should lower to INFO", func(t *testing.T) {
		logger, err := NewLogger(Config{
			Level:  LevelError,
			Format: FormatConsole,
		})
		require.NoError(t, err)

		assert.Equal(t, zap.ErrorLevel, logger.consoleLevel.Level())

		logger.EnsureInfoLevelForShutdown()

		assert.Equal(t, zap.InfoLevel, logger.consoleLevel.Level())
	})

	t.Run("file level higher than INFO - should lower to INFO", func(t *testing.T) {
		tmpDir := t.TempDir()
		logPath := filepath.Join(tmpDir, "test.log")

		logger, err := NewLogger(Config{
			Level:  LevelWarn,
			Format: FormatConsole,
			File:   FileConfig{Path: logPath, MaxSizeMB: 10},
		})
		require.NoError(t, err)

		assert.Equal(t, zap.WarnLevel, logger.fileLevel.Level())

		logger.EnsureInfoLevelForShutdown()

		assert.Equal(t, zap.InfoLevel, logger.fileLevel.Level())
	})

	t.Run("level at DEBUG - should not change", func(t *testing.T) {
		logger, err := NewLogger(Config{
			Level:  LevelDebug,
			Format: FormatConsole,
		})
		require.NoError(t, err)

		logger.EnsureInfoLevelForShutdown()

		assert.Equal(t, zap.DebugLevel, logger.consoleLevel.Level())
	})
}
