package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := fromEnv()

	assert.Equal(t, "", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.ConsoleLevel)
	assert.Equal(t, "info", cfg.Logging.FileLevel)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 0.5, cfg.Cache.ImportanceThreshold)
	assert.True(t, cfg.RAMR.Enabled)
	assert.True(t, cfg.RAMR.Prefetch)
	assert.Equal(t, 0.7, cfg.Cache.PromotionThreshold)
	assert.True(t, cfg.Attention.Enabled)
	assert.Equal(t, 0.3, cfg.Attention.RetentionThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Maintenance.Interval)
	assert.True(t, cfg.Update.Enabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/custom.db")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CACHE_MAX_SIZE", "50")
	t.Setenv("CACHE_TTL", "60000")
	t.Setenv("CACHE_IMPORTANCE_THRESHOLD", "0.7")
	t.Setenv("RAMR_ENABLED", "false")
	t.Setenv("NO_UPDATE_CHECK", "1")

	cfg := fromEnv()
	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Logging.ConsoleLevel)
	assert.Equal(t, "warn", cfg.Logging.FileLevel)
	assert.Equal(t, 50, cfg.Cache.MaxSize)
	assert.Equal(t, time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 0.7, cfg.Cache.ImportanceThreshold)
	assert.False(t, cfg.RAMR.Enabled)
	assert.False(t, cfg.Update.Enabled)
}

func TestDebugOverridesLevels(t *testing.T) {
	t.Setenv("DEBUG", "true")
	cfg := fromEnv()
	assert.Equal(t, "debug", cfg.Logging.ConsoleLevel)
	assert.Equal(t, "debug", cfg.Logging.FileLevel)
}

func TestSinkSpecificLevelsWin(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CONSOLE_LOG_LEVEL", "error")
	cfg := fromEnv()
	assert.Equal(t, "error", cfg.Logging.ConsoleLevel)
	assert.Equal(t, "warn", cfg.Logging.FileLevel)
}

func TestGetEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("CACHE_MAX_SIZE", "not-a-number")
	t.Setenv("RAMR_ENABLED", "maybe")
	cfg := fromEnv()
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.True(t, cfg.RAMR.Enabled)
}

func TestSaveEnvValuesCreatesAndUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", ".env")

	require.NoError(t, SaveEnvValues(path, map[string]string{
		"CONSOLE_LOG_LEVEL": "debug",
		"DATABASE_PATH":     "/data/mem.db",
	}))

	values, err := ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", values["CONSOLE_LOG_LEVEL"])
	assert.Equal(t, "/data/mem.db", values["DATABASE_PATH"])

	require.NoError(t, SaveEnvValues(path, map[string]string{
		"CONSOLE_LOG_LEVEL": "error",
	}))
	values, err = ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error", values["CONSOLE_LOG_LEVEL"])
	assert.Equal(t, "/data/mem.db", values["DATABASE_PATH"], "unrelated keys survive")
}

func TestSaveEnvValuesPreservesCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	original := "# durandal settings\n\nLOG_LEVEL=info\n# trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	require.NoError(t, SaveEnvValues(path, map[string]string{"LOG_LEVEL": "debug"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# durandal settings")
	assert.Contains(t, content, "# trailing comment")
	assert.Contains(t, content, "LOG_LEVEL=debug")
	assert.NotContains(t, content, "LOG_LEVEL=info")
}

func TestReadEnvFileMissingReturnsEmptyMap(t *testing.T) {
	values, err := ReadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Empty(t, values)
}
