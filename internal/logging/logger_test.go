package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"error": zapcore.ErrorLevel,
		"warn":  zapcore.WarnLevel,
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
	} {
		lvl, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, lvl)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	log, err := New(Options{ConsoleLevel: "error", FileLevel: "debug", LogFile: path})
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return log, path
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	log, path := newTestLogger(t)

	log.Info("hello world", zap.String("key", "value"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "hello world", entry["message"])
	assert.Equal(t, "value", entry["key"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestSetLevelsAdjustsSinksIndependently(t *testing.T) {
	log, _ := newTestLogger(t)

	console, file := log.Levels()
	assert.Equal(t, "error", console)
	assert.Equal(t, "debug", file)

	require.NoError(t, log.SetLevels("debug", ""))
	console, file = log.Levels()
	assert.Equal(t, "debug", console)
	assert.Equal(t, "debug", file)

	require.NoError(t, log.SetLevels("", "warn"))
	_, file = log.Levels()
	assert.Equal(t, "warn", file)
}

func TestSetLevelsRejectsInvalidInput(t *testing.T) {
	log, _ := newTestLogger(t)

	err := log.SetLevels("", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	err = log.SetLevels("loud", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFileLevelFiltersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.log")
	log, err := New(Options{ConsoleLevel: "error", FileLevel: "warn", LogFile: path})
	require.NoError(t, err)
	defer log.Close()

	log.Debug("too quiet")
	log.Warn("loud enough")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "too quiet")
	assert.Contains(t, string(data), "loud enough")
}

func TestErrorSinkReceivesErrorsOnly(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "errors.log")
	log, err := New(Options{
		ConsoleLevel: "error", FileLevel: "debug",
		LogFile:      filepath.Join(dir, "all.log"),
		ErrorLogFile: errPath,
	})
	require.NoError(t, err)
	defer log.Close()

	log.Info("routine event")
	log.Error("broken thing")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "routine event")
	assert.Contains(t, string(data), "broken thing")
}

func TestReadEntriesTailAndFilters(t *testing.T) {
	log, path := newTestLogger(t)

	log.Debug("first entry")
	log.Info("searchable needle entry")
	log.Warn("warning entry")
	log.Error("error entry")
	require.NoError(t, log.Sync())

	entries, err := ReadEntries(path, 0, "", "")
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	entries, err = ReadEntries(path, 2, "", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "warning entry", entries[0].Message)
	assert.Equal(t, "error entry", entries[1].Message)

	entries, err = ReadEntries(path, 0, "warn", "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = ReadEntries(path, 0, "", "NEEDLE")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "searchable needle entry", entries[0].Message)
}

func TestReadEntriesMissingFile(t *testing.T) {
	_, err := ReadEntries("", 10, "", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindFileSystem))

	_, err = ReadEntries(filepath.Join(t.TempDir(), "gone.log"), 10, "", "")
	require.Error(t, err)
}

func TestReadEntriesToleratesForeignLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.log")
	content := `not json at all
{"timestamp":"2026-01-01T00:00:00Z","level":"info","message":"valid"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := ReadEntries(path, 10, "", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "valid", entries[0].Message)
}
