package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
)

// Entry is one decoded line from the JSON-lines log file. Fields beyond the
// three standard keys are kept in Context.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"-"`
}

// ReadEntries returns up to maxLines entries from the end of the log file,
// keeping only entries at or above minLevel (empty means all levels) whose
// rendered text contains search (case-insensitive, empty means all).
func ReadEntries(path string, maxLines int, minLevel, search string) ([]Entry, error) {
	if path == "" {
		return nil, apperr.New(apperr.KindFileSystem, "LOG_FILE_MISSING",
			"No log file is configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFileSystem, "LOG_READ",
			"Could not open the log file", err).With("path", path)
	}
	defer f.Close()

	var floor zapcore.Level = zapcore.DebugLevel
	if minLevel != "" {
		floor, err = ParseLevel(minLevel)
		if err != nil {
			return nil, err
		}
	}
	needle := strings.ToLower(search)

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, ok := decodeEntry(line)
		if !ok {
			continue // Tolerate partial or foreign lines.
		}
		if lvl, lvlErr := ParseLevel(entry.Level); lvlErr == nil && lvl < floor {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(string(line)), needle) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindFileSystem, "LOG_READ",
			"Failed while scanning the log file", err).With("path", path)
	}

	if maxLines > 0 && len(entries) > maxLines {
		entries = entries[len(entries)-maxLines:]
	}
	return entries, nil
}

func decodeEntry(line []byte) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}
	entry := Entry{Context: raw}
	if ts, ok := raw["timestamp"].(string); ok {
		entry.Timestamp = ts
		delete(raw, "timestamp")
	}
	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
		delete(raw, "level")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	return entry, true
}
