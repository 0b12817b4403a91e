package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
)

// SaveEnvValues upserts KEY=VALUE pairs into the user env file, preserving
// every unrelated line (including # comments and blank lines). The file and
// its parent directory are created when absent.
func SaveEnvValues(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apperr.Wrap(apperr.KindFileSystem, "ENV_DIR_CREATE",
			"Could not create the config directory", err).With("path", filepath.Dir(path))
	}

	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindFileSystem, "ENV_READ",
			"Could not read the user env file", err).With("path", path)
	}

	pending := make(map[string]string, len(values))
	for k, v := range values {
		pending[k] = v
	}

	out := make([]string, 0, len(lines)+len(values))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		key, _, found := strings.Cut(trimmed, "=")
		key = strings.TrimSpace(key)
		if found {
			if v, ok := pending[key]; ok {
				out = append(out, fmt.Sprintf("%s=%s", key, v))
				delete(pending, key)
				continue
			}
		}
		out = append(out, line)
	}
	// Keys not already in the file go at the end in a stable order.
	for _, k := range sortedKeys(pending) {
		out = append(out, fmt.Sprintf("%s=%s", k, pending[k]))
	}

	content := strings.Join(out, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return apperr.Wrap(apperr.KindFileSystem, "ENV_WRITE",
			"Could not write the user env file", err).With("path", path)
	}
	return nil
}

// ReadEnvFile parses the user env file into a map. A missing file yields an
// empty map, not an error.
func ReadEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, apperr.Wrap(apperr.KindFileSystem, "ENV_READ",
			"Could not read the user env file", err).With("path", path)
	}
	return values, nil
}

// WatchEnvFile watches the user env file and invokes onChange with its parsed
// contents whenever it is written. Events for other files in the directory
// are ignored. The watcher stops when ctx is cancelled. Watching the parent
// directory rather than the file itself survives editors that replace the
// file on save.
func WatchEnvFile(ctx context.Context, path string, onChange func(map[string]string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Wrap(apperr.KindFileSystem, "ENV_WATCH",
			"Could not start the env file watcher", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return apperr.Wrap(apperr.KindFileSystem, "ENV_DIR_CREATE",
			"Could not create the config directory", err).With("path", dir)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return apperr.Wrap(apperr.KindFileSystem, "ENV_WATCH",
			"Could not watch the config directory", err).With("path", dir)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if values, err := ReadEnvFile(path); err == nil {
					onChange(values)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are non-fatal; keep watching.
			}
		}
	}()
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
