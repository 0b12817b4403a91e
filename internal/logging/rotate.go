package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// rotateThreshold is the file size at which the current log is rotated.
	rotateThreshold = 10 * 1024 * 1024

	// retainFor is how long rotated files are kept. Older files are removed
	// at rotation time.
	retainFor = 7 * 24 * time.Hour
)

// rotatingSink is a zapcore.WriteSyncer that writes whole lines to a single
// file, rotates it when it passes rotateThreshold, and prunes siblings older
// than retainFor. A write either lands fully in one file or not at all, and
// write failures are swallowed: logging must never crash the server.
type rotatingSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

func newRotatingSink(path string) (*rotatingSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	size := int64(0)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return &rotatingSink{path: path, file: f, size: size}, nil
}

// Write appends p to the current file, rotating first when the write would
// push the file past the threshold. Errors are reported to zap but the sink
// stays usable.
func (s *rotatingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return len(p), nil // Sink closed or permanently failed; drop the entry.
	}
	if s.size+int64(len(p)) > rotateThreshold {
		s.rotateLocked()
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	if err != nil {
		// Degrade to dropping entries rather than propagating a failure into
		// every log call site.
		return len(p), nil
	}
	return n, nil
}

// Sync flushes the current file to disk.
func (s *rotatingSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close closes the underlying file. Subsequent writes are dropped.
func (s *rotatingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// rotateLocked renames the full file aside with a timestamp suffix, opens a
// fresh one at the same path, and prunes old logs. Caller holds mu.
func (s *rotatingSink) rotateLocked() {
	_ = s.file.Close()

	stamp := time.Now().Format("20060102-150405")
	ext := filepath.Ext(s.path)
	rotated := fmt.Sprintf("%s.%s%s", strings.TrimSuffix(s.path, ext), stamp, ext)
	_ = os.Rename(s.path, rotated)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.file = nil
		return
	}
	s.file = f
	s.size = 0

	pruneOldLogs(filepath.Dir(s.path))
}

// pruneOldLogs removes .log files older than the retention window.
func pruneOldLogs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-retainFor)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
