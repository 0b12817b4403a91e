// Package discovery enumerates candidate Durandal database files on the
// host and verifies each one without ever modifying it. It exists so that
// path resolution and migration can see every legacy database a user may
// have accumulated before the canonical location existed.
package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// maxWalkDepth bounds the recursive walk below each search root.
const maxWalkDepth = 3

// skippedDirs are directory names never descended into.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".svn":         true,
	".hg":          true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"out":          true,
	".cache":       true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       true,
	"Windows":      true,
	"System32":     true,
	"proc":         true,
	"sys":          true,
	"dev":          true,
}

// knownNames are exact database filenames from every historical release.
var knownNames = map[string]bool{
	"durandal-mcp-memory.db": true,
	"durandal-memory.db":     true,
	"memories.db":            true,
}

// Scanner finds and verifies candidate database files.
type Scanner struct {
	// ExtraRoots are searched in addition to the standard root set.
	// Tests use this to point the scanner at a temp directory.
	ExtraRoots []string

	// RootsOnly disables the standard root set entirely. Tests set this so
	// a run never touches the real home directory.
	RootsOnly bool
}

// Scan walks the search roots and returns one verified record per distinct
// candidate file, sorted by record count descending then file size
// descending. Candidates are never opened for writing and symlinks are not
// followed.
func (s *Scanner) Scan(ctx context.Context) ([]types.DiscoveryRecord, error) {
	roots := s.ExtraRoots
	if !s.RootsOnly {
		roots = append(roots, standardRoots()...)
	}

	seen := make(map[string]bool)
	var records []types.DiscoveryRecord
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		walkRoot(root, 0, func(path string, info os.FileInfo) {
			key := dedupeKey(path)
			if seen[key] {
				return
			}
			seen[key] = true
			records = append(records, verify(path, info))
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RecordCount != records[j].RecordCount {
			return records[i].RecordCount > records[j].RecordCount
		}
		return records[i].SizeBytes > records[j].SizeBytes
	})
	return records, nil
}

// standardRoots composes the host-wide search set: the user's state
// directories, the working directory and up to five parents, and
// platform-specific application and project roots.
func standardRoots() []string {
	var roots []string

	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			filepath.Join(home, ".durandal-mcp"),
			filepath.Join(home, ".durandal"),
			home,
			filepath.Join(home, "Documents"),
			filepath.Join(home, "Projects"),
		)
		if runtime.GOOS == "windows" {
			roots = append(roots,
				filepath.Join(home, "AppData", "Roaming"),
				filepath.Join(home, "AppData", "Local"),
			)
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		dir := cwd
		for i := 0; i <= 5; i++ {
			roots = append(roots, dir)
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if runtime.GOOS == "windows" {
		roots = append(roots, `C:\Projects`, `C:\Dev`, `C:\Code`)
	} else {
		roots = append(roots, "/usr/local", "/opt", "/var/lib")
	}

	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	return roots
}

// walkRoot recursively visits root up to maxWalkDepth, calling found for
// every file whose name matches the candidate patterns. Symlinked
// directories are not followed.
func walkRoot(root string, depth int, found func(string, os.FileInfo)) {
	if depth > maxWalkDepth {
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return // Unreadable roots are silently skipped.
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(root, name)
		if entry.IsDir() {
			if skippedDirs[name] || strings.HasPrefix(name, ".") && name != ".durandal-mcp" && name != ".durandal" {
				continue
			}
			walkRoot(path, depth+1, found)
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !IsCandidateName(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		found(path, info)
	}
}

// IsCandidateName reports whether a filename looks like a Durandal database:
// an exact historical name, a durandal*/… pattern, or any .db whose name
// mentions durandal or memory.
func IsCandidateName(name string) bool {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".db") {
		return false
	}
	if knownNames[lower] {
		return true
	}
	return strings.Contains(lower, "durandal") || strings.Contains(lower, "memory")
}

// verify opens the candidate read-only and classifies its schema. The
// returned record carries the row count of whichever table class was found.
func verify(path string, info os.FileInfo) types.DiscoveryRecord {
	rec := types.DiscoveryRecord{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		Status:    types.SchemaInvalid,
	}

	db, err := openReadOnly(path)
	if err != nil {
		return rec
	}
	defer db.Close()

	if tableExists(db, "memories") {
		rec.Status = types.SchemaModern
		rec.RecordCount = countRows(db, "memories")
		return rec
	}
	if tableExists(db, "projects") || tableExists(db, "conversation_messages") {
		rec.Status = types.SchemaLegacy
		rec.RecordCount = countRows(db, "conversation_messages")
	}
	return rec
}

// Verify classifies a single file without a directory walk. Used by the
// path resolver to rank explicit candidates.
func Verify(path string) (types.DiscoveryRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.DiscoveryRecord{}, err
	}
	if info.IsDir() || info.Size() == 0 {
		return types.DiscoveryRecord{}, fmt.Errorf("not a candidate file: %s", path)
	}
	return verify(path, info), nil
}

// openReadOnly opens the file with mode=ro and immutable query semantics so
// verification can never write, not even WAL side files.
func openReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func tableExists(db *sql.DB, name string) bool {
	var found string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", name,
	).Scan(&found)
	return err == nil
}

func countRows(db *sql.DB, table string) int64 {
	var n int64
	// Table names come from the fixed schema vocabulary, never user input.
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0
	}
	return n
}

// dedupeKey resolves the path for case-aware deduplication. Windows and
// macOS default filesystems are case-insensitive.
func dedupeKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		abs = strings.ToLower(abs)
	}
	return abs
}
