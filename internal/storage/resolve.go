package storage

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/config"
	"github.com/Wawtawsha/durandal-mcp/internal/discovery"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// altNames are the database filenames used by historical releases, checked in
// every candidate location alongside the canonical name.
var altNames = []string{
	config.CanonicalDBName,
	"durandal-memory.db",
	"memories.db",
}

// Resolution is the outcome of database path selection.
type Resolution struct {
	Path       string                  // The selected (or to-be-created) database file
	Fresh      bool                    // True when no existing database was found anywhere
	Candidates []types.DiscoveryRecord // Every existing candidate considered, ranked
}

// ResolvePath selects the canonical database file. It never shadows existing
// user data: a new file location is only returned when no candidate exists in
// any known location and a host-wide discovery scan also finds nothing.
//
// Selection order:
//  1. An explicit override is used verbatim.
//  2. Known locations are checked: working directory, user config directory,
//     directory of the server binary, each with all historical filenames.
//  3. Zero candidates → discovery scan; still zero → the canonical
//     user-config location is returned as fresh.
//  4. One candidate → selected. Multiple → the one with the most memories
//     rows wins (file size tiebreak) and a consolidation warning is logged.
func ResolvePath(ctx context.Context, override string, log *zap.Logger) (Resolution, error) {
	if override != "" {
		return Resolution{Path: override}, nil
	}

	var candidates []types.DiscoveryRecord
	for _, dir := range candidateDirs() {
		for _, name := range altNames {
			path := filepath.Join(dir, name)
			if !isNonEmptyFile(path) {
				continue
			}
			rec, err := discovery.Verify(path)
			if err != nil {
				continue
			}
			candidates = append(candidates, rec)
		}
	}

	if len(candidates) == 0 {
		scanner := &discovery.Scanner{}
		found, err := scanner.Scan(ctx)
		if err != nil {
			return Resolution{}, err
		}
		for _, rec := range found {
			if rec.Status != types.SchemaInvalid {
				candidates = append(candidates, rec)
			}
		}
	}

	if len(candidates) == 0 {
		return Resolution{Path: config.DefaultDatabasePath(), Fresh: true}, nil
	}

	best := pickBest(candidates)
	if len(candidates) > 1 {
		paths := make([]string, len(candidates))
		for i, rec := range candidates {
			paths[i] = rec.Path
		}
		log.Warn("multiple database files found; using the one with the most memories, run --migrate to consolidate",
			zap.String("selected", best.Path),
			zap.Strings("candidates", paths))
	}
	return Resolution{Path: best.Path, Candidates: candidates}, nil
}

// candidateDirs lists the fixed locations checked before falling back to a
// discovery scan, in priority order for logging purposes only (selection is
// by record count, not position).
func candidateDirs() []string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	dirs = append(dirs, config.UserDir())
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return uniqueAbsDirs(dirs)
}

// uniqueAbsDirs resolves each directory to an absolute path and drops
// duplicates, so a working directory equal to the binary's directory is
// checked once instead of producing a phantom second candidate.
func uniqueAbsDirs(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

func isNonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// pickBest ranks by verified memories row count, then file size.
func pickBest(candidates []types.DiscoveryRecord) types.DiscoveryRecord {
	best := candidates[0]
	for _, rec := range candidates[1:] {
		if rec.RecordCount > best.RecordCount ||
			(rec.RecordCount == best.RecordCount && rec.SizeBytes > best.SizeBytes) {
			best = rec
		}
	}
	return best
}
