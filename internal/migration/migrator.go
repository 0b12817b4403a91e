// Package migration merges discovered legacy databases into one canonical
// store. Sources are opened read-only and never modified; rows whose exact
// content already exists in the target are skipped, so the merge is
// idempotent. The caller is responsible for obtaining explicit user
// confirmation before invoking Run.
package migration

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
	sqlitestore "github.com/Wawtawsha/durandal-mcp/internal/storage/sqlite"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// Report is the outcome of one migration run, including the post-run
// verification numbers.
type Report struct {
	Stats           types.MigrationStats
	PerSource       map[string]types.MigrationStats
	TargetRowCount  int64
	DistinctSources int64
}

// Migrator copies memories from source databases into a target.
type Migrator struct {
	Log *zap.Logger
}

// Run merges every source into the database at targetPath, creating the
// target schema if needed. A fatal target error aborts the run; per-row
// source errors are counted and skipped.
func (m *Migrator) Run(ctx context.Context, targetPath string, sources []string) (*Report, error) {
	target, err := sql.Open("sqlite", "file:"+targetPath)
	if err != nil {
		return nil, apperr.Database("migrate_open_target", err).With("path", targetPath)
	}
	defer target.Close()
	target.SetMaxOpenConns(1)

	if _, err := target.ExecContext(ctx, sqlitestore.Schema); err != nil {
		return nil, apperr.Database("migrate_target_schema", err).With("path", targetPath)
	}
	if err := ensureProvenanceColumns(ctx, target); err != nil {
		return nil, err
	}

	report := &Report{PerSource: make(map[string]types.MigrationStats, len(sources))}
	for _, source := range sources {
		stats := m.migrateSource(ctx, target, source)
		report.PerSource[source] = stats
		report.Stats.Total += stats.Total
		report.Stats.Migrated += stats.Migrated
		report.Stats.Duplicates += stats.Duplicates
		report.Stats.Errors += stats.Errors
	}

	if err := target.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memories").Scan(&report.TargetRowCount); err != nil {
		return report, apperr.Database("migrate_verify", err)
	}
	if err := target.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT source_db) FROM memories WHERE source_db IS NOT NULL").Scan(&report.DistinctSources); err != nil {
		return report, apperr.Database("migrate_verify", err)
	}
	return report, nil
}

// ensureProvenanceColumns adds source_db and original_id when absent.
// Column adds are the only schema change the migrator is allowed to make.
func ensureProvenanceColumns(ctx context.Context, db *sql.DB) error {
	existing, err := tableColumns(ctx, db, "memories")
	if err != nil {
		return apperr.Database("migrate_table_info", err)
	}
	for _, col := range []string{"source_db", "original_id"} {
		if existing[col] {
			continue
		}
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("ALTER TABLE memories ADD COLUMN %s TEXT", col)); err != nil {
			return apperr.Database("migrate_add_column", err).With("column", col)
		}
	}
	return nil
}

// migrateSource copies non-duplicate rows from one source. The source is
// opened read-only; any failure to open it marks every prospective row as
// zero and logs a warning rather than aborting the run.
func (m *Migrator) migrateSource(ctx context.Context, target *sql.DB, sourcePath string) types.MigrationStats {
	var stats types.MigrationStats

	source, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		m.Log.Warn("skipping unreadable source", zap.String("path", sourcePath), zap.Error(err))
		return stats
	}
	defer source.Close()
	source.SetMaxOpenConns(1)

	rows, err := source.QueryContext(ctx,
		"SELECT id, content, COALESCE(metadata, ''), COALESCE(created_at, '') FROM memories ORDER BY created_at ASC, id ASC")
	if err != nil {
		m.Log.Warn("skipping source without a readable memories table",
			zap.String("path", sourcePath), zap.Error(err))
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return stats
		}
		stats.Total++

		var (
			originalID int64
			content    string
			metadata   string
			createdAt  string
		)
		if err := rows.Scan(&originalID, &content, &metadata, &createdAt); err != nil {
			stats.Errors++
			m.Log.Warn("row scan failed", zap.String("source", sourcePath), zap.Error(err))
			continue
		}

		// Exact content match is the dedup key: a byte-identical memory in
		// the target means this row has already been consolidated.
		var existing int64
		if err := target.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM memories WHERE content = ?", content).Scan(&existing); err != nil {
			stats.Errors++
			m.Log.Warn("duplicate probe failed", zap.String("source", sourcePath), zap.Error(err))
			continue
		}
		if existing > 0 {
			stats.Duplicates++
			continue
		}

		_, err := target.ExecContext(ctx, `
			INSERT INTO memories (content, metadata, created_at, source_db, original_id)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
			content, metadata, createdAt, sourcePath, fmt.Sprintf("%d", originalID))
		if err != nil {
			stats.Errors++
			m.Log.Warn("row insert failed", zap.String("source", sourcePath), zap.Error(err))
			continue
		}
		stats.Migrated++
	}
	if err := rows.Err(); err != nil {
		m.Log.Warn("source iteration ended early", zap.String("source", sourcePath), zap.Error(err))
	}

	m.Log.Info("source migrated",
		zap.String("source", sourcePath),
		zap.Int("total", stats.Total),
		zap.Int("migrated", stats.Migrated),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("errors", stats.Errors))
	return stats
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
