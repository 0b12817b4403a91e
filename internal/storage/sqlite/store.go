// Package sqlite implements the durable memory store on an embedded SQLite
// database. One Store owns the database file handle for the lifetime of the
// server: a single-connection pool serializes mutating statements while a
// separate read-only pool lets short reads proceed alongside long queries
// (WAL mode keeps readers unblocked by the writer).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
	"github.com/Wawtawsha/durandal-mcp/internal/storage"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// Schema creates the canonical memories table and the legacy tables older
// tools still read. Everything is IF NOT EXISTS: opening an existing
// database never alters user data, and schema evolution is additive only.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	metadata TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(json_extract(metadata, '$.project'));
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(json_extract(metadata, '$.session'));
CREATE INDEX IF NOT EXISTS idx_memories_mem_id ON memories(json_extract(metadata, '$.id'));

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	path TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER,
	session_name TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	last_message_at DATETIME,
	is_active INTEGER DEFAULT 1,
	FOREIGN KEY (project_id) REFERENCES projects(id)
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER,
	role TEXT CHECK(role IN ('user','assistant','system')),
	content TEXT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	metadata TEXT,
	FOREIGN KEY (session_id) REFERENCES conversation_sessions(id)
);
`

// Store is the embedded SQLite implementation of storage.MemoryStore.
type Store struct {
	writeDB *sql.DB // Single connection; serializes all mutating statements
	readDB  *sql.DB // Small read pool; WAL keeps reads unblocked by writes
	path    string
}

// Open opens (or creates) the database at path and ensures the schema.
// Failure here is fatal to the caller: the server must never respond to an
// open failure by creating a fresh database somewhere else.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperr.Wrap(apperr.KindFileSystem, "DB_DIR_CREATE",
				"Could not create the database directory", err).With("path", dir)
		}
	}

	writeDB, err := openPool(path, false, 1)
	if err != nil {
		return nil, apperr.Database("open", err).With("path", path)
	}
	if _, err := writeDB.Exec(Schema); err != nil {
		writeDB.Close()
		return nil, apperr.Database("create_schema", err).With("path", path)
	}

	readDB, err := openPool(path, true, 4)
	if err != nil {
		writeDB.Close()
		return nil, apperr.Database("open_read", err).With("path", path)
	}

	return &Store{writeDB: writeDB, readDB: readDB, path: path}, nil
}

// openPool opens one pool against the file. SQLite only supports a single
// concurrent writer, so the write pool is capped at one connection; WAL mode
// plus a busy timeout keeps concurrent handlers from seeing SQLITE_BUSY.
func openPool(path string, readOnly bool, maxConns int) (*sql.DB, error) {
	dsn := "file:" + path
	if readOnly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	if !readOnly {
		// Switching journal modes needs write access; the read pool inherits
		// WAL from the file once the write pool has set it.
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SizeBytes returns the current database file size, 0 on stat failure.
func (s *Store) SizeBytes() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// StoreMemory inserts one row. The public string ID travels inside the
// metadata JSON (key "id") so that rows keep the integer-keyed table shape
// older tools expect while remaining addressable by the ID handed to the
// caller.
func (s *Store) StoreMemory(ctx context.Context, id, content string, meta types.Metadata) error {
	if meta.Extra == nil {
		meta.Extra = make(map[string]any, 1)
	}
	meta.Extra["id"] = id

	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "METADATA_MARSHAL",
			"Could not serialize memory metadata", err)
	}

	createdAt := time.Now().UTC()
	if meta.CreatedAt != nil {
		createdAt = meta.CreatedAt.UTC()
	}

	_, err = s.writeDB.ExecContext(ctx,
		"INSERT INTO memories (content, metadata, created_at) VALUES (?, ?, ?)",
		content, string(metadataJSON), createdAt.Format(timeLayout))
	if err != nil {
		return apperr.Database("store_memory", err)
	}
	return nil
}

// timeLayout is the created_at column format. SQLite's CURRENT_TIMESTAMP
// produces the same shape, so new rows sort correctly against legacy ones.
const timeLayout = "2006-01-02 15:04:05"

// MaxSearchLimit caps search result sets.
const MaxSearchLimit = 100

// MaxRecentLimit caps get-recent result sets.
const MaxRecentLimit = 50

// SearchMemories returns rows whose content contains query case-insensitively
// and that pass every filter, ordered newest first.
func (s *Store) SearchMemories(ctx context.Context, query string, filters storage.SearchFilters, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	where := []string{"instr(lower(content), lower(?)) > 0"}
	args := []any{query}

	if filters.Project != "" {
		where = append(where, "json_extract(metadata, '$.project') = ?")
		args = append(args, filters.Project)
	}
	if filters.Session != "" {
		where = append(where, "json_extract(metadata, '$.session') = ?")
		args = append(args, filters.Session)
	}
	if len(filters.Categories) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filters.Categories)), ",")
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(metadata, '$.categories') WHERE json_each.value IN (%s))",
			placeholders))
		for _, c := range filters.Categories {
			args = append(args, c)
		}
	}
	if filters.ImportanceMin != nil {
		where = append(where, "COALESCE(json_extract(metadata, '$.importance'), 0.5) >= ?")
		args = append(args, *filters.ImportanceMin)
	}
	if filters.ImportanceMax != nil {
		where = append(where, "COALESCE(json_extract(metadata, '$.importance'), 0.5) <= ?")
		args = append(args, *filters.ImportanceMax)
	}
	if filters.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filters.DateFrom.UTC().Format(timeLayout))
	}
	if filters.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filters.DateTo.UTC().Format(timeLayout))
	}

	stmt := fmt.Sprintf(
		"SELECT id, content, metadata, created_at FROM memories WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?",
		strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperr.Database("search_memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetRecentMemories returns the newest rows, optionally scoped to a project
// and session extracted from the metadata JSON.
func (s *Store) GetRecentMemories(ctx context.Context, project, session string, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	where := []string{"1=1"}
	var args []any
	if project != "" {
		where = append(where, "json_extract(metadata, '$.project') = ?")
		args = append(args, project)
	}
	if session != "" {
		where = append(where, "json_extract(metadata, '$.session') = ?")
		args = append(args, session)
	}

	stmt := fmt.Sprintf(
		"SELECT id, content, metadata, created_at FROM memories WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?",
		strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, apperr.Database("get_recent_memories", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetMemoryByID resolves a public memory ID. String IDs match the "id" key
// inside the metadata JSON; purely numeric IDs also match the legacy integer
// row id so pre-migration rows stay addressable.
func (s *Store) GetMemoryByID(ctx context.Context, id string) (*types.Memory, error) {
	row := s.readDB.QueryRowContext(ctx,
		"SELECT id, content, metadata, created_at FROM memories WHERE json_extract(metadata, '$.id') = ? LIMIT 1", id)
	mem, err := scanMemory(row)
	if err == nil {
		return mem, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperr.Database("get_memory_by_id", err)
	}

	if rowID, convErr := strconv.ParseInt(id, 10, 64); convErr == nil {
		row := s.readDB.QueryRowContext(ctx,
			"SELECT id, content, metadata, created_at FROM memories WHERE id = ? LIMIT 1", rowID)
		mem, err := scanMemory(row)
		if err == nil {
			return mem, nil
		}
		if err != sql.ErrNoRows {
			return nil, apperr.Database("get_memory_by_id", err)
		}
	}
	return nil, storage.ErrNotFound
}

// CountMemories returns the total number of rows in memories.
func (s *Store) CountMemories(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, apperr.Database("count_memories", err)
	}
	return n, nil
}

// ProjectSessionCount is one aggregation bucket from ListProjectsSessions.
type ProjectSessionCount struct {
	Project string
	Session string
	Count   int64
	Sample  string
}

// ListProjectsSessions aggregates memories by the project and session keys in
// their metadata. When bySession is false the session dimension collapses.
// When includeSamples is true each bucket carries the content of its newest
// memory, truncated to 120 characters.
func (s *Store) ListProjectsSessions(ctx context.Context, bySession, includeSamples bool) ([]ProjectSessionCount, error) {
	groupCols := "COALESCE(json_extract(metadata, '$.project'), 'default')"
	if bySession {
		groupCols += ", COALESCE(json_extract(metadata, '$.session'), '')"
	}

	stmt := fmt.Sprintf(`
		SELECT COALESCE(json_extract(metadata, '$.project'), 'default') AS project,
		       %s AS session,
		       COUNT(*) AS n
		FROM memories
		GROUP BY %s
		ORDER BY n DESC, project ASC`,
		sessionSelect(bySession), groupCols)

	rows, err := s.readDB.QueryContext(ctx, stmt)
	if err != nil {
		return nil, apperr.Database("list_projects_sessions", err)
	}
	defer rows.Close()

	var out []ProjectSessionCount
	for rows.Next() {
		var rec ProjectSessionCount
		if err := rows.Scan(&rec.Project, &rec.Session, &rec.Count); err != nil {
			return nil, apperr.Database("list_projects_sessions", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("list_projects_sessions", err)
	}

	if includeSamples {
		for i := range out {
			out[i].Sample = s.sampleContent(ctx, out[i].Project, out[i].Session, bySession)
		}
	}
	return out, nil
}

func sessionSelect(bySession bool) string {
	if bySession {
		return "COALESCE(json_extract(metadata, '$.session'), '')"
	}
	return "''"
}

func (s *Store) sampleContent(ctx context.Context, project, session string, bySession bool) string {
	stmt := "SELECT content FROM memories WHERE COALESCE(json_extract(metadata, '$.project'), 'default') = ?"
	args := []any{project}
	if bySession {
		stmt += " AND COALESCE(json_extract(metadata, '$.session'), '') = ?"
		args = append(args, session)
	}
	stmt += " ORDER BY created_at DESC LIMIT 1"

	var content string
	if err := s.readDB.QueryRowContext(ctx, stmt, args...).Scan(&content); err != nil {
		return ""
	}
	const maxSample = 120
	if utf8.RuneCountInString(content) > maxSample {
		// Rune-boundary truncation keeps the sample valid UTF-8.
		content = string([]rune(content)[:maxSample]) + "…"
	}
	return content
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemories(rows *sql.Rows) ([]types.Memory, error) {
	var out []types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, apperr.Database("scan_memory", err)
		}
		out = append(out, *mem)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("scan_memory", err)
	}
	return out, nil
}

// scanMemory decodes one row. The public ID is lifted out of the metadata
// JSON when present; legacy rows fall back to the decimal integer row id.
func scanMemory(row scanner) (*types.Memory, error) {
	var (
		rowID        int64
		content      string
		metadataJSON sql.NullString
		createdAt    string
	)
	if err := row.Scan(&rowID, &content, &metadataJSON, &createdAt); err != nil {
		return nil, err
	}

	mem := &types.Memory{Content: content}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &mem.Metadata); err != nil {
			// A malformed metadata blob must not hide the row's content.
			mem.Metadata = types.Metadata{}
		}
	}

	if id, ok := mem.Metadata.Extra["id"].(string); ok && id != "" {
		mem.ID = id
		delete(mem.Metadata.Extra, "id")
		if len(mem.Metadata.Extra) == 0 {
			mem.Metadata.Extra = nil
		}
	} else {
		mem.ID = strconv.FormatInt(rowID, 10)
	}

	if t, err := parseStoredTime(createdAt); err == nil {
		mem.CreatedAt = t
	}
	return mem, nil
}

// parseStoredTime accepts both our layout and the RFC-3339 shapes legacy
// writers used.
func parseStoredTime(value string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
