// Package ramr implements the optional persistent tier-2 cache (the
// "rapid-access memory register"): a priority-scored key/value store on its
// own SQLite file with TTLs derived from category and priority, and a
// maintenance entry point for expiry and stats.
package ramr

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS ramr_cache (
	key TEXT PRIMARY KEY,
	data BLOB,
	metadata TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	last_accessed DATETIME,
	access_count INTEGER DEFAULT 0,
	priority_score REAL DEFAULT 5.0,
	tags TEXT,
	content_hash TEXT,
	expires_at DATETIME,
	cache_type TEXT
);

CREATE INDEX IF NOT EXISTS idx_ramr_expires ON ramr_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ramr_priority ON ramr_cache(priority_score);

CREATE TABLE IF NOT EXISTS ramr_stats (
	stat_key TEXT PRIMARY KEY,
	stat_value TEXT,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// DefaultTTL is the base TTL before the priority and category factors apply.
const DefaultTTL = time.Hour

// PromotionThreshold is the priority score above which a read promotes the
// entry into the tier-1 cache.
const PromotionThreshold = 7.0

// categoryFactors scale the TTL per cache_type. Unknown types use 1.0.
var categoryFactors = map[string]float64{
	types.CacheTypeSolution:            2.0,
	types.CacheTypeConfiguration:       1.5,
	types.CacheTypeKnowledge:           2.5,
	types.CacheTypeConversationSummary: 1.0,
	types.CacheTypeTemporary:           0.25,
}

// Entry is one tier-2 cache record.
type Entry struct {
	Key           string
	Data          []byte
	Metadata      map[string]any
	CreatedAt     time.Time
	LastAccessed  *time.Time
	AccessCount   int64
	PriorityScore float64 // 0..10
	Tags          []string
	ContentHash   string
	ExpiresAt     time.Time
	CacheType     string
}

// SetOptions controls how an entry is written.
type SetOptions struct {
	Priority  float64 // 0..10, clamped; 5.0 when zero-valued callers pass DefaultPriority
	CacheType string
	Tags      []string
	Metadata  map[string]any
}

// DefaultPriority is the middle of the score range.
const DefaultPriority = 5.0

// RAMR owns the tier-2 cache file.
type RAMR struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the tier-2 cache database at path.
func Open(path string) (*RAMR, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperr.Wrap(apperr.KindFileSystem, "RAMR_DIR_CREATE",
				"Could not create the tier-2 cache directory", err).With("path", dir)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, apperr.Database("ramr_open", err).With("path", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperr.Database("ramr_pragma", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Database("ramr_schema", err)
	}
	return &RAMR{db: db, path: path}, nil
}

// Close releases the database handle.
func (r *RAMR) Close() error {
	return r.db.Close()
}

// Path returns the tier-2 cache file location.
func (r *RAMR) Path() string {
	return r.path
}

// TTLFor computes defaultTTL · max(priority/5, 0.5) · categoryFactor.
func TTLFor(priority float64, cacheType string) time.Duration {
	factor := priority / 5
	if factor < 0.5 {
		factor = 0.5
	}
	category, ok := categoryFactors[cacheType]
	if !ok {
		category = 1.0
	}
	return time.Duration(float64(DefaultTTL) * factor * category)
}

// Set writes an entry under key. The TTL is derived from the priority and
// cache type; existing entries are replaced.
func (r *RAMR) Set(ctx context.Context, key string, data []byte, opts SetOptions) error {
	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	now := time.Now().UTC()
	expires := now.Add(TTLFor(priority, opts.CacheType))

	var metadataJSON, tagsJSON []byte
	var err error
	if opts.Metadata != nil {
		if metadataJSON, err = json.Marshal(opts.Metadata); err != nil {
			return apperr.Wrap(apperr.KindCache, "RAMR_METADATA_MARSHAL",
				"Could not serialize tier-2 metadata", err)
		}
	}
	if len(opts.Tags) > 0 {
		if tagsJSON, err = json.Marshal(opts.Tags); err != nil {
			return apperr.Wrap(apperr.KindCache, "RAMR_TAGS_MARSHAL",
				"Could not serialize tier-2 tags", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ramr_cache (key, data, metadata, created_at, last_accessed, access_count,
			priority_score, tags, content_hash, expires_at, cache_type)
		VALUES (?, ?, ?, ?, NULL, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			metadata = excluded.metadata,
			priority_score = excluded.priority_score,
			tags = excluded.tags,
			content_hash = excluded.content_hash,
			expires_at = excluded.expires_at,
			cache_type = excluded.cache_type`,
		key, data, nullableString(metadataJSON), now.Format(timeLayout),
		priority, nullableString(tagsJSON),
		fmt.Sprintf("%x", sha256.Sum256(data)),
		expires.Format(timeLayout), opts.CacheType)
	if err != nil {
		return apperr.Database("ramr_set", err)
	}
	return nil
}

// Get returns the live entry for key, bumping its access counters. Expired
// or missing keys return (nil, nil): tier-2 misses are not errors.
func (r *RAMR) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT key, data, metadata, created_at, last_accessed, access_count,
		       priority_score, tags, content_hash, expires_at, cache_type
		FROM ramr_cache WHERE key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database("ramr_get", err)
	}
	if time.Now().UTC().After(entry.ExpiresAt) {
		// Lazily expire on read.
		_, _ = r.db.ExecContext(ctx, "DELETE FROM ramr_cache WHERE key = ?", key)
		return nil, nil
	}

	now := time.Now().UTC()
	_, _ = r.db.ExecContext(ctx,
		"UPDATE ramr_cache SET access_count = access_count + 1, last_accessed = ? WHERE key = ?",
		now.Format(timeLayout), key)
	entry.AccessCount++
	entry.LastAccessed = &now
	return entry, nil
}

// GetRelevantContext returns live entries whose key, tags, or data contain
// the query substring, highest priority first.
func (r *RAMR) GetRelevantContext(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	needle := "%" + strings.ToLower(query) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, data, metadata, created_at, last_accessed, access_count,
		       priority_score, tags, content_hash, expires_at, cache_type
		FROM ramr_cache
		WHERE expires_at > ?
		  AND (lower(key) LIKE ? OR lower(COALESCE(tags,'')) LIKE ? OR lower(CAST(data AS TEXT)) LIKE ?)
		ORDER BY priority_score DESC, last_accessed DESC
		LIMIT ?`,
		time.Now().UTC().Format(timeLayout), needle, needle, needle, limit)
	if err != nil {
		return nil, apperr.Database("ramr_context", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := r.scanOne(rows)
		if err != nil {
			return nil, apperr.Database("ramr_context", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("ramr_context", err)
	}
	return out, nil
}

// ExpireEntries deletes every entry past its expiry and returns the count.
func (r *RAMR) ExpireEntries(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM ramr_cache WHERE expires_at <= ?", time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, apperr.Database("ramr_expire", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetStat upserts a value in ramr_stats.
func (r *RAMR) SetStat(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ramr_stats (stat_key, stat_value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(stat_key) DO UPDATE SET
			stat_value = excluded.stat_value,
			updated_at = CURRENT_TIMESTAMP`, key, value)
	if err != nil {
		return apperr.Database("ramr_set_stat", err)
	}
	return nil
}

// GetStat reads a value from ramr_stats; missing keys return "".
func (r *RAMR) GetStat(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		"SELECT stat_value FROM ramr_stats WHERE stat_key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Database("ramr_get_stat", err)
	}
	return value, nil
}

// Size returns the number of live entries.
func (r *RAMR) Size(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ramr_cache WHERE expires_at > ?",
		time.Now().UTC().Format(timeLayout)).Scan(&n)
	if err != nil {
		return 0, apperr.Database("ramr_size", err)
	}
	return n, nil
}

const timeLayout = "2006-01-02 15:04:05"

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RAMR) scanOne(row rowScanner) (*Entry, error) {
	var (
		entry        Entry
		metadataJSON sql.NullString
		tagsJSON     sql.NullString
		createdAt    string
		lastAccessed sql.NullString
		contentHash  sql.NullString
		expiresAt    string
		cacheType    sql.NullString
	)
	err := row.Scan(&entry.Key, &entry.Data, &metadataJSON, &createdAt, &lastAccessed,
		&entry.AccessCount, &entry.PriorityScore, &tagsJSON, &contentHash, &expiresAt, &cacheType)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &entry.Tags)
	}
	entry.ContentHash = contentHash.String
	entry.CacheType = cacheType.String
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		entry.CreatedAt = t
	}
	if lastAccessed.Valid {
		if t, err := time.Parse(timeLayout, lastAccessed.String); err == nil {
			entry.LastAccessed = &t
		}
	}
	if t, err := time.Parse(timeLayout, expiresAt); err == nil {
		entry.ExpiresAt = t
	}
	return &entry, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
