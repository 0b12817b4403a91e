package discovery

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

func createDB(t *testing.T, path, schema string, inserts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
	for _, stmt := range inserts {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
}

func createModernDB(t *testing.T, path string, rows int) {
	t.Helper()
	inserts := make([]string, rows)
	for i := range inserts {
		inserts[i] = "INSERT INTO memories (content) VALUES ('row')"
	}
	createDB(t, path,
		"CREATE TABLE memories (id INTEGER PRIMARY KEY, content TEXT, metadata TEXT, created_at DATETIME)",
		inserts...)
}

func TestIsCandidateName(t *testing.T) {
	assert.True(t, IsCandidateName("durandal-mcp-memory.db"))
	assert.True(t, IsCandidateName("durandal-memory.db"))
	assert.True(t, IsCandidateName("memories.db"))
	assert.True(t, IsCandidateName("DURANDAL-backup.db"))
	assert.True(t, IsCandidateName("my-memory-store.db"))

	assert.False(t, IsCandidateName("app.db"))
	assert.False(t, IsCandidateName("durandal.txt"))
	assert.False(t, IsCandidateName("notes.sqlite"))
}

func TestScanClassifiesSchemas(t *testing.T) {
	dir := t.TempDir()

	modern := filepath.Join(dir, "durandal-mcp-memory.db")
	createModernDB(t, modern, 3)

	legacy := filepath.Join(dir, "durandal-memory.db")
	createDB(t, legacy,
		`CREATE TABLE projects (id INTEGER PRIMARY KEY, name TEXT);
		 CREATE TABLE conversation_messages (id INTEGER PRIMARY KEY, content TEXT);`,
		"INSERT INTO conversation_messages (content) VALUES ('msg')")

	invalid := filepath.Join(dir, "memories.db")
	require.NoError(t, os.WriteFile(invalid, []byte("not a sqlite file"), 0o600))

	scanner := &Scanner{ExtraRoots: []string{dir}, RootsOnly: true}
	records, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	byPath := make(map[string]types.DiscoveryRecord, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	assert.Equal(t, types.SchemaModern, byPath[modern].Status)
	assert.Equal(t, int64(3), byPath[modern].RecordCount)
	assert.Equal(t, types.SchemaLegacy, byPath[legacy].Status)
	assert.Equal(t, int64(1), byPath[legacy].RecordCount)
	assert.Equal(t, types.SchemaInvalid, byPath[invalid].Status)
}

func TestScanOrdersByRecordCount(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small-memory.db")
	big := filepath.Join(dir, "big-memory.db")
	createModernDB(t, small, 1)
	createModernDB(t, big, 5)

	scanner := &Scanner{ExtraRoots: []string{dir}, RootsOnly: true}
	records, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, big, records[0].Path)
}

func TestScanIsNonDestructive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durandal-mcp-memory.db")
	createModernDB(t, path, 2)

	before, err := os.Stat(path)
	require.NoError(t, err)

	scanner := &Scanner{ExtraRoots: []string{dir}, RootsOnly: true}
	_, err = scanner.Scan(context.Background())
	require.NoError(t, err)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	assert.Equal(t, before.ModTime(), after.ModTime())

	// No WAL or journal side files either.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScanRespectsDepthAndSkippedDirs(t *testing.T) {
	dir := t.TempDir()

	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	createModernDB(t, filepath.Join(nested, "memories.db"), 1)

	tooDeep := filepath.Join(dir, "a", "b", "c", "d")
	require.NoError(t, os.MkdirAll(tooDeep, 0o755))
	createModernDB(t, filepath.Join(tooDeep, "durandal-memory.db"), 1)

	skipped := filepath.Join(dir, "node_modules")
	require.NoError(t, os.MkdirAll(skipped, 0o755))
	createModernDB(t, filepath.Join(skipped, "memories.db"), 1)

	scanner := &Scanner{ExtraRoots: []string{dir}, RootsOnly: true}
	records, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, filepath.Join(nested, "memories.db"), records[0].Path)
}

func TestScanDeduplicatesRepeatedRoots(t *testing.T) {
	dir := t.TempDir()
	createModernDB(t, filepath.Join(dir, "memories.db"), 1)

	scanner := &Scanner{ExtraRoots: []string{dir, dir}, RootsOnly: true}
	records, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestVerifySingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durandal-mcp-memory.db")
	createModernDB(t, path, 4)

	rec, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, types.SchemaModern, rec.Status)
	assert.Equal(t, int64(4), rec.RecordCount)

	_, err = Verify(filepath.Join(dir, "missing.db"))
	assert.Error(t, err)
}
