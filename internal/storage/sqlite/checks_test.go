package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

func TestStartupChecksPassOnFreshDatabase(t *testing.T) {
	store := openTestStore(t)

	report, err := store.RunStartupChecks(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, report.Ok)
	require.Len(t, report.Results, 4)
	for _, res := range report.Results {
		assert.True(t, res.Passed, res.Name)
	}
	assert.Empty(t, report.Warnings())
}

func TestStartupChecksLeaveNoProbeResidue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.RunStartupChecks(ctx, zap.NewNop())
	require.NoError(t, err)

	n, err := store.CountMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "read/write probe cleans up after itself")
}

func TestStartupChecksFatalOnMissingEssentialColumn(t *testing.T) {
	// Build a database whose memories table lacks the content column.
	path := filepath.Join(t.TempDir(), "broken.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE memories (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store := &Store{}
	store.writeDB, err = openPool(path, false, 1)
	require.NoError(t, err)
	store.readDB, err = openPool(path, true, 1)
	require.NoError(t, err)
	store.path = path
	defer store.Close()

	report, err := store.RunStartupChecks(context.Background(), zap.NewNop())
	require.Error(t, err)
	assert.False(t, report.Ok)
}

func TestCheckReportWarningsListsNonFatalFailures(t *testing.T) {
	report := CheckReport{
		Results: []CheckResult{
			{Name: "connectivity", Passed: true, Fatal: true},
			{Name: "integrity", Passed: false, Fatal: false},
			{Name: "schema", Passed: false, Fatal: true},
		},
	}
	assert.Equal(t, []string{"integrity"}, report.Warnings())
}
