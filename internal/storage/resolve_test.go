package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

func TestResolvePathOverrideIsVerbatim(t *testing.T) {
	res, err := ResolvePath(context.Background(), "/explicit/path.db", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "/explicit/path.db", res.Path)
	assert.False(t, res.Fresh)
	assert.Empty(t, res.Candidates)
}

func TestPickBestPrefersRecordCountThenSize(t *testing.T) {
	candidates := []types.DiscoveryRecord{
		{Path: "a.db", RecordCount: 5, SizeBytes: 100},
		{Path: "b.db", RecordCount: 10, SizeBytes: 50},
		{Path: "c.db", RecordCount: 10, SizeBytes: 80},
	}
	best := pickBest(candidates)
	assert.Equal(t, "c.db", best.Path)

	single := []types.DiscoveryRecord{{Path: "only.db"}}
	assert.Equal(t, "only.db", pickBest(single).Path)
}

func TestIsNonEmptyFile(t *testing.T) {
	assert.False(t, isNonEmptyFile("/definitely/not/here.db"))
	assert.False(t, isNonEmptyFile(t.TempDir()), "directories are not candidates")
}

func TestUniqueAbsDirsDropsDuplicates(t *testing.T) {
	dirs := uniqueAbsDirs([]string{"/tmp/a", "/tmp/a/../a", "/tmp/b", "/tmp/b"})
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, dirs)
}
