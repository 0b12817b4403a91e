package ramr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

func openTestRAMR(t *testing.T) *RAMR {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "ramr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTTLFormula(t *testing.T) {
	cases := []struct {
		priority  float64
		cacheType string
		want      time.Duration
	}{
		{5.0, "", time.Hour},
		{10.0, "", 2 * time.Hour},
		{0.0, "", 30 * time.Minute},  // floor at 0.5× base
		{1.0, "", 30 * time.Minute},  // 0.2 clamps up to 0.5
		{5.0, types.CacheTypeSolution, 2 * time.Hour},
		{5.0, types.CacheTypeConfiguration, 90 * time.Minute},
		{5.0, types.CacheTypeKnowledge, 150 * time.Minute},
		{5.0, types.CacheTypeTemporary, 15 * time.Minute},
		{5.0, types.CacheTypeConversationSummary, time.Hour},
		{5.0, "unrecognized", time.Hour},
		{10.0, types.CacheTypeKnowledge, 5 * time.Hour},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TTLFor(tc.priority, tc.cacheType),
			"priority %.1f type %q", tc.priority, tc.cacheType)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k1", []byte("payload"), SetOptions{
		Priority:  8,
		CacheType: types.CacheTypeSolution,
		Tags:      []string{"code", "fix"},
		Metadata:  map[string]any{"source": "test"},
	}))

	entry, err := r.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "payload", string(entry.Data))
	assert.Equal(t, 8.0, entry.PriorityScore)
	assert.Equal(t, []string{"code", "fix"}, entry.Tags)
	assert.Equal(t, "test", entry.Metadata["source"])
	assert.NotEmpty(t, entry.ContentHash)
	assert.Equal(t, int64(1), entry.AccessCount)
	require.NotNil(t, entry.LastAccessed)
}

func TestGetMissIsNotAnError(t *testing.T) {
	r := openTestRAMR(t)
	entry, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSetClampsPriority(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "hi", nil, SetOptions{Priority: 99}))
	require.NoError(t, r.Set(ctx, "lo", nil, SetOptions{Priority: -3}))

	entry, err := r.Get(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, 10.0, entry.PriorityScore)

	entry, err = r.Get(ctx, "lo")
	require.NoError(t, err)
	assert.Equal(t, 0.0, entry.PriorityScore)
}

func TestSetReplacesExisting(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v1"), SetOptions{Priority: 3}))
	require.NoError(t, r.Set(ctx, "k", []byte("v2"), SetOptions{Priority: 6}))

	entry, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(entry.Data))
	assert.Equal(t, 6.0, entry.PriorityScore)

	n, err := r.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// expire forces an entry's expiry into the past.
func expire(t *testing.T, r *RAMR, key string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute).Format(timeLayout)
	_, err := r.db.Exec("UPDATE ramr_cache SET expires_at = ? WHERE key = ?", past, key)
	require.NoError(t, err)
}

func TestGetLazilyExpires(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "stale", []byte("old"), SetOptions{Priority: 5}))
	expire(t, r, "stale")

	entry, err := r.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, entry)

	var count int64
	require.NoError(t, r.db.QueryRow("SELECT COUNT(*) FROM ramr_cache WHERE key = 'stale'").Scan(&count))
	assert.Equal(t, int64(0), count, "expired row deleted on read")
}

func TestExpireEntries(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "live", nil, SetOptions{Priority: 5}))
	require.NoError(t, r.Set(ctx, "dead1", nil, SetOptions{Priority: 5}))
	require.NoError(t, r.Set(ctx, "dead2", nil, SetOptions{Priority: 5}))
	expire(t, r, "dead1")
	expire(t, r, "dead2")

	n, err := r.ExpireEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	size, err := r.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestGetRelevantContext(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "mem_1", []byte("docker compose fix"), SetOptions{Priority: 9}))
	require.NoError(t, r.Set(ctx, "mem_2", []byte("unrelated"), SetOptions{Priority: 5, Tags: []string{"docker"}}))
	require.NoError(t, r.Set(ctx, "mem_3", []byte("nothing here"), SetOptions{Priority: 8}))

	entries, err := r.GetRelevantContext(ctx, "docker", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "mem_1", entries[0].Key, "highest priority first")
	assert.Equal(t, "mem_2", entries[1].Key)

	entries, err = r.GetRelevantContext(ctx, "docker", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStats(t *testing.T) {
	r := openTestRAMR(t)
	ctx := context.Background()

	value, err := r.GetStat(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, r.SetStat(ctx, "last_maintenance", "12345"))
	require.NoError(t, r.SetStat(ctx, "last_maintenance", "67890"))

	value, err = r.GetStat(ctx, "last_maintenance")
	require.NoError(t, err)
	assert.Equal(t, "67890", value)
}
