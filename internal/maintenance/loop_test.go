package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/cache"
	"github.com/Wawtawsha/durandal-mcp/internal/ramr"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

func putN(c *cache.Cache, n int, importance float64) {
	for i := 0; i < n; i++ {
		c.Put(types.Memory{
			ID:       string(rune('a' + i)),
			Content:  "content",
			Metadata: types.Metadata{Importance: types.Float64Ptr(importance)},
		})
	}
}

func TestForcePassExpiresAndRecordsTime(t *testing.T) {
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Nanosecond, ImportanceThreshold: 0.5})
	putN(c, 3, 0.1)
	time.Sleep(time.Millisecond)

	loop := &Loop{Cache: c, Tick: time.Hour, Interval: time.Hour, Log: zap.NewNop()}
	require.True(t, loop.LastPass().IsZero())

	loop.ForcePass(context.Background())

	assert.Equal(t, 0, c.Size(), "expired low-importance entries evicted")
	assert.False(t, loop.LastPass().IsZero())
}

func TestPassRelievesPressure(t *testing.T) {
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour, ImportanceThreshold: 0.99})
	putN(c, 10, 0.5) // 100% utilization, nothing TTL-expired

	loop := &Loop{Cache: c, Tick: time.Hour, Interval: time.Hour, Log: zap.NewNop()}
	loop.ForcePass(context.Background())

	assert.Equal(t, 9, c.Size(), "10% of entries evicted under pressure")
}

func TestPassBelowPressureLeavesCacheAlone(t *testing.T) {
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour, ImportanceThreshold: 0.5})
	putN(c, 5, 0.5)

	loop := &Loop{Cache: c, Tick: time.Hour, Interval: time.Hour, Log: zap.NewNop()}
	loop.ForcePass(context.Background())

	assert.Equal(t, 5, c.Size())
}

func TestPassExpiresTier2AndPersistsStat(t *testing.T) {
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour})
	r, err := ramr.Open(filepath.Join(t.TempDir(), "ramr.db"))
	require.NoError(t, err)
	defer r.Close()

	loop := &Loop{Cache: c, RAMR: r, Tick: time.Hour, Interval: time.Hour, Log: zap.NewNop()}
	loop.ForcePass(context.Background())

	stamp, err := r.GetStat(context.Background(), "last_maintenance")
	require.NoError(t, err)
	assert.NotEmpty(t, stamp)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour})
	loop := &Loop{Cache: c, Tick: 10 * time.Millisecond, Interval: time.Hour, Log: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
