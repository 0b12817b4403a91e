// Package maintenance runs the background loop that expires cache entries,
// relieves capacity pressure, and records when the last pass happened.
package maintenance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/cache"
	"github.com/Wawtawsha/durandal-mcp/internal/ramr"
)

const (
	// highUtilization is the cache fill fraction above which the pass also
	// evicts the weakest entries.
	highUtilization = 0.8

	// evictFraction is the share of entries removed under pressure.
	evictFraction = 0.1

	// lastMaintenanceStat is the ramr_stats key recording the last pass.
	lastMaintenanceStat = "last_maintenance"
)

// Loop is the single background maintenance task. One Loop must never run
// two passes concurrently; Run guarantees that by executing passes inline on
// its own goroutine.
type Loop struct {
	Cache    *cache.Cache
	RAMR     *ramr.RAMR // nil when tier-2 is disabled
	Tick     time.Duration
	Interval time.Duration
	Log      *zap.Logger

	mu       sync.Mutex
	lastPass time.Time
}

// Run wakes every Tick and performs a pass when Interval has elapsed since
// the previous one. It returns when ctx is cancelled. Errors inside a pass
// are logged and never terminate the loop.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			due := time.Since(l.lastPass) >= l.Interval
			l.mu.Unlock()
			if due {
				l.pass(ctx)
			}
		}
	}
}

// ForcePass runs one maintenance pass immediately. Used by tests and by the
// optimize_memory tool path.
func (l *Loop) ForcePass(ctx context.Context) {
	l.pass(ctx)
}

// LastPass reports when the previous pass completed.
func (l *Loop) LastPass() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPass
}

func (l *Loop) pass(ctx context.Context) {
	started := time.Now()

	expired := l.Cache.Optimize()

	var tier2Expired int64
	if l.RAMR != nil {
		n, err := l.RAMR.ExpireEntries(ctx)
		if err != nil {
			l.Log.Warn("tier-2 expiry failed", zap.Error(err))
		} else {
			tier2Expired = n
		}
	}

	pressured := 0
	if max := l.Cache.MaxSize(); max > 0 &&
		float64(l.Cache.Size()) > highUtilization*float64(max) {
		pressured = l.Cache.EvictLowestFraction(evictFraction)
	}

	if l.RAMR != nil {
		stamp := strconv.FormatInt(started.Unix(), 10)
		if err := l.RAMR.SetStat(ctx, lastMaintenanceStat, stamp); err != nil {
			l.Log.Warn("could not persist last_maintenance", zap.Error(err))
		}
	}

	l.mu.Lock()
	l.lastPass = started
	l.mu.Unlock()

	l.Log.Info("maintenance pass complete",
		zap.Int("cache_expired", expired),
		zap.Int64("tier2_expired", tier2Expired),
		zap.Int("pressure_evicted", pressured),
		zap.Duration("took", time.Since(started)))
}
