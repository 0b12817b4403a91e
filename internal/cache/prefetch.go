package cache

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Wawtawsha/durandal-mcp/internal/storage"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

const (
	// prefetchSourceResults is how many leading search results contribute
	// relationship edges to a prefetch pass.
	prefetchSourceResults = 5

	// prefetchMaxLoads bounds the ids loaded per pass and the number of
	// outstanding prefetch tasks.
	prefetchMaxLoads = 10
)

// Prefetcher loads related memories into the cache in the background after a
// search. It is strictly best-effort: failures are silent, the response path
// never waits on it, and outstanding work is bounded by a semaphore plus a
// rate limiter.
type Prefetcher struct {
	store storage.MemoryStore
	cache *Cache
	sem   *semaphore.Weighted
	rl    *rate.Limiter
	log   *zap.Logger
}

// NewPrefetcher wires a prefetcher against the given store and cache.
func NewPrefetcher(store storage.MemoryStore, c *Cache, log *zap.Logger) *Prefetcher {
	return &Prefetcher{
		store: store,
		cache: c,
		sem:   semaphore.NewWeighted(prefetchMaxLoads),
		rl:    rate.NewLimiter(rate.Limit(20), prefetchMaxLoads),
		log:   log,
	}
}

// Schedule enumerates relationship targets from the first results, picks up
// to prefetchMaxLoads ids that are not yet cached, and loads each in its own
// goroutine. Prefetch follows edges exactly one hop.
func (p *Prefetcher) Schedule(ctx context.Context, results []types.Memory) {
	sources := results
	if len(sources) > prefetchSourceResults {
		sources = sources[:prefetchSourceResults]
	}

	seen := make(map[string]bool)
	var targets []string
	for _, mem := range sources {
		for _, rel := range mem.Metadata.Relationships {
			if rel.Target == "" || seen[rel.Target] || p.cache.Contains(rel.Target) {
				continue
			}
			seen[rel.Target] = true
			targets = append(targets, rel.Target)
			if len(targets) >= prefetchMaxLoads {
				break
			}
		}
		if len(targets) >= prefetchMaxLoads {
			break
		}
	}

	for _, id := range targets {
		if !p.sem.TryAcquire(1) {
			return // Outstanding-task cap reached; drop the rest.
		}
		go func(id string) {
			defer p.sem.Release(1)
			if err := p.rl.Wait(ctx); err != nil {
				return
			}
			mem, err := p.store.GetMemoryByID(ctx, id)
			if err != nil {
				p.log.Debug("prefetch skipped", zap.String("id", id), zap.Error(err))
				return
			}
			p.cache.Put(*mem)
		}(id)
	}
}
