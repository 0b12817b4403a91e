// Package cache implements the bounded in-process memory cache that fronts
// the durable store, plus the per-memory access-pattern log and the
// best-effort related-memory prefetcher.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Wawtawsha/durandal-mcp/internal/storage"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// Entry is one cached memory with its scoring state.
type Entry struct {
	ID         string
	Content    string
	Metadata   types.Metadata
	InsertedAt time.Time
	LastAccess time.Time
	Score      float64
}

// Options configures a Cache.
type Options struct {
	MaxSize             int           // Capacity bound; evictions keep Size() <= MaxSize
	TTL                 time.Duration // Logical entry TTL enforced by Optimize
	ImportanceThreshold float64       // Entries scoring at or above are eviction-protected
}

// Cache is a bounded map from memory id to Entry with deterministic
// LRU+priority eviction. All methods are safe for concurrent use; the
// invariant Size() <= MaxSize holds after every public operation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	opts    Options

	hits   uint64
	misses uint64

	patterns *AccessPatterns
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Cache{
		entries:  make(map[string]*Entry, opts.MaxSize),
		opts:     opts,
		patterns: NewAccessPatterns(),
	}
}

// Patterns exposes the shared access-pattern log.
func (c *Cache) Patterns() *AccessPatterns {
	return c.patterns
}

// Put inserts or replaces the entry for mem, evicting one entry first when
// the insert would exceed capacity.
func (c *Cache) Put(mem types.Memory) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[mem.ID]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictOneLocked()
	}
	entry := &Entry{
		ID:         mem.ID,
		Content:    mem.Content,
		Metadata:   mem.Metadata,
		InsertedAt: now,
		LastAccess: now,
	}
	entry.Score = c.scoreLocked(entry)
	c.entries[mem.ID] = entry
}

// Get returns a copy of the entry for id, updating the hit/miss counters and
// the entry's recency and score.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	c.hits++
	entry.LastAccess = time.Now()
	entry.Score = c.scoreLocked(entry)
	return *entry, true
}

// Contains reports presence without touching counters or recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Search returns cached entries whose content contains query
// case-insensitively and that satisfy the filters, ordered by metadata
// created_at descending then id descending, the same order the store uses,
// so merged result lists stay deterministic.
func (c *Cache) Search(query string, filters storage.SearchFilters, limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	needle := strings.ToLower(query)

	c.mu.Lock()
	var matched []Entry
	for _, entry := range c.entries {
		if !strings.Contains(strings.ToLower(entry.Content), needle) {
			continue
		}
		if !matchesFilters(entry.Metadata, filters) {
			continue
		}
		matched = append(matched, *entry)
	}
	c.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := metadataCreatedAt(matched[i]), metadataCreatedAt(matched[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Snapshot returns a copy of every entry, for maintenance passes and stats.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	return out
}

// MarkArchiveCandidate flags the entry's selective-attention record.
// Returns false when the id is not cached.
func (c *Cache) MarkArchiveCandidate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return false
	}
	if entry.Metadata.SelectiveAttention == nil {
		entry.Metadata.SelectiveAttention = &types.SelectiveAttention{}
	}
	entry.Metadata.SelectiveAttention.ArchiveCandidate = true
	return true
}

// SetAttentionScore updates the selective-attention score on a cached entry.
// Returns false when the id is not cached.
func (c *Cache) SetAttentionScore(id string, score float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return false
	}
	if entry.Metadata.SelectiveAttention == nil {
		entry.Metadata.SelectiveAttention = &types.SelectiveAttention{}
	}
	entry.Metadata.SelectiveAttention.AttentionScore = score
	return true
}

// Remove deletes the entry for id, if present.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxSize returns the configured capacity bound.
func (c *Cache) MaxSize() int {
	return c.opts.MaxSize
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Counters returns the raw hit and miss counts.
func (c *Cache) Counters() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Optimize deletes entries whose age exceeds the TTL and whose importance is
// below the protection threshold. It returns the number evicted and never
// grows the cache.
func (c *Cache) Optimize() int {
	cutoff := time.Now().Add(-c.opts.TTL)
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, entry := range c.entries {
		if entry.InsertedAt.After(cutoff) {
			continue
		}
		if entry.Metadata.EffectiveImportance() >= c.opts.ImportanceThreshold {
			continue
		}
		delete(c.entries, id)
		evicted++
	}
	return evicted
}

// EvictLowestFraction removes the lowest-scoring fraction of entries (at
// least one when the cache is non-empty and fraction > 0). Used by the
// maintenance loop when utilization is high.
func (c *Cache) EvictLowestFraction(fraction float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int(float64(len(c.entries)) * fraction)
	if n <= 0 {
		if fraction <= 0 || len(c.entries) == 0 {
			return 0
		}
		n = 1
	}
	victims := c.rankedForEvictionLocked()
	if len(victims) > n {
		victims = victims[:n]
	}
	for _, id := range victims {
		delete(c.entries, id)
	}
	return len(victims)
}

// RecordAccess appends an access event for id and, when the id is cached,
// refreshes its access-pattern metadata and score.
func (c *Cache) RecordAccess(id, action string) {
	pattern := c.patterns.Record(id, action)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return
	}
	if entry.Metadata.RAMR == nil {
		entry.Metadata.RAMR = &types.RAMRMeta{}
	}
	entry.Metadata.RAMR.AccessPattern = &pattern
	entry.Score = c.scoreLocked(entry)
}

// scoreLocked computes 0.6·importance + 0.3·min(frequency/10, 1) +
// 0.1·trending. The trending bit is a reserved slot: nothing sets it yet, so
// its term is always zero.
func (c *Cache) scoreLocked(entry *Entry) float64 {
	frequency := 0
	if entry.Metadata.RAMR != nil && entry.Metadata.RAMR.AccessPattern != nil {
		frequency = entry.Metadata.RAMR.AccessPattern.Frequency
	} else if p, ok := c.patterns.Get(entry.ID); ok {
		frequency = p.Frequency
	}
	freqTerm := float64(frequency) / 10
	if freqTerm > 1 {
		freqTerm = 1
	}
	const trending = 0.0
	return 0.6*entry.Metadata.EffectiveImportance() + 0.3*freqTerm + 0.1*trending
}

// evictOneLocked removes the weakest entry: lowest score, then least
// recently accessed, with id as the final tiebreak so the choice is
// deterministic. Entries at or above the importance threshold are protected
// and only evicted when no unprotected candidate exists.
func (c *Cache) evictOneLocked() {
	ranked := c.rankedForEvictionLocked()
	if len(ranked) > 0 {
		delete(c.entries, ranked[0])
	}
}

// rankedForEvictionLocked orders ids weakest-first under the eviction
// policy, listing unprotected entries before protected ones.
func (c *Cache) rankedForEvictionLocked() []string {
	type candidate struct {
		id        string
		score     float64
		last      time.Time
		protected bool
	}
	candidates := make([]candidate, 0, len(c.entries))
	for id, entry := range c.entries {
		candidates = append(candidates, candidate{
			id:        id,
			score:     entry.Score,
			last:      entry.LastAccess,
			protected: entry.Score >= c.opts.ImportanceThreshold,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].protected != candidates[j].protected {
			return !candidates[i].protected
		}
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		if !candidates[i].last.Equal(candidates[j].last) {
			return candidates[i].last.Before(candidates[j].last)
		}
		return candidates[i].id < candidates[j].id
	})

	out := make([]string, len(candidates))
	for i, cand := range candidates {
		out[i] = cand.id
	}
	return out
}

// matchesFilters applies the store's filter semantics to cached metadata.
func matchesFilters(meta types.Metadata, filters storage.SearchFilters) bool {
	if filters.Project != "" && meta.Project != filters.Project {
		return false
	}
	if filters.Session != "" && meta.Session != filters.Session {
		return false
	}
	if len(filters.Categories) > 0 {
		found := false
	outer:
		for _, want := range filters.Categories {
			for _, have := range meta.Categories {
				if have == want {
					found = true
					break outer
				}
			}
		}
		if !found {
			return false
		}
	}
	importance := meta.EffectiveImportance()
	if filters.ImportanceMin != nil && importance < *filters.ImportanceMin {
		return false
	}
	if filters.ImportanceMax != nil && importance > *filters.ImportanceMax {
		return false
	}
	if filters.DateFrom != nil || filters.DateTo != nil {
		created := time.Time{}
		if meta.CreatedAt != nil {
			created = *meta.CreatedAt
		}
		if filters.DateFrom != nil && created.Before(*filters.DateFrom) {
			return false
		}
		if filters.DateTo != nil && created.After(*filters.DateTo) {
			return false
		}
	}
	return true
}

func metadataCreatedAt(entry Entry) time.Time {
	if entry.Metadata.CreatedAt != nil {
		return *entry.Metadata.CreatedAt
	}
	return entry.InsertedAt
}
