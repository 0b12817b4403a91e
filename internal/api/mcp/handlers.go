package mcp

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
	"github.com/Wawtawsha/durandal-mcp/internal/config"
	"github.com/Wawtawsha/durandal-mcp/internal/enrich"
	"github.com/Wawtawsha/durandal-mcp/internal/logging"
	"github.com/Wawtawsha/durandal-mcp/internal/ramr"
	"github.com/Wawtawsha/durandal-mcp/internal/storage"
	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

const (
	defaultSearchLimit  = 10
	defaultContextLimit = 10
	defaultLogLines     = 50
	maxLogLines         = 500
	previewLength       = 200
	storeWriteTimeout   = 10 * time.Second
)

// handleStoreMemory validates and enriches the memory, makes it visible in
// the tier-1 cache synchronously, and persists it in the background: the
// caller's latency excludes the database write.
func (s *Server) handleStoreMemory(ctx context.Context, args StoreMemoryArgs, trace *zap.Logger) (string, error) {
	if len(args.Content) < types.MinContentLength {
		return "", apperr.Validation("content", "must not be empty", nil)
	}
	// The bound is in characters, not bytes; multibyte content counts by rune.
	if n := utf8.RuneCountInString(args.Content); n > types.MaxContentLength {
		return "", apperr.Validation("content",
			fmt.Sprintf("must be at most %d characters", types.MaxContentLength), n)
	}
	if args.Metadata.Importance != nil {
		imp := *args.Metadata.Importance
		if imp < 0 || imp > 1 {
			return "", apperr.Validation("importance", "must be between 0 and 1", imp)
		}
	}

	now := time.Now()
	meta := enrich.Enrich(args.Metadata, now)
	id := newMemoryID(now)

	mem := types.Memory{ID: id, Content: args.Content, Metadata: meta, CreatedAt: now}
	s.cache.Put(mem)
	s.cache.RecordAccess(id, types.AccessStore)

	s.persistAsync(mem, trace)

	if s.ramr != nil {
		err := s.ramr.Set(ctx, id, []byte(args.Content), ramr.SetOptions{
			Priority:  meta.RAMR.CachePriority * 10,
			CacheType: meta.Type,
			Tags:      meta.Categories,
		})
		if err != nil {
			trace.Warn("tier-2 write failed", zap.Error(err))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Memory stored\n")
	fmt.Fprintf(&b, "ID: %s\n", id)
	fmt.Fprintf(&b, "Project: %s\n", meta.Project)
	fmt.Fprintf(&b, "Session: %s\n", meta.Session)
	fmt.Fprintf(&b, "Importance: %g\n", meta.EffectiveImportance())
	if len(meta.Categories) > 0 {
		fmt.Fprintf(&b, "Categories: %s\n", strings.Join(meta.Categories, ", "))
	}
	fmt.Fprintf(&b, "Cache priority: %.2f", meta.RAMR.CachePriority)
	return b.String(), nil
}

// persistAsync writes mem to the store on its own goroutine, routed through
// the circuit breaker. Failures increment the status counter; the memory
// stays serveable from the cache either way.
func (s *Server) persistAsync(mem types.Memory, trace *zap.Logger) {
	// The cache holds the original metadata; the writer goroutine mutates and
	// marshals its own copy so neither side observes the other.
	mem.Metadata = mem.Metadata.Clone()
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()

		_, err := s.writeBreaker.Execute(func() (any, error) {
			return nil, s.store.StoreMemory(ctx, mem.ID, mem.Content, mem.Metadata)
		})
		if err != nil {
			s.storeWriteFailures.Add(1)
			trace.Error("background store write failed",
				zap.String("id", mem.ID), zap.Error(err))
		}
	}()
}

// newMemoryID generates a public memory ID: mem_<unixms>_<suffix>. The
// timestamp makes IDs roughly sortable; the uuid suffix makes collisions
// within one millisecond irrelevant.
func newMemoryID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("mem_%d_%s", now.UnixMilli(), suffix)
}

// handleSearchMemories merges cache and store results: cache hits first in
// their order, then store rows whose IDs are not already present. A store
// read failure degrades to cache-only results instead of failing the call.
func (s *Server) handleSearchMemories(ctx context.Context, args SearchMemoriesArgs, trace *zap.Logger) (string, error) {
	if strings.TrimSpace(args.Query) == "" {
		return "", apperr.Validation("query", "must not be empty", nil)
	}
	limit := defaultSearchLimit
	if args.Limit != nil {
		limit = *args.Limit
	}
	if limit < 0 {
		return "", apperr.Validation("limit", "must not be negative", limit)
	}
	const maxLimit = 100
	if limit > maxLimit {
		limit = maxLimit
	}

	filters, err := filtersFromArg(args.Filters)
	if err != nil {
		return "", err
	}

	if limit == 0 {
		return fmt.Sprintf("Found 0 memories for %q", args.Query), nil
	}

	results := make([]types.Memory, 0, limit)
	seen := make(map[string]bool)
	for _, entry := range s.cache.Search(args.Query, filters, limit) {
		seen[entry.ID] = true
		results = append(results, types.Memory{
			ID:        entry.ID,
			Content:   entry.Content,
			Metadata:  entry.Metadata,
			CreatedAt: metadataTime(entry.Metadata, entry.InsertedAt),
		})
	}

	degraded := false
	stored, err := s.store.SearchMemories(ctx, args.Query, filters, limit)
	if err != nil {
		degraded = true
		trace.Warn("store search failed, serving cache-only results", zap.Error(err))
	}
	// Merge order is normative: cache results first in their order, then
	// store rows not already present in theirs, truncated to limit.
	for _, mem := range stored {
		if seen[mem.ID] {
			continue
		}
		seen[mem.ID] = true
		results = append(results, mem)
		// Store hits above the promotion threshold re-enter the cache.
		if mem.Metadata.EffectiveImportance() > s.cfg.Cache.PromotionThreshold && !s.cache.Contains(mem.ID) {
			s.cache.Put(mem)
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}

	for _, mem := range results {
		s.cache.RecordAccess(mem.ID, types.AccessSearch)
	}

	s.promoteFromTier2(ctx, args.Query, limit, trace)
	if s.cfg.RAMR.Prefetch && s.prefetch != nil {
		s.prefetch.Schedule(ctx, results)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories for %q", len(results), args.Query)
	if degraded {
		b.WriteString(" (database unavailable, cached results only)")
	}
	for i, mem := range results {
		fmt.Fprintf(&b, "\n%d. [%s] %s/%s importance=%g\n   %s",
			i+1, mem.ID, mem.Metadata.Project, mem.Metadata.Session,
			mem.Metadata.EffectiveImportance(), preview(mem.Content))
	}
	return b.String(), nil
}

// promoteFromTier2 pulls high-priority tier-2 entries matching the query into
// the tier-1 cache. Promotion is best-effort and keyed on memory ID.
func (s *Server) promoteFromTier2(ctx context.Context, query string, limit int, trace *zap.Logger) {
	if s.ramr == nil {
		return
	}
	entries, err := s.ramr.GetRelevantContext(ctx, query, limit)
	if err != nil {
		trace.Debug("tier-2 lookup failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		// Promotion requires a score strictly above the threshold.
		if entry.PriorityScore <= ramr.PromotionThreshold || s.cache.Contains(entry.Key) {
			continue
		}
		mem, err := s.store.GetMemoryByID(ctx, entry.Key)
		if err != nil {
			continue
		}
		s.cache.Put(*mem)
		trace.Debug("promoted from tier-2", zap.String("id", entry.Key),
			zap.Float64("priority", entry.PriorityScore))
	}
}

// handleGetContext returns the most recent memories for a project/session
// scope plus, on request, store and cache statistics.
func (s *Server) handleGetContext(ctx context.Context, args GetContextArgs, trace *zap.Logger) (string, error) {
	limit := defaultContextLimit
	if args.Limit != nil {
		limit = *args.Limit
	}
	if limit < 0 {
		return "", apperr.Validation("limit", "must not be negative", limit)
	}
	const maxLimit = 50
	if limit > maxLimit {
		limit = maxLimit
	}

	var recent []types.Memory
	if limit > 0 {
		var err error
		recent, err = s.store.GetRecentMemories(ctx, args.Project, args.Session, limit)
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	scope := args.Project
	if scope == "" {
		scope = "all projects"
	}
	if args.Session != "" {
		scope += "/" + args.Session
	}
	fmt.Fprintf(&b, "Context for %s: %d recent memories", scope, len(recent))
	for i, mem := range recent {
		fmt.Fprintf(&b, "\n%d. [%s] %s\n   %s",
			i+1, mem.ID, mem.CreatedAt.Format("2006-01-02 15:04"), preview(mem.Content))
	}

	if limit > 0 {
		cached := s.cache.Search("", storage.SearchFilters{
			Project: args.Project,
			Session: args.Session,
		}, limit)
		fmt.Fprintf(&b, "\nCached in scope: %d entries", len(cached))
	}

	if args.IncludeStats {
		count, err := s.store.CountMemories(ctx)
		if err != nil {
			trace.Warn("count failed", zap.Error(err))
		}
		hits, misses := s.cache.Counters()
		fmt.Fprintf(&b, "\n\nStats:\n")
		fmt.Fprintf(&b, "Total memories: %d\n", count)
		fmt.Fprintf(&b, "Cache: %d/%d entries, hit rate %.1f%% (%d hits, %d misses)",
			s.cache.Size(), s.cache.MaxSize(), s.cache.HitRate()*100, hits, misses)
		if s.ramr != nil {
			if n, err := s.ramr.Size(ctx); err == nil {
				fmt.Fprintf(&b, "\nTier-2 cache: %d live entries", n)
			}
		}
	}
	return b.String(), nil
}

// Maintenance operation names accepted by optimize_memory, in execution
// order.
var optimizeOperations = []string{
	"cache_optimization", "retention_review", "pattern_analysis", "relationship_update",
}

// handleOptimizeMemory runs the requested maintenance operations inline and
// reports a one-line summary per operation. No argument runs all of them.
func (s *Server) handleOptimizeMemory(ctx context.Context, args OptimizeMemoryArgs, trace *zap.Logger) (string, error) {
	ops := args.Operations
	if len(ops) == 0 {
		ops = optimizeOperations
	}
	requested := make(map[string]bool, len(ops))
	for _, op := range ops {
		valid := false
		for _, known := range optimizeOperations {
			if op == known {
				valid = true
				break
			}
		}
		if !valid {
			return "", apperr.Validation("operations",
				fmt.Sprintf("unknown operation, must be one of %v", optimizeOperations), op)
		}
		requested[op] = true
	}

	var lines []string
	// Fixed order regardless of the order requested.
	if requested["cache_optimization"] {
		evicted := s.cache.Optimize()
		line := fmt.Sprintf("cache_optimization: evicted %d expired entries", evicted)
		if s.ramr != nil {
			if n, err := s.ramr.ExpireEntries(ctx); err == nil {
				line += fmt.Sprintf(", %d tier-2 entries", n)
			} else {
				trace.Warn("tier-2 expiry failed", zap.Error(err))
			}
		}
		lines = append(lines, line)
	}
	if requested["retention_review"] {
		lines = append(lines, s.retentionReview())
	}
	if requested["pattern_analysis"] {
		lines = append(lines, s.patternAnalysis())
	}
	if requested["relationship_update"] {
		lines = append(lines, s.relationshipUpdate())
	}
	return "Memory optimization complete\n" + strings.Join(lines, "\n"), nil
}

// retentionReview flags cached entries past the archive age whose attention
// score fell below the configured threshold. Flagging is metadata-only;
// nothing is deleted.
func (s *Server) retentionReview() string {
	if !s.cfg.Attention.Enabled {
		return "retention_review: disabled"
	}
	threshold := s.cfg.Attention.RetentionThreshold
	minAge := time.Duration(s.cfg.Attention.ArchiveAfterDays) * 24 * time.Hour
	now := time.Now()
	reviewed, flagged := 0, 0
	for _, entry := range s.cache.Snapshot() {
		sa := entry.Metadata.SelectiveAttention
		if sa == nil {
			continue
		}
		created := entry.InsertedAt
		if entry.Metadata.CreatedAt != nil {
			created = *entry.Metadata.CreatedAt
		}
		if now.Sub(created) < minAge {
			continue
		}
		reviewed++
		if sa.AttentionScore < threshold && !sa.ArchiveCandidate {
			if s.cache.MarkArchiveCandidate(entry.ID) {
				flagged++
			}
		}
	}
	return fmt.Sprintf("retention_review: reviewed %d entries, flagged %d archive candidates", reviewed, flagged)
}

// patternAnalysis reports categories that recur across the cached working
// set, subject to the configured minimum support.
func (s *Server) patternAnalysis() string {
	counts := make(map[string]int)
	for _, entry := range s.cache.Snapshot() {
		for _, c := range entry.Metadata.Categories {
			counts[c]++
		}
	}

	minSupport := s.cfg.Maintenance.PatternMinSupport
	var recurring []string
	for c, n := range counts {
		if n >= minSupport {
			recurring = append(recurring, fmt.Sprintf("%s(%d)", c, n))
		}
	}
	sort.Strings(recurring)
	if len(recurring) == 0 {
		return "pattern_analysis: no recurring categories"
	}
	return "pattern_analysis: recurring categories " + strings.Join(recurring, ", ")
}

// relationshipUpdate folds each cached entry's relationship strengths into
// its attention score: the sum of edge strengths, capped at 1.
func (s *Server) relationshipUpdate() string {
	entries, edges := 0, 0
	for _, entry := range s.cache.Snapshot() {
		rels := entry.Metadata.Relationships
		if len(rels) == 0 {
			continue
		}
		entries++
		edges += len(rels)

		total := 0.0
		for _, rel := range rels {
			total += rel.Strength
		}
		if total > 1 {
			total = 1
		}
		s.cache.SetAttentionScore(entry.ID, total)
	}
	return fmt.Sprintf("relationship_update: updated %d entries across %d relationship edges", entries, edges)
}

// handleGetStatus reports a full health snapshot: process, store, caches,
// logging, and any warnings from the startup checks.
func (s *Server) handleGetStatus(ctx context.Context) (string, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var b strings.Builder
	fmt.Fprintf(&b, "Durandal MCP Server v%s\n", Version)
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Goroutines: %d, heap: %.1f MB\n\n", runtime.NumGoroutine(),
		float64(ms.HeapAlloc)/(1024*1024))

	fmt.Fprintf(&b, "Database: %s (%.1f MB)\n", s.store.Path(),
		float64(s.store.SizeBytes())/(1024*1024))
	if count, err := s.store.CountMemories(ctx); err == nil {
		fmt.Fprintf(&b, "Memories: %d\n", count)
	} else {
		fmt.Fprintf(&b, "Memories: unavailable (%v)\n", err)
	}
	if failures := s.storeWriteFailures.Load(); failures > 0 {
		fmt.Fprintf(&b, "Failed background writes: %d (breaker %s)\n",
			failures, s.writeBreaker.State())
	}

	hits, misses := s.cache.Counters()
	fmt.Fprintf(&b, "\nCache: %d/%d entries, hit rate %.1f%% (%d hits, %d misses)\n",
		s.cache.Size(), s.cache.MaxSize(), s.cache.HitRate()*100, hits, misses)
	if s.ramr != nil {
		if n, err := s.ramr.Size(ctx); err == nil {
			fmt.Fprintf(&b, "Tier-2 cache: %d live entries at %s\n", n, s.ramr.Path())
		}
	} else {
		fmt.Fprintf(&b, "Tier-2 cache: disabled\n")
	}
	if s.loop != nil && !s.loop.LastPass().IsZero() {
		fmt.Fprintf(&b, "Last maintenance pass: %s\n",
			s.loop.LastPass().Format("2006-01-02 15:04:05"))
	}

	console, file := s.log.Levels()
	fmt.Fprintf(&b, "\nLogging: console=%s file=%s", console, file)
	if path := s.log.FilePath(); path != "" {
		fmt.Fprintf(&b, " (%s)", path)
	}

	if warnings := s.report.Warnings(); len(warnings) > 0 {
		fmt.Fprintf(&b, "\n\nStartup warnings:")
		for _, w := range warnings {
			fmt.Fprintf(&b, "\n- %s", w)
		}
	}
	return b.String(), nil
}

// handleConfigureLogging changes the live sink levels and persists them so
// the next start picks them up.
func (s *Server) handleConfigureLogging(_ context.Context, args ConfigureLoggingArgs) (string, error) {
	if err := s.log.SetLevels(args.ConsoleLevel, args.FileLevel); err != nil {
		return "", err
	}

	persisted := make(map[string]string, 2)
	if args.ConsoleLevel != "" {
		persisted["CONSOLE_LOG_LEVEL"] = args.ConsoleLevel
	}
	if args.FileLevel != "" {
		persisted["FILE_LOG_LEVEL"] = args.FileLevel
	}
	console, file := s.log.Levels()
	if err := config.SaveEnvValues(config.EnvFilePath(), persisted); err != nil {
		s.log.Warn("could not persist log levels", zap.Error(err))
		e := apperr.Wrap(apperr.KindFileSystem, "ENV_WRITE_FAILED",
			"Log levels were applied but could not be persisted", err).
			With("path", config.EnvFilePath()).
			With("console_level", console).
			With("file_level", file)
		e.Recovery = "Check permissions on the config directory; the new levels are active until restart."
		return "", e
	}

	return fmt.Sprintf("Logging configured\nConsole level: %s\nFile level: %s\nSettings persisted to %s",
		console, file, config.EnvFilePath()), nil
}

// handleGetLogs tails the JSON-lines log file with optional level and text
// filters.
func (s *Server) handleGetLogs(_ context.Context, args GetLogsArgs) (string, error) {
	lines := defaultLogLines
	if args.Lines != nil {
		lines = *args.Lines
	}
	if lines < 0 {
		return "", apperr.Validation("lines", "must not be negative", lines)
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}

	entries, err := logging.ReadEntries(s.log.FilePath(), lines, args.LevelFilter, args.Search)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No matching log entries", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d log entries", len(entries))
	for _, entry := range entries {
		fmt.Fprintf(&b, "\n%s [%s] %s", entry.Timestamp, strings.ToUpper(entry.Level), entry.Message)
	}
	return b.String(), nil
}

// handleListProjectsSessions aggregates the store by project or by
// project+session.
func (s *Server) handleListProjectsSessions(ctx context.Context, args ListProjectsSessionsArgs) (string, error) {
	kind := args.Type
	if kind == "" {
		kind = "projects"
	}
	if kind != "projects" && kind != "sessions" {
		return "", apperr.Validation("type", `must be "projects" or "sessions"`, kind)
	}

	buckets, err := s.store.ListProjectsSessions(ctx, kind == "sessions", args.IncludeSamples)
	if err != nil {
		return "", err
	}
	if len(buckets) == 0 {
		return "No memories stored yet", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", len(buckets), kind)
	for _, bucket := range buckets {
		label := bucket.Project
		if kind == "sessions" && bucket.Session != "" {
			label += "/" + bucket.Session
		}
		fmt.Fprintf(&b, "\n- %s: %d memories", label, bucket.Count)
		if bucket.Sample != "" {
			fmt.Fprintf(&b, "\n  latest: %s", bucket.Sample)
		}
	}
	return b.String(), nil
}

// filtersFromArg converts wire filters to store filters, parsing the
// timestamp strings. Bad timestamps are validation errors.
func filtersFromArg(arg *SearchFiltersArg) (storage.SearchFilters, error) {
	var filters storage.SearchFilters
	if arg == nil {
		return filters, nil
	}
	filters.Project = arg.Project
	filters.Session = arg.Session
	filters.Categories = arg.Categories
	filters.ImportanceMin = arg.ImportanceMin
	filters.ImportanceMax = arg.ImportanceMax

	if arg.DateFrom != "" {
		t, err := parseRFC3339(arg.DateFrom)
		if err != nil {
			return filters, apperr.Validation("date_from", "must be an RFC-3339 timestamp or YYYY-MM-DD date", arg.DateFrom)
		}
		filters.DateFrom = &t
	}
	if arg.DateTo != "" {
		t, err := parseRFC3339(arg.DateTo)
		if err != nil {
			return filters, apperr.Validation("date_to", "must be an RFC-3339 timestamp or YYYY-MM-DD date", arg.DateTo)
		}
		filters.DateTo = &t
	}
	return filters, nil
}

func metadataTime(meta types.Metadata, fallback time.Time) time.Time {
	if meta.CreatedAt != nil {
		return *meta.CreatedAt
	}
	return fallback
}

func preview(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	if utf8.RuneCountInString(content) > previewLength {
		// Truncate on a rune boundary; a byte slice could split a character.
		return string([]rune(content)[:previewLength]) + "…"
	}
	return content
}
