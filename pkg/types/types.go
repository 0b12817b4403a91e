// Package types defines the core data structures for the Durandal memory
// system: memories, their structured metadata, cache entries, and the records
// produced by database discovery and migration.
package types

// Content length bounds enforced on every store_memory call.
const (
	MinContentLength = 1
	MaxContentLength = 50000
)

// Knowledge-graph node types inferred by the enricher from categories/type.
const (
	NodeTypeCodePattern      = "code_pattern"
	NodeTypeDocumentation    = "documentation"
	NodeTypeConversation     = "conversation"
	NodeTypeGeneralKnowledge = "general_knowledge"
)

// Cache categories recognized by the tier-2 cache TTL formula.
const (
	CacheTypeSolution            = "solution"
	CacheTypeConfiguration       = "configuration"
	CacheTypeKnowledge           = "knowledge"
	CacheTypeConversationSummary = "conversation_summary"
	CacheTypeTemporary           = "temporary"
)

// Access pattern actions tracked per memory id.
const (
	AccessStore  = "store"
	AccessSearch = "search"
)

// SchemaStatus classifies a discovered database file.
type SchemaStatus string

const (
	// SchemaModern indicates the file has a memories table.
	SchemaModern SchemaStatus = "modern"

	// SchemaLegacy indicates the file has only the legacy
	// projects/conversation tables.
	SchemaLegacy SchemaStatus = "legacy"

	// SchemaInvalid indicates the file is not a readable Durandal database.
	SchemaInvalid SchemaStatus = "invalid"
)

// DiscoveryRecord describes one candidate database file found on the host.
// Discovery never modifies the file it describes.
type DiscoveryRecord struct {
	Path        string       `json:"path" yaml:"path"`
	SizeBytes   int64        `json:"size_bytes" yaml:"size_bytes"`
	ModTime     string       `json:"mtime" yaml:"mtime"`
	Status      SchemaStatus `json:"schema_status" yaml:"schema_status"`
	RecordCount int64        `json:"record_count" yaml:"record_count"`
}

// MigrationStats summarizes one migrator run across all sources.
type MigrationStats struct {
	Total      int `json:"total"`      // Source rows examined
	Migrated   int `json:"migrated"`   // Rows copied into the target
	Duplicates int `json:"duplicates"` // Rows skipped because identical content already existed
	Errors     int `json:"errors"`     // Rows skipped because of per-row failures
}
