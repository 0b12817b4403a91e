package types

import (
	"encoding/json"
	"time"
)

// Memory is a single persistent unit of text plus structured metadata.
// The public ID is an opaque string generated at store time; rows that
// predate string IDs are addressed by their integer row id rendered as a
// decimal string.
type Memory struct {
	ID        string    `json:"id"`         // Unique identifier (format: mem_<unixms>_<suffix>)
	Content   string    `json:"content"`    // Raw memory content, 1..50000 characters
	Metadata  Metadata  `json:"metadata"`   // Structured metadata, persisted as opaque JSON
	CreatedAt time.Time `json:"created_at"` // When the memory was first stored
}

// Relationship is one edge from the owning memory to another memory.
// Edges may form cycles; consumers reconstruct the graph on demand.
type Relationship struct {
	Type     string  `json:"type"`               // Edge type (e.g. "references", "supersedes")
	Target   string  `json:"target"`             // Target memory ID
	Strength float64 `json:"strength,omitempty"` // Edge strength (0.0-1.0)
}

// AccessPattern tracks how a memory has been touched. The access_times
// window is bounded at 100 entries, newest last.
type AccessPattern struct {
	Frequency   int         `json:"frequency"`
	LastAccess  *time.Time  `json:"last_access"`
	AccessTimes []time.Time `json:"access_times"`
}

// RAMRMeta carries the cache-priority signals derived at enrichment time
// and maintained on every access.
type RAMRMeta struct {
	CachePriority   float64        `json:"cache_priority"`
	PrefetchRelated bool           `json:"prefetch_related,omitempty"`
	AccessPattern   *AccessPattern `json:"access_pattern,omitempty"`
}

// SelectiveAttention carries the retention-review signals: how strongly the
// memory should be retained and when it comes up for review.
type SelectiveAttention struct {
	RetentionScore   float64    `json:"retention_score"`
	ReviewDate       *time.Time `json:"review_date,omitempty"`
	ArchiveCandidate bool       `json:"archive_candidate,omitempty"`
	AttentionScore   float64    `json:"attention_score"`
}

// KnowledgeGraph holds the node classification inferred by the enricher.
type KnowledgeGraph struct {
	NodeType string `json:"node_type,omitempty"`
	Cluster  string `json:"cluster,omitempty"`
}

// Metadata is the structured record attached to every memory. All fields are
// optional on input; the enricher fills defaults without overwriting anything
// the caller supplied. Unknown keys supplied by callers are preserved through
// a persist/load round trip via Extra.
type Metadata struct {
	Project       string         `json:"project,omitempty"`
	Session       string         `json:"session,omitempty"`
	Type          string         `json:"type,omitempty"`
	Importance    *float64       `json:"importance,omitempty"` // Pointer distinguishes absent from 0
	Categories    []string       `json:"categories,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	RAMR               *RAMRMeta           `json:"ramr,omitempty"`
	SelectiveAttention *SelectiveAttention `json:"selective_attention,omitempty"`
	KnowledgeGraph     *KnowledgeGraph     `json:"knowledge_graph,omitempty"`

	// Extra holds caller-supplied keys that have no typed field. They are
	// round-tripped verbatim; typed fields win on key collisions.
	Extra map[string]any `json:"-"`
}

// metadataAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type metadataAlias Metadata

// knownMetadataKeys are the JSON keys owned by typed Metadata fields.
var knownMetadataKeys = []string{
	"project", "session", "type", "importance", "categories", "keywords",
	"relationships", "created_at", "updated_at", "ramr",
	"selective_attention", "knowledge_graph",
}

// MarshalJSON emits the typed fields merged with Extra. Typed fields win
// when a key appears in both.
func (m Metadata) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}

	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for k, v := range typedMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the typed fields and collects unrecognized keys into
// Extra so nothing a caller stored is lost on load.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(all, k)
	}

	*m = Metadata(alias)
	if len(all) > 0 {
		m.Extra = make(map[string]any, len(all))
		for k, raw := range all {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// Clone returns a deep copy. Callers that hand metadata to another goroutine
// must clone first: sharing the Extra map or the RAMR pointer would let one
// side observe the other's writes.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Importance != nil {
		v := *m.Importance
		out.Importance = &v
	}
	if m.CreatedAt != nil {
		t := *m.CreatedAt
		out.CreatedAt = &t
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		out.UpdatedAt = &t
	}
	out.Categories = append([]string(nil), m.Categories...)
	out.Keywords = append([]string(nil), m.Keywords...)
	out.Relationships = append([]Relationship(nil), m.Relationships...)
	if m.RAMR != nil {
		r := *m.RAMR
		if m.RAMR.AccessPattern != nil {
			p := *m.RAMR.AccessPattern
			if p.LastAccess != nil {
				t := *p.LastAccess
				p.LastAccess = &t
			}
			p.AccessTimes = append([]time.Time(nil), p.AccessTimes...)
			r.AccessPattern = &p
		}
		out.RAMR = &r
	}
	if m.SelectiveAttention != nil {
		sa := *m.SelectiveAttention
		if sa.ReviewDate != nil {
			t := *sa.ReviewDate
			sa.ReviewDate = &t
		}
		out.SelectiveAttention = &sa
	}
	if m.KnowledgeGraph != nil {
		kg := *m.KnowledgeGraph
		out.KnowledgeGraph = &kg
	}
	if m.Extra != nil {
		extra := make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// EffectiveImportance returns the importance with the documented default of
// 0.5 applied when the caller did not supply one.
func (m *Metadata) EffectiveImportance() float64 {
	if m.Importance == nil {
		return 0.5
	}
	return *m.Importance
}

// Float64Ptr returns a pointer to v. Convenience for building Metadata
// literals in callers and tests.
func Float64Ptr(v float64) *float64 {
	return &v
}
