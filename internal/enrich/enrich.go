// Package enrich derives default and computed metadata for new memories.
// Enrich is a pure transform: it fills fields the caller left empty and
// never overwrites anything the caller supplied.
package enrich

import (
	"math"
	"time"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// DefaultProject is used when the caller supplies no project.
const DefaultProject = "default"

// Enrich returns meta with defaults and derived fields filled in, computed
// at the given instant. The input value is not mutated beyond the copy
// semantics of its reference fields, which are only written when nil.
func Enrich(meta types.Metadata, now time.Time) types.Metadata {
	if meta.Project == "" {
		meta.Project = DefaultProject
	}
	if meta.Session == "" {
		meta.Session = now.Format("2006-01-02")
	}

	if meta.CreatedAt == nil {
		t := now
		meta.CreatedAt = &t
	}
	if meta.UpdatedAt == nil {
		t := now
		meta.UpdatedAt = &t
	}

	importance := meta.EffectiveImportance()

	if meta.RAMR == nil {
		meta.RAMR = &types.RAMRMeta{}
	}
	if meta.RAMR.CachePriority == 0 {
		meta.RAMR.CachePriority = cachePriority(importance, meta.Categories, meta.Keywords)
	}
	if meta.RAMR.AccessPattern == nil {
		meta.RAMR.AccessPattern = &types.AccessPattern{
			Frequency:   0,
			LastAccess:  nil,
			AccessTimes: []time.Time{},
		}
	}

	if meta.SelectiveAttention == nil {
		meta.SelectiveAttention = &types.SelectiveAttention{}
	}
	if meta.SelectiveAttention.RetentionScore == 0 {
		meta.SelectiveAttention.RetentionScore = importance
	}
	if meta.SelectiveAttention.ReviewDate == nil {
		review := now.AddDate(0, 0, reviewAfterDays(importance))
		meta.SelectiveAttention.ReviewDate = &review
	}

	if meta.KnowledgeGraph == nil {
		meta.KnowledgeGraph = &types.KnowledgeGraph{}
	}
	if meta.KnowledgeGraph.NodeType == "" {
		meta.KnowledgeGraph.NodeType = inferNodeType(meta.Categories, meta.Type)
	}
	if meta.KnowledgeGraph.Cluster == "" {
		meta.KnowledgeGraph.Cluster = inferCluster(meta.Categories)
	}

	return meta
}

// cachePriority is 0.6·importance + 0.2·[has categories] + 0.2·[has
// keywords], clamped to [0,1].
func cachePriority(importance float64, categories, keywords []string) float64 {
	priority := 0.6 * importance
	if len(categories) > 0 {
		priority += 0.2
	}
	if len(keywords) > 0 {
		priority += 0.2
	}
	return math.Min(math.Max(priority, 0), 1)
}

// reviewAfterDays is floor(30·(1+importance)): 30 days at importance 0,
// 60 at importance 1.
func reviewAfterDays(importance float64) int {
	return int(math.Floor(30 * (1 + importance)))
}

func inferNodeType(categories []string, memType string) string {
	for _, c := range categories {
		if c == "code" {
			return types.NodeTypeCodePattern
		}
	}
	for _, c := range categories {
		if c == "documentation" {
			return types.NodeTypeDocumentation
		}
	}
	if memType == "conversation" {
		return types.NodeTypeConversation
	}
	return types.NodeTypeGeneralKnowledge
}

func inferCluster(categories []string) string {
	if len(categories) > 0 {
		return categories[0] + "_cluster"
	}
	return "general_cluster"
}
