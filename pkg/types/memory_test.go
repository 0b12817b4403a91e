package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripPreservesExtra(t *testing.T) {
	input := []byte(`{
		"project": "alpha",
		"importance": 0.8,
		"categories": ["code", "golang"],
		"custom_field": "kept",
		"nested": {"a": 1}
	}`)

	var meta Metadata
	require.NoError(t, json.Unmarshal(input, &meta))

	assert.Equal(t, "alpha", meta.Project)
	require.NotNil(t, meta.Importance)
	assert.Equal(t, 0.8, *meta.Importance)
	assert.Equal(t, []string{"code", "golang"}, meta.Categories)
	assert.Equal(t, "kept", meta.Extra["custom_field"])
	assert.Contains(t, meta.Extra, "nested")

	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "alpha", decoded["project"])
	assert.Equal(t, "kept", decoded["custom_field"])
	assert.Contains(t, decoded, "nested")
}

func TestMetadataTypedFieldWinsOnCollision(t *testing.T) {
	meta := Metadata{
		Project: "typed",
		Extra:   map[string]any{"project": "extra"},
	}
	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "typed", decoded["project"])
}

func TestMetadataUnmarshalWithoutExtraLeavesExtraNil(t *testing.T) {
	var meta Metadata
	require.NoError(t, json.Unmarshal([]byte(`{"project":"p"}`), &meta))
	assert.Nil(t, meta.Extra)
}

func TestEffectiveImportanceDefault(t *testing.T) {
	meta := Metadata{}
	assert.Equal(t, 0.5, meta.EffectiveImportance())

	meta.Importance = Float64Ptr(0.0)
	assert.Equal(t, 0.0, meta.EffectiveImportance())

	meta.Importance = Float64Ptr(0.9)
	assert.Equal(t, 0.9, meta.EffectiveImportance())
}

func TestRelationshipsRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	meta := Metadata{
		Relationships: []Relationship{
			{Type: "references", Target: "mem_1", Strength: 0.7},
		},
		CreatedAt: &now,
	}

	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var decoded Metadata
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded.Relationships, 1)
	assert.Equal(t, "mem_1", decoded.Relationships[0].Target)
	assert.Equal(t, 0.7, decoded.Relationships[0].Strength)
	require.NotNil(t, decoded.CreatedAt)
	assert.True(t, decoded.CreatedAt.Equal(now))
}

func TestMetadataCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := Metadata{
		Importance: Float64Ptr(0.8),
		Categories: []string{"code"},
		RAMR: &RAMRMeta{
			CachePriority: 0.7,
			AccessPattern: &AccessPattern{Frequency: 1, LastAccess: &now, AccessTimes: []time.Time{now}},
		},
		SelectiveAttention: &SelectiveAttention{RetentionScore: 0.8},
		Extra:              map[string]any{"k": "v"},
	}

	clone := orig.Clone()
	clone.Extra["id"] = "mem_1"
	clone.Categories[0] = "changed"
	clone.RAMR.AccessPattern.Frequency = 99
	*clone.Importance = 0.1
	clone.SelectiveAttention.ArchiveCandidate = true

	assert.NotContains(t, orig.Extra, "id")
	assert.Equal(t, "code", orig.Categories[0])
	assert.Equal(t, 1, orig.RAMR.AccessPattern.Frequency)
	assert.Equal(t, 0.8, *orig.Importance)
	assert.False(t, orig.SelectiveAttention.ArchiveCandidate)
}
