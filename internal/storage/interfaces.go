// Package storage defines the durable-storage capability set and the filter
// types shared by every backend, and resolves which database file the server
// opens at startup.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// ErrNotFound is returned when a memory ID does not resolve to a row.
var ErrNotFound = errors.New("memory not found")

// SearchFilters narrows a substring search. Zero values mean "no filter".
type SearchFilters struct {
	Project       string     // Exact match on metadata project
	Session       string     // Exact match on metadata session
	Categories    []string   // Any-of match against metadata categories
	ImportanceMin *float64   // Inclusive lower bound
	ImportanceMax *float64   // Inclusive upper bound
	DateFrom      *time.Time // Inclusive created_at lower bound
	DateTo        *time.Time // Inclusive created_at upper bound
}

// MemoryStore is the durable-storage capability set. The embedded SQLite
// store is the only variant in scope; consumers that just read and write
// memories should depend on this rather than the concrete type.
type MemoryStore interface {
	// StoreMemory inserts a memory row with its metadata serialized as JSON
	// and returns the stored memory's public ID.
	StoreMemory(ctx context.Context, id, content string, meta types.Metadata) error

	// SearchMemories returns memories whose content contains query
	// (case-insensitive) and that satisfy every filter, newest first.
	// The limit is capped at 100.
	SearchMemories(ctx context.Context, query string, filters SearchFilters, limit int) ([]types.Memory, error)

	// GetRecentMemories returns the newest memories, optionally filtered by
	// project and session. The limit is capped at 50.
	GetRecentMemories(ctx context.Context, project, session string, limit int) ([]types.Memory, error)

	// GetMemoryByID resolves a public memory ID to its row, or ErrNotFound.
	GetMemoryByID(ctx context.Context, id string) (*types.Memory, error)
}
