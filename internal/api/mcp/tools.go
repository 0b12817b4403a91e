package mcp

// toolTable returns the eight tool descriptors advertised by tools/list.
// Schemas follow JSON Schema draft 7 as MCP clients expect.
func toolTable() []Tool {
	return []Tool{
		{
			Name:        "store_memory",
			Description: "Store a memory with optional structured metadata. Missing metadata fields are enriched automatically.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "Memory content, 1 to 50000 characters",
					},
					"metadata": map[string]any{
						"type":        "object",
						"description": "Optional metadata: project, session, importance (0-1), categories, keywords, relationships. Unknown keys are preserved.",
						"properties": map[string]any{
							"project":    map[string]any{"type": "string"},
							"session":    map[string]any{"type": "string"},
							"importance": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
							"categories": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"keywords":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						},
					},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        "search_memories",
			Description: "Search memories by content substring with optional project, session, category, importance, and date filters.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Case-insensitive substring to match against memory content",
					},
					"filters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"project":        map[string]any{"type": "string"},
							"session":        map[string]any{"type": "string"},
							"categories":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"importance_min": map[string]any{"type": "number"},
							"importance_max": map[string]any{"type": "number"},
							"date_from":      map[string]any{"type": "string", "description": "RFC-3339 timestamp or YYYY-MM-DD"},
							"date_to":        map[string]any{"type": "string", "description": "RFC-3339 timestamp or YYYY-MM-DD"},
						},
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results, default 10, capped at 100",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_context",
			Description: "Get the most recent memories for a project or session, optionally with store and cache statistics.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project": map[string]any{"type": "string"},
					"session": map[string]any{"type": "string"},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results, default 10, capped at 50",
					},
					"include_stats": map[string]any{"type": "boolean"},
				},
			},
		},
		{
			Name:        "optimize_memory",
			Description: "Run memory maintenance: cache_optimization, retention_review, pattern_analysis, relationship_update. No argument runs all.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operations": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string", "enum": optimizeOperations},
					},
				},
			},
		},
		{
			Name:        "get_status",
			Description: "Report server health: uptime, database, caches, logging, and startup warnings.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "configure_logging",
			Description: "Change the console and/or file log level at runtime and persist the setting.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"console_level": map[string]any{"type": "string", "enum": []string{"error", "warn", "info", "debug"}},
					"file_level":    map[string]any{"type": "string", "enum": []string{"error", "warn", "info", "debug"}},
				},
			},
		},
		{
			Name:        "get_logs",
			Description: "Tail the server's JSON-lines log file with optional level and text filters.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"lines": map[string]any{
						"type":        "integer",
						"description": "Maximum entries, default 50, capped at 500",
					},
					"level_filter": map[string]any{"type": "string", "enum": []string{"error", "warn", "info", "debug"}},
					"search":       map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "list_projects_sessions",
			Description: "List the projects (or project/session pairs) present in the store with memory counts.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":            map[string]any{"type": "string", "enum": []string{"projects", "sessions"}},
					"include_samples": map[string]any{"type": "boolean"},
				},
			},
		},
	}
}
