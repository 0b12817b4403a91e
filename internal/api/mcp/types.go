// Package mcp implements the Model Context Protocol server for Durandal.
// It exposes the memory tools over JSON-RPC 2.0 and owns request
// validation, dispatch, and the human-readable rendering of results.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/Wawtawsha/durandal-mcp/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeServerError    = -32000
)

// JSONRPCRequest is one incoming frame.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is one outgoing frame.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is the error member of a response frame.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// InitializeResult is the MCP handshake response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// ServerCapabilities advertises what this server supports.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is intentionally empty: tool support has no options.
type ToolsCapability struct{}

// ServerInfo identifies the server to the client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool is one entry in the tools/list response.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the tools/list response body.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams are the params of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallContent is one element of a tool response's content array.
type ToolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult is the tools/call response body.
type ToolCallResult struct {
	Content []ToolCallContent `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// StoreMemoryArgs are the arguments of the store_memory tool.
type StoreMemoryArgs struct {
	Content  string         `json:"content"`
	Metadata types.Metadata `json:"metadata,omitempty"`
}

// SearchFiltersArg mirrors the wire shape of search filters; timestamps are
// RFC-3339 strings.
type SearchFiltersArg struct {
	Project       string   `json:"project,omitempty"`
	Session       string   `json:"session,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	ImportanceMin *float64 `json:"importance_min,omitempty"`
	ImportanceMax *float64 `json:"importance_max,omitempty"`
	DateFrom      string   `json:"date_from,omitempty"`
	DateTo        string   `json:"date_to,omitempty"`
}

// SearchMemoriesArgs are the arguments of the search_memories tool. Limit is
// a pointer so an explicit 0 (empty result) is distinguishable from absent
// (default).
type SearchMemoriesArgs struct {
	Query   string            `json:"query"`
	Filters *SearchFiltersArg `json:"filters,omitempty"`
	Limit   *int              `json:"limit,omitempty"`
}

// GetContextArgs are the arguments of the get_context tool.
type GetContextArgs struct {
	Project      string `json:"project,omitempty"`
	Session      string `json:"session,omitempty"`
	Limit        *int   `json:"limit,omitempty"`
	IncludeStats bool   `json:"include_stats,omitempty"`
}

// OptimizeMemoryArgs are the arguments of the optimize_memory tool.
type OptimizeMemoryArgs struct {
	Operations []string `json:"operations,omitempty"`
}

// ConfigureLoggingArgs are the arguments of the configure_logging tool.
type ConfigureLoggingArgs struct {
	ConsoleLevel string `json:"console_level,omitempty"`
	FileLevel    string `json:"file_level,omitempty"`
}

// GetLogsArgs are the arguments of the get_logs tool.
type GetLogsArgs struct {
	Lines       *int   `json:"lines,omitempty"`
	LevelFilter string `json:"level_filter,omitempty"`
	Search      string `json:"search,omitempty"`
}

// ListProjectsSessionsArgs are the arguments of the list_projects_sessions
// tool.
type ListProjectsSessionsArgs struct {
	Type           string `json:"type,omitempty"` // "projects" (default) or "sessions"
	IncludeSamples bool   `json:"include_samples,omitempty"`
}

// parseRFC3339 accepts both full RFC-3339 timestamps and bare dates.
func parseRFC3339(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
