package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-mcp/internal/apperr"
	"github.com/Wawtawsha/durandal-mcp/internal/cache"
	"github.com/Wawtawsha/durandal-mcp/internal/config"
	"github.com/Wawtawsha/durandal-mcp/internal/logging"
	"github.com/Wawtawsha/durandal-mcp/internal/maintenance"
	"github.com/Wawtawsha/durandal-mcp/internal/ramr"
	"github.com/Wawtawsha/durandal-mcp/internal/storage/sqlite"
)

// Version is reported in the initialize handshake and get_status output.
const Version = "3.1.0"

// Server is the MCP dispatcher: it owns the tool table, validates
// arguments, routes calls to handlers, and renders results as text. It
// borrows the store, cache, and tier-2 cache; it owns none of them.
type Server struct {
	store     *sqlite.Store
	cache     *cache.Cache
	ramr      *ramr.RAMR // nil when tier-2 is disabled
	prefetch  *cache.Prefetcher
	cfg       *config.Config
	log       *logging.Logger
	loop      *maintenance.Loop
	report    sqlite.CheckReport
	startedAt time.Time

	// writeBreaker trips after repeated background store-write failures so a
	// dead database stops burning goroutines; writes short-circuit to
	// cache-only until it half-opens.
	writeBreaker *gobreaker.CircuitBreaker

	storeWriteFailures atomic.Uint64

	// background tracks fire-and-forget writes so shutdown can wait a
	// bounded time for them.
	background sync.WaitGroup
}

// ServerOption configures optional collaborators on a Server.
type ServerOption func(*Server)

// WithRAMR attaches the tier-2 persistent cache.
func WithRAMR(r *ramr.RAMR) ServerOption {
	return func(s *Server) { s.ramr = r }
}

// WithMaintenanceLoop attaches the background maintenance loop so
// get_status can report its last pass.
func WithMaintenanceLoop(loop *maintenance.Loop) ServerOption {
	return func(s *Server) { s.loop = loop }
}

// WithStartupReport attaches the boot check results for get_status.
func WithStartupReport(report sqlite.CheckReport) ServerOption {
	return func(s *Server) { s.report = report }
}

// NewServer creates the dispatcher.
func NewServer(store *sqlite.Store, c *cache.Cache, cfg *config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		cache:     c,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prefetch = cache.NewPrefetcher(store, c, log.Logger)
	s.writeBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store-writes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("store write breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return s
}

// HandleRequest processes one JSON-RPC 2.0 frame and returns the response
// frame. Notifications (frames without an id) return nil.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) []byte {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorFrame(nil, ErrCodeParseError, "Parse error", err)
	}
	if req.JSONRPC != "2.0" {
		return s.errorFrame(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result any
	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: "durandal-mcp", Version: Version},
		}
	case "initialized", "notifications/initialized":
		// Notification; nothing to send back.
		if req.ID == nil {
			return nil
		}
		result = map[string]any{}
	case "tools/list":
		result = ToolsListResult{Tools: toolTable()}
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.errorFrame(req.ID, ErrCodeInvalidParams, "Invalid tools/call params", err)
		}
		result = s.callTool(ctx, params)
	default:
		return s.errorFrame(req.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if req.ID == nil {
		return nil
	}
	return s.successFrame(req.ID, result)
}

// callTool runs one tool call through the validate → dispatch → render
// pipeline, tracing the whole span under a fresh request id. Handler
// failures become error content, never protocol errors: the call itself
// succeeded at the JSON-RPC layer.
func (s *Server) callTool(ctx context.Context, params ToolCallParams) *ToolCallResult {
	requestID := uuid.NewString()
	trace := s.log.With(
		zap.String("tool", params.Name),
		zap.String("request_id", requestID))

	if s.cfg.Logging.LogMCPTools {
		trace.Debug("tool call received", zap.Int("args_bytes", len(params.Arguments)))
	}
	started := time.Now()

	text, err := s.dispatch(ctx, params.Name, params.Arguments, trace)
	if err != nil {
		appErr := apperr.AsError(err)
		trace.Warn("tool call failed",
			zap.String("kind", string(appErr.Kind)),
			zap.String("code", appErr.Code),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return &ToolCallResult{
			Content: []ToolCallContent{{Type: "text", Text: appErr.RenderUser()}},
			IsError: true,
		}
	}

	trace.Info("tool call complete",
		zap.Duration("duration", time.Since(started)),
		zap.Int("result_bytes", len(text)))
	return &ToolCallResult{
		Content: []ToolCallContent{{Type: "text", Text: text}},
	}
}

// dispatch validates the arguments for the named tool and invokes its
// handler. Unknown tools are protocol errors.
func (s *Server) dispatch(ctx context.Context, name string, args json.RawMessage, trace *zap.Logger) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	switch name {
	case "store_memory":
		var a StoreMemoryArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleStoreMemory(ctx, a, trace)
	case "search_memories":
		var a SearchMemoriesArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleSearchMemories(ctx, a, trace)
	case "get_context":
		var a GetContextArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleGetContext(ctx, a, trace)
	case "optimize_memory":
		var a OptimizeMemoryArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleOptimizeMemory(ctx, a, trace)
	case "get_status":
		return s.handleGetStatus(ctx)
	case "configure_logging":
		var a ConfigureLoggingArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleConfigureLogging(ctx, a)
	case "get_logs":
		var a GetLogsArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleGetLogs(ctx, a)
	case "list_projects_sessions":
		var a ListProjectsSessionsArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return "", apperr.Wrap(apperr.KindProtocol, "BAD_ARGUMENTS", "Arguments did not decode", err)
		}
		return s.handleListProjectsSessions(ctx, a)
	default:
		return "", apperr.New(apperr.KindProtocol, "UNKNOWN_TOOL",
			fmt.Sprintf("Unknown tool %q", name))
	}
}

// Drain waits up to timeout for outstanding background store writes.
func (s *Server) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("shutdown proceeding with background writes still in flight")
	}
}

// StoreWriteFailures reports how many background store writes have failed
// since boot. Surfaced by get_status.
func (s *Server) StoreWriteFailures() uint64 {
	return s.storeWriteFailures.Load()
}

func (s *Server) successFrame(id any, result any) []byte {
	data, err := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return s.errorFrame(id, ErrCodeInternalError, "Failed to encode response", err)
	}
	return data
}

func (s *Server) errorFrame(id any, code int, message string, cause error) []byte {
	if cause != nil {
		s.log.Warn("protocol error", zap.Int("code", code), zap.String("message", message), zap.Error(cause))
	}
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
