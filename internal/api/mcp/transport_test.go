package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Wawtawsha/durandal-mcp/internal/cache"
	"github.com/Wawtawsha/durandal-mcp/internal/config"
	"github.com/Wawtawsha/durandal-mcp/internal/logging"
	"github.com/Wawtawsha/durandal-mcp/internal/storage/sqlite"
)

// syncBuffer serializes concurrent writes the way a locked stdout would.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines(t *testing.T) [][]byte {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func serveFrames(t *testing.T, input string) [][]byte {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "t.db"))
	require.NoError(t, err)
	defer store.Close()

	log, err := logging.New(logging.Options{
		ConsoleLevel: "error", FileLevel: "error",
		LogFile: filepath.Join(dir, "t.log"),
	})
	require.NoError(t, err)
	defer log.Close()

	cfg := &config.Config{}
	cfg.Cache.MaxSize = 10
	cfg.Cache.DefaultTTL = time.Hour
	server := NewServer(store, cache.New(cache.Options{MaxSize: 10, TTL: time.Hour}), cfg, log)

	var out syncBuffer
	transport := NewTransport(server, strings.NewReader(input), &out, log.Logger)
	require.NoError(t, transport.Serve(context.Background()))
	return out.Lines(t)
}

func TestServeRespondsToEachRequest(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`
	lines := serveFrames(t, input)
	require.Len(t, lines, 2)

	ids := make(map[float64]bool)
	for _, line := range lines {
		var resp struct {
			JSONRPC string  `json:"jsonrpc"`
			ID      float64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal(line, &resp))
		assert.Equal(t, "2.0", resp.JSONRPC)
		ids[resp.ID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
}

func TestServeSkipsNotificationsAndBlankLines(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}

{"jsonrpc":"2.0","id":7,"method":"tools/list"}
`
	lines := serveFrames(t, input)
	require.Len(t, lines, 1, "only the request with an id gets a response")
}

func TestServeAnswersParseErrors(t *testing.T) {
	lines := serveFrames(t, "this is not json\n")
	require.Len(t, lines, 1)
	var resp struct {
		Error *JSONRPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestServeConcurrentRequestsProduceWholeFrames(t *testing.T) {
	var input strings.Builder
	const n = 20
	for i := 0; i < n; i++ {
		fmt.Fprintf(&input, `{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`+"\n", i+1)
	}

	lines := serveFrames(t, input.String())
	require.Len(t, lines, n)
	for _, line := range lines {
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(line, &resp), "every frame is intact JSON")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "t.db"))
	require.NoError(t, err)
	defer store.Close()

	log, err := logging.New(logging.Options{
		ConsoleLevel: "error", FileLevel: "error",
		LogFile: filepath.Join(dir, "t.log"),
	})
	require.NoError(t, err)
	defer log.Close()

	cfg := &config.Config{}
	server := NewServer(store, cache.New(cache.Options{}), cfg, log)

	// A reader that never delivers data and never closes during the test;
	// the writer is closed in cleanup so the scanner goroutine can exit.
	blocked, blockedW := io.Pipe()
	t.Cleanup(func() { _ = blockedW.Close() })
	var out syncBuffer
	transport := NewTransport(server, blocked, &out, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("transport did not stop on cancellation")
	}
}

func TestServeLeavesNoGoroutinesBehind(t *testing.T) {
	defer goleak.VerifyNone(t,
		// The cancelled scanner goroutine exits with its pipe read; ignore the
		// runtime's own helpers.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "t.db"))
	require.NoError(t, err)

	log, err := logging.New(logging.Options{
		ConsoleLevel: "error", FileLevel: "error",
		LogFile: filepath.Join(dir, "t.log"),
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Cache.MaxSize = 10
	cfg.Cache.DefaultTTL = time.Hour
	server := NewServer(store, cache.New(cache.Options{MaxSize: 10, TTL: time.Hour}), cfg, log)

	var out syncBuffer
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"
	transport := NewTransport(server, strings.NewReader(input), &out, log.Logger)
	require.NoError(t, transport.Serve(context.Background()))

	server.Drain(5 * time.Second)
	log.Close()
	require.NoError(t, store.Close())
}
