package mcp

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds one JSON-RPC line. Memories cap at 50k characters, so
// 4 MB leaves generous room for metadata and framing.
const maxFrameSize = 4 * 1024 * 1024

// drainTimeout bounds how long shutdown waits for in-flight requests and
// background writes.
const drainTimeout = 5 * time.Second

// Transport speaks line-delimited JSON-RPC over a reader/writer pair,
// normally stdin/stdout. One goroutine reads frames; each request is handled
// on its own goroutine; a mutex serializes response writes so concurrent
// handlers never interleave bytes on the wire.
type Transport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	log    *zap.Logger

	writeMu sync.Mutex
}

// NewTransport wires a transport over the given streams.
func NewTransport(server *Server, in io.Reader, out io.Writer, log *zap.Logger) *Transport {
	return &Transport{server: server, in: in, out: out, log: log}
}

// Serve reads frames until EOF or ctx cancellation, then drains in-flight
// work. EOF on stdin is the normal shutdown signal from an MCP client.
func (t *Transport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var inFlight sync.WaitGroup
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case lines <- frame:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-lines:
			if !ok {
				break loop
			}
			inFlight.Add(1)
			go func(frame []byte) {
				defer inFlight.Done()
				if response := t.server.HandleRequest(ctx, frame); response != nil {
					t.writeFrame(response)
				}
			}(frame)
		}
	}

	t.drain(&inFlight)
	t.server.Drain(drainTimeout)

	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

// drain waits up to drainTimeout for in-flight handlers.
func (t *Transport) drain(inFlight *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		t.log.Warn("shutdown proceeding with requests still in flight")
	}
}

// writeFrame emits one response line. The newline terminator is part of the
// framing, so the frame and terminator go out under one lock acquisition.
func (t *Transport) writeFrame(frame []byte) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(frame); err != nil {
		t.log.Error("response write failed", zap.Error(err))
		return
	}
	if _, err := t.out.Write([]byte("\n")); err != nil {
		t.log.Error("response terminator write failed", zap.Error(err))
	}
}
