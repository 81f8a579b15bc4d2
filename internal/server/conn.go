package server

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gitbobobo/tidyflow/internal/protocol"
	"github.com/gitbobobo/tidyflow/internal/watch"
)

// Outbound queue sizing. Enqueue blocks when the queue is full, which is
// how a slow client backpressures PTY reads; the high watermark only
// logs.
const (
	outboundQueueSize     = 4096
	outboundHighWatermark = 256

	// maxFrameBytes is the soft cap on one outbound frame; larger
	// frames are sent but logged.
	maxFrameBytes = 4 << 20
)

// conn is one client connection: an inbound reader, a serialized
// outbound writer, and the connection-scoped resources (watch
// subscription, owned PTY sessions).
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn

	outbound chan []byte

	mu      sync.Mutex
	watcher *watch.Watcher
	closed  bool

	done chan struct{}
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		id:       uuid.NewString(),
		srv:      s,
		ws:       ws,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

// run drives the connection until it drops. The reader dispatches
// handlers; the writer serializes everything the handlers and the
// notification sources produce.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		c.writeLoop(ctx)
	}()

	c.send(protocol.Hello{
		Type:    "hello",
		Version: protocol.Version,
		Capabilities: []string{
			"projects", "workspaces", "files", "watch",
			"git", "integration", "terminal", "commands", "settings",
		},
		SessionID: c.id,
	})

	c.readLoop(ctx)

	// Reader gone: tear down connection-scoped state.
	cancel()
	c.teardown()
	writerWG.Wait()
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageBinary {
			// The JSON text protocol is gone; warn and keep going so
			// an old client fails loudly rather than silently.
			c.srv.log.Warnf("rejecting text frame from session %s", c.id)
			continue
		}

		req, err := protocol.Decode(data)
		if err != nil {
			c.sendError("", protocol.CodeBadPayload, err.Error())
			continue
		}

		c.dispatch(ctx, req)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}
}

// send encodes and enqueues one outbound message. It blocks when the
// queue is full, propagating backpressure to the caller.
func (c *conn) send(msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.srv.log.Errorf("encode failed: %v", err)
		return
	}
	if len(frame) > maxFrameBytes {
		c.srv.log.Warnf("outbound frame of %d bytes exceeds the soft cap", len(frame))
	}
	if n := len(c.outbound); n >= outboundHighWatermark {
		c.srv.log.Warnf("outbound queue depth %d for session %s", n, c.id)
	}

	select {
	case c.outbound <- frame:
	case <-c.done:
	}
}

func (c *conn) sendError(id, code, message string) {
	c.send(protocol.ErrorMessage{Type: "error", Code: code, Message: message, ID: id})
}

// setWatcher installs a new subscription, replacing any previous one.
func (c *conn) setWatcher(w *watch.Watcher) {
	c.mu.Lock()
	old := c.watcher
	c.watcher = w
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// close terminates the websocket; run() observes the read error and
// cleans up.
func (c *conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

func (c *conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	watcher := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	close(c.done)
	if watcher != nil {
		watcher.Close()
	}
	// Owned PTY sessions go into the orphan grace window.
	c.srv.deps.Terms.ReleaseOwner(c.id)
}
