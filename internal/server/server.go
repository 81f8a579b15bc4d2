// Package server accepts the desktop client's WebSocket connection and
// routes its MessagePack requests to the core's components. One
// connection carries everything: terminal I/O, git operations, file
// operations and watcher notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gitbobobo/tidyflow/internal/logging"
	"github.com/gitbobobo/tidyflow/internal/runner"
	"github.com/gitbobobo/tidyflow/internal/state"
	"github.com/gitbobobo/tidyflow/internal/term"
	"github.com/gitbobobo/tidyflow/internal/worktree"
)

// portRetries bounds how many ephemeral ports are tried after the
// requested one is taken.
const portRetries = 10

// Deps are the components the server routes into.
type Deps struct {
	Store  *state.Store
	Engine *worktree.Engine
	Terms  *term.Manager
	Runner *runner.Runner
	Sink   *logging.Sink
}

// Server is the WebSocket endpoint.
type Server struct {
	deps Deps
	log  *logging.Logger

	listener net.Listener
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server over the given components.
func New(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:   deps,
		log:    deps.Sink.Component("server"),
		conns:  make(map[*conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds a loopback port and begins accepting. The requested port
// is tried first; EADDRINUSE walks ephemeral picks. Returns the bound
// port.
func (s *Server) Start(requestedPort int) (int, error) {
	ln, err := s.bind(requestedPort)
	if err != nil {
		return 0, err
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("serve error: %v", err)
		}
	}()

	s.log.Infof("listening on 127.0.0.1:%d", port)
	return port, nil
}

func (s *Server) bind(requestedPort int) (net.Listener, error) {
	addrs := []string{fmt.Sprintf("127.0.0.1:%d", requestedPort)}
	for i := 0; i < portRetries; i++ {
		addrs = append(addrs, "127.0.0.1:0")
	}

	var lastErr error
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "address already in use") {
			break
		}
	}
	return nil, fmt.Errorf("failed to bind any port: %w", lastErr)
}

// Stop drains connections and shuts the listener down. Active PTYs get
// SIGHUP through the term manager.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	s.deps.Terms.Shutdown()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	s.log.Infof("stopped")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The socket is loopback-only; the embedded web view's origin
		// is not a browser origin worth checking.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warnf("upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := newConn(s, ws)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Infof("client connected (session %s)", c.id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(s.ctx)

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Infof("client disconnected (session %s)", c.id)
	}()
}
