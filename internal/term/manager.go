// Package term manages PTY-backed shell sessions: spawn, bidirectional
// streaming, resize, kill escalation, and attach-after-reconnect with a
// capped replay buffer.
package term

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gitbobobo/tidyflow/internal/logging"
)

// RingBufferSize caps the per-session replay window.
const RingBufferSize = 64 << 10

// Defaults for spawn and lifecycle.
const (
	DefaultCols = 80
	DefaultRows = 24

	// killGrace separates the SIGHUP, SIGTERM and SIGKILL stages.
	killGrace = 3 * time.Second

	// orphanGrace is how long a session survives its connection before
	// being killed, leaving room for term_attach after a reconnect.
	orphanGrace = 30 * time.Second
)

// OutputFunc receives ordered output chunks for a session. It may block;
// the session's read loop pauses until it returns, which is how WS
// backpressure propagates to the PTY.
type OutputFunc func(data []byte)

// ExitFunc is called once after the last output chunk when the shell
// terminates.
type ExitFunc func(code int)

// Info is the term_list view of a session.
type Info struct {
	ID        string `msgpack:"term_id"`
	Project   string `msgpack:"project"`
	Workspace string `msgpack:"workspace"`
	Cols      int    `msgpack:"cols"`
	Rows      int    `msgpack:"rows"`
	Running   bool   `msgpack:"running"`
}

// Session is one PTY bound to one shell process.
type Session struct {
	ID        string
	Project   string
	Workspace string
	Cwd       string
	Shell     string

	mgr  *Manager
	ptmx *os.File
	cmd  *exec.Cmd

	mu       sync.Mutex
	cols     int
	rows     int
	ring     *ringBuffer
	output   OutputFunc
	onExit   ExitFunc
	owner    string
	exited   bool
	exitCode int
	orphanT  *time.Timer
}

// Manager owns every live session in the process. Sessions are tagged
// with the connection that owns them; a dropped connection starts the
// orphan grace timer.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *logging.Logger
}

// NewManager returns an empty session manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{sessions: make(map[string]*Session), log: log}
}

// SpawnOptions configures a new session.
type SpawnOptions struct {
	Project   string
	Workspace string
	Cwd       string
	Cols      int
	Rows      int

	// Env entries added on top of the process environment.
	Env map[string]string

	// Owner is the connection id owning the session.
	Owner string

	Output OutputFunc
	OnExit ExitFunc
}

// Spawn starts the user's login shell in a fresh PTY.
func (m *Manager) Spawn(opts SpawnOptions) (*Session, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	cols := opts.Cols
	if cols <= 0 {
		cols = DefaultCols
	}
	rows := opts.Rows
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start shell %s: %w", shell, err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Project:   opts.Project,
		Workspace: opts.Workspace,
		Cwd:       opts.Cwd,
		Shell:     shell,
		mgr:       m,
		ptmx:      ptmx,
		cmd:       cmd,
		cols:      cols,
		rows:      rows,
		ring:      newRingBuffer(RingBufferSize),
		output:    opts.Output,
		onExit:    opts.OnExit,
		owner:     opts.Owner,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.readLoop()

	m.log.Infof("spawned session %s (%s/%s, shell %s)", s.ID, s.Project, s.Workspace, shell)
	return s, nil
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns info for every live session, for term_list.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, Info{
			ID:        s.ID,
			Project:   s.Project,
			Workspace: s.Workspace,
			Cols:      s.cols,
			Rows:      s.rows,
			Running:   !s.exited,
		})
		s.mu.Unlock()
	}
	return out
}

// ReleaseOwner detaches every session owned by connID and starts their
// orphan timers. Sessions not re-attached within the grace interval are
// killed.
func (m *Manager) ReleaseOwner(connID string) {
	m.mu.Lock()
	var orphans []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.owner == connID {
			s.owner = ""
			s.output = nil
			s.onExit = nil
			orphans = append(orphans, s)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range orphans {
		s.startOrphanTimer()
	}
}

// Attach re-binds an orphaned (or stolen) session to a new owner, replays
// the ring buffer through output, then resumes live streaming.
func (m *Manager) Attach(id, owner string, output OutputFunc, onExit ExitFunc) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}

	s.mu.Lock()
	if s.orphanT != nil {
		s.orphanT.Stop()
		s.orphanT = nil
	}
	s.owner = owner
	replay := s.ring.Bytes()
	exited := s.exited
	code := s.exitCode
	s.output = output
	s.onExit = onExit
	s.mu.Unlock()

	if len(replay) > 0 {
		output(replay)
	}
	if exited {
		onExit(code)
	}
	return s, nil
}

// remove drops a terminated session from the registry.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Shutdown sends SIGHUP to every live session, for graceful process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.signal(unix.SIGHUP)
	}
}

// readLoop pumps PTY output to the sink and the ring buffer. The sink is
// called without the session lock so a blocked WS writer stalls only the
// PTY read, not resize/kill.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.ring.Write(chunk)
			sink := s.output
			s.mu.Unlock()

			if sink != nil {
				sink(chunk)
			}
		}
		if err != nil {
			// EIO is the normal close on Linux when the child exits.
			if err != io.EOF {
				s.mgr.log.Debugf("session %s read ended: %v", s.ID, err)
			}
			break
		}
	}

	code := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	_ = s.ptmx.Close()

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	exitFn := s.onExit
	s.mu.Unlock()

	if exitFn != nil {
		exitFn(code)
	}
	s.mgr.remove(s.ID)
	s.mgr.log.Infof("session %s exited with code %d", s.ID, code)
}

// Write sends client input verbatim to the shell.
func (s *Session) Write(data []byte) error {
	_, err := s.ptmx.Write(data)
	return err
}

// Resize updates the stored dimensions and the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.mu.Unlock()

	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill terminates the shell: SIGHUP, then SIGTERM, then SIGKILL, each a
// grace interval apart. term_exit is emitted by the read loop when the
// process actually dies.
func (s *Session) Kill() {
	s.signal(unix.SIGHUP)

	go func() {
		for _, sig := range []syscall.Signal{unix.SIGTERM, unix.SIGKILL} {
			time.Sleep(killGrace)
			s.mu.Lock()
			exited := s.exited
			s.mu.Unlock()
			if exited {
				return
			}
			s.signal(sig)
		}
	}()
}

// signal delivers sig to the shell's process group. The PTY start put
// the shell in its own group, so children die with it.
func (s *Session) signal(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	pid := s.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		_ = s.cmd.Process.Signal(sig)
	}
}

// startOrphanTimer arms the post-disconnect kill.
func (s *Session) startOrphanTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.orphanT != nil {
		return
	}
	s.orphanT = time.AfterFunc(orphanGrace, func() {
		s.mu.Lock()
		stillOrphan := s.owner == ""
		s.mu.Unlock()
		if stillOrphan {
			s.mgr.log.Infof("killing orphaned session %s", s.ID)
			s.Kill()
		}
	})
}

// Dims returns the current terminal dimensions.
func (s *Session) Dims() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Exited reports termination and the exit code.
func (s *Session) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}
