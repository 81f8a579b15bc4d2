// Package runner executes user-declared project commands as tracked
// tasks with line-streamed output and cancellation. Blocking commands
// serialize per workspace; non-blocking commands run concurrently.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gitbobobo/tidyflow/internal/logging"
)

// ErrBusy is returned when a workspace already has a blocking command
// running and another queued.
var ErrBusy = errors.New("a blocking command is already running for this workspace")

// maxLineBytes bounds one streamed output line.
const maxLineBytes = 256 << 10

// Callbacks receive task lifecycle notifications. They are invoked from
// the task's goroutine, in order: started, output lines, completed.
type Callbacks struct {
	Started   func(taskID string)
	Output    func(taskID, line string)
	Completed func(taskID string, ok bool, message string)
}

// Options describes one command invocation.
type Options struct {
	Project   string
	Workspace string
	CommandID string
	Command   string
	Dir       string
	Blocking  bool
}

type task struct {
	id     string
	opts   Options
	cmd    *exec.Cmd
	cancel chan struct{}
	once   sync.Once
}

// Runner tracks running tasks.
type Runner struct {
	mu    sync.Mutex
	tasks map[string]*task

	// gates serializes blocking commands per project/workspace. The
	// counter tracks running plus queued so a third caller is refused
	// instead of piling up.
	gates   map[string]*sync.Mutex
	pending map[string]int

	log *logging.Logger
}

// New returns an empty runner.
func New(log *logging.Logger) *Runner {
	return &Runner{
		tasks:   make(map[string]*task),
		gates:   make(map[string]*sync.Mutex),
		pending: make(map[string]int),
		log:     log,
	}
}

// Run starts a command task and returns its id. The callbacks fire on
// the task's own goroutine.
func (r *Runner) Run(opts Options, cb Callbacks) (string, error) {
	id := uuid.NewString()
	t := &task{id: id, opts: opts, cancel: make(chan struct{})}

	key := opts.Project + "/" + opts.Workspace
	if opts.Blocking {
		r.mu.Lock()
		if r.pending[key] >= 2 {
			r.mu.Unlock()
			return "", ErrBusy
		}
		r.pending[key]++
		if _, ok := r.gates[key]; !ok {
			r.gates[key] = &sync.Mutex{}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	go r.execute(t, key, cb)
	return id, nil
}

// Cancel terminates the process tree of a running task.
func (r *Runner) Cancel(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.once.Do(func() { close(t.cancel) })
	return nil
}

func (r *Runner) execute(t *task, key string, cb Callbacks) {
	if t.opts.Blocking {
		r.mu.Lock()
		gate := r.gates[key]
		r.mu.Unlock()
		gate.Lock()
		defer func() {
			gate.Unlock()
			r.mu.Lock()
			r.pending[key]--
			r.mu.Unlock()
		}()
	}
	defer func() {
		r.mu.Lock()
		delete(r.tasks, t.id)
		r.mu.Unlock()
	}()

	cmd := exec.Command("/bin/sh", "-c", t.opts.Command)
	cmd.Dir = t.opts.Dir
	// Own process group so Cancel can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cb.Completed(t.id, false, fmt.Sprintf("failed to open pipe: %v", err))
		return
	}
	cmd.Stderr = cmd.Stdout

	t.cmd = cmd
	if err := cmd.Start(); err != nil {
		cb.Completed(t.id, false, fmt.Sprintf("failed to start: %v", err))
		return
	}
	cb.Started(t.id)
	r.log.Infof("task %s started: %s (%s)", t.id, t.opts.Command, key)

	// Watch for cancellation while the reader drains.
	done := make(chan struct{})
	go func() {
		select {
		case <-t.cancel:
			r.killTree(cmd)
		case <-done:
		}
	}()

	r.streamLines(stdout, t.id, cb)

	err = cmd.Wait()
	close(done)

	select {
	case <-t.cancel:
		cb.Completed(t.id, false, "canceled")
		r.log.Infof("task %s canceled", t.id)
		return
	default:
	}

	if err != nil {
		cb.Completed(t.id, false, err.Error())
		r.log.Infof("task %s failed: %v", t.id, err)
		return
	}
	cb.Completed(t.id, true, "")
	r.log.Infof("task %s completed", t.id)
}

func (r *Runner) streamLines(pipe io.Reader, taskID string, cb Callbacks) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		cb.Output(taskID, scanner.Text())
	}
}

// killTree signals the process group: SIGTERM, then SIGKILL shortly
// after for anything that ignored it.
func (r *Runner) killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	})
}
