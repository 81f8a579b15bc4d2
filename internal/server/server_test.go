package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gitbobobo/tidyflow/internal/logging"
	"github.com/gitbobobo/tidyflow/internal/runner"
	"github.com/gitbobobo/tidyflow/internal/state"
	"github.com/gitbobobo/tidyflow/internal/term"
	"github.com/gitbobobo/tidyflow/internal/worktree"
)

// testClient is a msgpack websocket client against a freshly started
// core.
type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	ctx  context.Context
	hold []map[string]any
}

func startServer(t *testing.T) (*Server, int, string) {
	t.Helper()

	stateDir, err := os.MkdirTemp("", "server-test-state-*")
	if err != nil {
		t.Fatalf("failed to create state dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(stateDir) })

	store, err := state.Open(filepath.Join(stateDir, "state.json"))
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}

	sink := logging.NewTestSink(os.Stderr, logging.LevelError)
	srv := New(Deps{
		Store:  store,
		Engine: worktree.NewEngine(store, filepath.Join(stateDir, "worktrees"), sink.Component("worktree")),
		Terms:  term.NewManager(sink.Component("term")),
		Runner: runner.New(sink.Component("runner")),
		Sink:   sink,
	})

	port, err := srv.Start(0)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, port, stateDir
}

func dial(t *testing.T, port int) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	ws.SetReadLimit(16 << 20)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })

	return &testClient{t: t, ws: ws, ctx: ctx}
}

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	data, err := msgpack.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal failed: %v", err)
	}
	if err := c.ws.Write(c.ctx, websocket.MessageBinary, data); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	typ, data, err := c.ws.Read(c.ctx)
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	if typ != websocket.MessageBinary {
		c.t.Fatalf("received non-binary frame (protocol purity violated)")
	}
	var msg map[string]any
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

// recvType waits for a message of the given type, buffering any
// unrelated notifications seen on the way.
func (c *testClient) recvType(want string) map[string]any {
	c.t.Helper()
	for i, m := range c.hold {
		if m["type"] == want {
			c.hold = append(c.hold[:i], c.hold[i+1:]...)
			return m
		}
	}
	for i := 0; i < 100; i++ {
		msg := c.recv()
		if msg["type"] == want {
			return msg
		}
		c.hold = append(c.hold, msg)
	}
	c.t.Fatalf("no %s message after 100 frames", want)
	return nil
}

func setupDemoRepo(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "demo-repo-*")
	if err != nil {
		t.Fatalf("failed to create repo dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	git := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	git("init", "-b", "main")
	git("config", "user.name", "Test User")
	git("config", "user.email", "test@example.com")
	git("config", "commit.gpgsign", "false")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("failed to write README: %v", err)
	}
	git("add", ".")
	git("commit", "-m", "initial")

	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir
}

func TestHello(t *testing.T) {
	_, port, _ := startServer(t)
	c := dial(t, port)

	hello := c.recvType("hello")
	// msgpack decodes small ints into varying widths; compare through
	// fmt to stay robust.
	if fmt.Sprint(hello["version"]) != "2" {
		t.Errorf("hello version = %v, want 2", hello["version"])
	}
	if hello["session_id"] == "" {
		t.Error("hello missing session_id")
	}
}

func TestPingEchoesID(t *testing.T) {
	_, port, _ := startServer(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "ping", "id": "corr-42"})
	pong := c.recvType("pong")
	if pong["id"] != "corr-42" {
		t.Errorf("pong id = %v, want corr-42", pong["id"])
	}
}

func TestUnknownType(t *testing.T) {
	_, port, _ := startServer(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "no_such_request", "id": "x1"})
	errMsg := c.recvType("error")
	if errMsg["code"] != "unknown_type" {
		t.Errorf("code = %v, want unknown_type", errMsg["code"])
	}
	if errMsg["id"] != "x1" {
		t.Errorf("error id = %v, want x1", errMsg["id"])
	}
}

func TestTextFramesRejected(t *testing.T) {
	_, port, _ := startServer(t)
	c := dial(t, port)
	c.recvType("hello")

	if err := c.ws.Write(c.ctx, websocket.MessageText, []byte(`{"type":"ping","id":"t"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The text frame is dropped, the connection survives, and binary
	// traffic still works.
	c.send(map[string]any{"type": "ping", "id": "after-text"})
	pong := c.recvType("pong")
	if pong["id"] != "after-text" {
		t.Errorf("pong id = %v", pong["id"])
	}
}

func TestImportAndList(t *testing.T) {
	_, port, stateDir := startServer(t)
	repo := setupDemoRepo(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "import_project", "id": "i1", "name": "demo", "path": repo})
	imported := c.recvType("project_imported")
	if imported["name"] != "demo" || imported["root"] != repo {
		t.Errorf("project_imported = %v", imported)
	}
	if imported["default_branch"] != "main" {
		t.Errorf("default_branch = %v, want main", imported["default_branch"])
	}
	ws, _ := imported["workspace"].(map[string]any)
	if ws == nil || ws["name"] != "default" || ws["root"] != repo || ws["status"] != "ready" {
		t.Errorf("workspace = %v", ws)
	}

	c.send(map[string]any{"type": "list_projects", "id": "l1"})
	projects := c.recvType("projects")
	items, _ := projects["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("projects items = %v", projects["items"])
	}
	item, _ := items[0].(map[string]any)
	if item["name"] != "demo" || fmt.Sprint(item["workspace_count"]) != "1" {
		t.Errorf("projects[0] = %v", item)
	}

	// Durability: the state file under stateDir reflects the import.
	store, err := state.Open(filepath.Join(stateDir, "state.json"))
	if err != nil {
		t.Fatalf("reopen state failed: %v", err)
	}
	if _, err := store.GetProject("demo"); err != nil {
		t.Errorf("imported project not persisted: %v", err)
	}
}

func TestGitStatusStageFlow(t *testing.T) {
	_, port, _ := startServer(t)
	repo := setupDemoRepo(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "import_project", "id": "i", "name": "demo", "path": repo})
	c.recvType("project_imported")

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\nedited\n"), 0o644); err != nil {
		t.Fatalf("failed to edit README: %v", err)
	}

	c.send(map[string]any{"type": "git_status", "id": "s1", "project": "demo", "workspace": "default"})
	status := c.recvType("git_status_result")
	items, _ := status["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("status items = %v", status["items"])
	}
	item, _ := items[0].(map[string]any)
	if item["path"] != "README.md" || item["code"] != "M" || item["staged"] != false {
		t.Errorf("status item = %v", item)
	}

	c.send(map[string]any{
		"type": "git_diff", "id": "d1", "project": "demo", "workspace": "default",
		"path": "README.md", "mode": "working",
	})
	diff := c.recvType("git_diff_result")
	if diff["text"] == "" {
		t.Error("working diff empty")
	}

	c.send(map[string]any{
		"type": "git_stage", "id": "st1", "project": "demo", "workspace": "default",
		"scope": "file", "path": "README.md",
	})
	c.recvType("git_op_result")

	c.send(map[string]any{"type": "git_status", "id": "s2", "project": "demo", "workspace": "default"})
	status = c.recvType("git_status_result")
	items, _ = status["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("status items after stage = %v", status["items"])
	}
	item, _ = items[0].(map[string]any)
	if item["staged"] != true {
		t.Errorf("item not staged after git_stage: %v", item)
	}

	c.send(map[string]any{
		"type": "git_diff", "id": "d2", "project": "demo", "workspace": "default",
		"path": "README.md", "mode": "staged",
	})
	diff = c.recvType("git_diff_result")
	if diff["text"] == "" {
		t.Error("staged diff empty after staging")
	}
}

func TestCreateBranchValidationOverWire(t *testing.T) {
	_, port, _ := startServer(t)
	repo := setupDemoRepo(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "import_project", "id": "i", "name": "demo", "path": repo})
	c.recvType("project_imported")

	c.send(map[string]any{
		"type": "git_create_branch", "id": "b1",
		"project": "demo", "workspace": "default", "branch": "bad name",
	})
	errMsg := c.recvType("error")
	if errMsg["code"] != "git_error" {
		t.Errorf("code = %v, want git_error", errMsg["code"])
	}
	if msg, _ := errMsg["message"].(string); msg == "" || !contains(msg, "spaces") {
		t.Errorf("message = %v, want mention of spaces", errMsg["message"])
	}

	c.send(map[string]any{
		"type": "git_create_branch", "id": "b2",
		"project": "demo", "workspace": "default", "branch": "feature/x",
	})
	res := c.recvType("git_op_result")
	if res["ok"] != true {
		t.Errorf("git_op_result = %v", res)
	}

	c.send(map[string]any{"type": "git_branches", "id": "b3", "project": "demo", "workspace": "default"})
	branches := c.recvType("git_branches_result")
	if branches["current"] != "feature/x" {
		t.Errorf("current = %v, want feature/x", branches["current"])
	}
}

func TestTermEchoOverWire(t *testing.T) {
	_, port, _ := startServer(t)
	repo := setupDemoRepo(t)
	t.Setenv("SHELL", "/bin/sh")

	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "import_project", "id": "i", "name": "demo", "path": repo})
	c.recvType("project_imported")

	c.send(map[string]any{"type": "term_create", "id": "t1", "project": "demo", "workspace": "default"})
	created := c.recvType("term_created")
	termID, _ := created["term_id"].(string)
	if termID == "" {
		t.Fatalf("term_created = %v", created)
	}

	c.send(map[string]any{"type": "term_input", "term_id": termID, "data": []byte("echo h''i\n")})

	var collected []byte
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		out := c.recvType("term_output")
		if out["term_id"] != termID {
			continue
		}
		data, _ := out["data"].([]byte)
		collected = append(collected, data...)
		if contains(string(collected), "hi") {
			break
		}
	}
	if !contains(string(collected), "hi") {
		t.Fatalf("terminal output never contained hi:\n%q", collected)
	}

	c.send(map[string]any{"type": "term_kill", "id": "k1", "term_id": termID})
	c.recvType("term_closed")
	exit := c.recvType("term_exit")
	if exit["term_id"] != termID {
		t.Errorf("term_exit = %v", exit)
	}
}

func TestFileOpsOverWire(t *testing.T) {
	_, port, _ := startServer(t)
	repo := setupDemoRepo(t)
	c := dial(t, port)
	c.recvType("hello")

	c.send(map[string]any{"type": "import_project", "id": "i", "name": "demo", "path": repo})
	c.recvType("project_imported")

	c.send(map[string]any{
		"type": "file_write", "id": "w1", "project": "demo", "workspace": "default",
		"path": "notes/todo.txt", "content": []byte("remember\n"),
	})
	res := c.recvType("file_write_result")
	if res["ok"] != true {
		t.Fatalf("file_write_result = %v", res)
	}

	c.send(map[string]any{
		"type": "file_read", "id": "r1", "project": "demo", "workspace": "default",
		"path": "notes/todo.txt",
	})
	read := c.recvType("file_read_result")
	content, _ := read["content"].([]byte)
	if string(content) != "remember\n" {
		t.Errorf("content = %q", content)
	}

	// Escapes are rejected at the path-safety layer.
	c.send(map[string]any{
		"type": "file_read", "id": "r2", "project": "demo", "workspace": "default",
		"path": "../../etc/passwd",
	})
	errMsg := c.recvType("error")
	if errMsg["code"] != "path_escape" {
		t.Errorf("code = %v, want path_escape", errMsg["code"])
	}
	if errMsg["id"] != "r2" {
		t.Errorf("error id = %v, want r2", errMsg["id"])
	}
}

func TestPortFileWritten(t *testing.T) {
	_, port, stateDir := startServer(t)

	if err := state.WritePortFile(filepath.Join(stateDir, "port"), port); err != nil {
		t.Fatalf("WritePortFile() failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(stateDir, "port"))
	if err != nil {
		t.Fatalf("port file missing: %v", err)
	}
	if string(data) != fmt.Sprintf("%d\n", port) {
		t.Errorf("port file = %q", data)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
