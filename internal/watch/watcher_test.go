package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitbobobo/tidyflow/internal/logging"
)

func setupWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()

	root, err := os.MkdirTemp("", "watch-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	if err := os.MkdirAll(filepath.Join(root, ".git", "refs", "heads"), 0o755); err != nil {
		t.Fatalf("failed to create .git layout: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".git", "logs", "refs"), 0o755); err != nil {
		t.Fatalf("failed to create .git/logs: %v", err)
	}

	sink := logging.NewTestSink(os.Stderr, logging.LevelError)
	w, err := New(root, sink.Component("watch"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(w.Close)
	return w, root
}

func nextEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("no event before timeout")
	}
	return Event{}
}

func TestFileCreate(t *testing.T) {
	w, root := setupWatcher(t)

	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	ev := nextEvent(t, w, 3*time.Second)
	if ev.GitChanged {
		t.Fatalf("got git event for a plain file: %+v", ev)
	}
	if len(ev.Paths) != 1 || ev.Paths[0] != "hello.txt" {
		t.Errorf("Paths = %v, want [hello.txt]", ev.Paths)
	}
	if ev.Kind != KindCreate {
		t.Errorf("Kind = %q, want create", ev.Kind)
	}
}

func TestCoalescing(t *testing.T) {
	w, root := setupWatcher(t)

	// Several writes inside one window coalesce into one batch.
	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "file"+string(rune('a'+i))+".txt")
		if err := os.WriteFile(name, []byte("x\n"), 0o644); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
	}

	ev := nextEvent(t, w, 3*time.Second)
	if len(ev.Paths) < 2 {
		t.Errorf("expected coalesced batch, got %v", ev.Paths)
	}

	// No stream of trailing one-path events for the same burst.
	select {
	case extra := <-w.Events():
		if len(extra.Paths)+len(ev.Paths) > 5 {
			t.Errorf("burst produced too many paths: %v then %v", ev.Paths, extra.Paths)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestGitClassification(t *testing.T) {
	w, root := setupWatcher(t)

	if err := os.WriteFile(filepath.Join(root, ".git", "index"), []byte("idx"), 0o644); err != nil {
		t.Fatalf("failed to write .git/index: %v", err)
	}

	ev := nextEvent(t, w, 3*time.Second)
	if !ev.GitChanged {
		t.Errorf("expected git_status_changed for .git/index, got %+v", ev)
	}
	if len(ev.Paths) != 0 {
		t.Errorf("git event should not carry paths: %v", ev.Paths)
	}
}

func TestGitRefLogsIgnored(t *testing.T) {
	w, root := setupWatcher(t)

	if err := os.WriteFile(filepath.Join(root, ".git", "logs", "HEAD"), []byte("log"), 0o644); err != nil {
		t.Fatalf("failed to write ref log: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Errorf("ref log write produced an event: %+v", ev)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestDeleteKind(t *testing.T) {
	w, root := setupWatcher(t)

	path := filepath.Join(root, "doomed.txt")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	nextEvent(t, w, 3*time.Second) // create batch

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	ev := nextEvent(t, w, 3*time.Second)
	if ev.Kind != KindDelete {
		t.Errorf("Kind = %q for deletion, want delete", ev.Kind)
	}
}

func TestNewDirectoryWatched(t *testing.T) {
	w, root := setupWatcher(t)

	sub := filepath.Join(root, "newdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("failed to mkdir: %v", err)
	}
	nextEvent(t, w, 3*time.Second) // directory-create batch

	// Give the watcher a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("failed to write inner file: %v", err)
	}
	ev := nextEvent(t, w, 3*time.Second)
	found := false
	for _, p := range ev.Paths {
		if p == filepath.Join("newdir", "inner.txt") {
			found = true
		}
	}
	if !found {
		t.Errorf("inner file change not seen: %+v", ev)
	}
}
