// Package watch provides a per-workspace recursive filesystem watcher.
// Raw events are coalesced over a short window and classified into
// file-change and git-status-change notifications.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gitbobobo/tidyflow/internal/logging"
)

// DebounceWindow is how long raw events accumulate before a batch is
// emitted.
const DebounceWindow = 200 * time.Millisecond

// Change kinds summarizing a batch. Mixed batches collapse to modify.
const (
	KindCreate = "create"
	KindModify = "modify"
	KindDelete = "delete"
)

// Event is one coalesced notification batch.
type Event struct {
	// GitChanged marks a batch from the .git subtree; Paths is empty
	// for these.
	GitChanged bool

	// Paths are workspace-relative changed paths.
	Paths []string

	// Kind summarizes the batch.
	Kind string
}

// Watcher watches one workspace root recursively.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	log    *logging.Logger

	closeOnce sync.Once
}

// New starts a recursive watch over root.
func New(root string, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:   root,
		fsw:    fsw,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    log,
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events returns the coalesced notification channel. It is closed when
// the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
}

// addRecursive registers dir and every subdirectory.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory may vanish mid-walk; skip rather than fail
			// the whole subscription.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.log.Warnf("failed to watch %s: %v", path, addErr)
		}
		return nil
	})
}

// batch accumulates raw events during the debounce window.
type batch struct {
	gitChanged bool
	paths      map[string]fsnotify.Op
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	pending := &batch{paths: map[string]fsnotify.Op{}}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.ingest(pending, ev)
			if fire == nil {
				timer = time.NewTimer(DebounceWindow)
				fire = timer.C
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watcher error on %s: %v", w.root, err)

		case <-fire:
			timer = nil
			fire = nil
			w.flush(pending)
			pending = &batch{paths: map[string]fsnotify.Op{}}
		}
	}
}

// ingest classifies one raw event into the pending batch and keeps the
// recursive watch current as directories appear.
func (w *Watcher) ingest(pending *batch, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	if isGitPath(rel) {
		// Ref logs change alongside every ref update; counting both
		// would double every git notification.
		if !isGitLogPath(rel) {
			pending.gitChanged = true
		}
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
		}
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // chmod noise
	}
	pending.paths[rel] |= ev.Op
}

// flush emits the pending batch as at most one git notification and one
// file notification.
func (w *Watcher) flush(pending *batch) {
	if pending.gitChanged {
		w.emit(Event{GitChanged: true, Kind: KindModify})
	}
	if len(pending.paths) == 0 {
		return
	}

	paths := make([]string, 0, len(pending.paths))
	var creates, deletes, modifies int
	for p, op := range pending.paths {
		paths = append(paths, p)
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			deletes++
		case op.Has(fsnotify.Create):
			creates++
		default:
			modifies++
		}
	}
	sort.Strings(paths)

	kind := KindModify
	switch {
	case creates > 0 && deletes == 0 && modifies == 0:
		kind = KindCreate
	case deletes > 0 && creates == 0 && modifies == 0:
		kind = KindDelete
	}

	w.emit(Event{Paths: paths, Kind: kind})
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	default:
		w.log.Warnf("watcher queue full, dropping batch for %s", w.root)
	}
}

func isGitPath(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}

func isGitLogPath(rel string) bool {
	prefix := filepath.Join(".git", "logs")
	return rel == prefix || strings.HasPrefix(rel, prefix+string(filepath.Separator))
}
