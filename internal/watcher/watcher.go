// Package watcher turns raw filesystem events into debounced, ignore-
// filtered change notifications — spec.md §4.D — grounded on
// internal/change/auto_tracker.go's fsnotify setup/watchLoop/
// handleFSEvent and
// _examples/original_source/chronolog/watcher/watcher.py's
// DebouncedFileHandler/_process_pending_files trailing-edge debounce.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chronolog/internal/ignore"
)

// Op classifies a debounced change.
type Op int

const (
	OpWrite Op = iota
	OpRemove
)

// Event is one coalesced, ignore-filtered change ready for ingest.
type Event struct {
	Path string // relative to the watched root
	Op   Op
}

// Watcher recursively watches a root directory, debounces bursts of
// writes per path (trailing edge: the timer keeps sliding as long as
// the path keeps changing), and bypasses debounce entirely for
// deletions so removals are never lost to a still-running timer.
type Watcher struct {
	root     string
	ignoreF  *ignore.Filter
	debounce time.Duration
	fsw      *fsnotify.Watcher
	log      *zap.Logger

	events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Watcher rooted at root. Call Start to begin watching.
func New(root string, ignoreF *ignore.Filter, debounce time.Duration, queueCapacity int, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	return &Watcher{
		root:     root,
		ignoreF:  ignoreF,
		debounce: debounce,
		fsw:      fsw,
		log:      log,
		events:   make(chan Event, queueCapacity),
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}, nil
}

// Events returns the channel ingest consumes debounced changes from.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start walks the tree once to register every non-ignored directory
// with fsnotify, then begins processing events in the background.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." && w.ignoreF.Matches(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watcher: adding %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher: fsnotify error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		w.log.Error("watcher: relative path", zap.Error(err))
		return
	}

	if w.ignoreF.IsIgnoreFile(rel) && (ev.Op&fsnotify.Write == fsnotify.Write || ev.Op&fsnotify.Create == fsnotify.Create) {
		if err := w.ignoreF.Reload(); err != nil {
			w.log.Error("watcher: reloading ignore patterns", zap.Error(err))
		} else {
			w.log.Info("watcher: reloaded ignore patterns")
		}
		return
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if !w.ignoreF.Matches(rel, true) {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.log.Error("watcher: adding new directory", zap.Error(err))
				}
			}
			return
		}
	}

	if w.ignoreF.Matches(rel, false) {
		return
	}

	switch {
	case ev.Op&fsnotify.Remove == fsnotify.Remove, ev.Op&fsnotify.Rename == fsnotify.Rename:
		w.cancelPending(rel)
		w.enqueue(Event{Path: rel, Op: OpRemove})
	case ev.Op&fsnotify.Write == fsnotify.Write, ev.Op&fsnotify.Create == fsnotify.Create:
		w.scheduleDebounced(rel)
	}
}

// scheduleDebounced (re)starts the trailing-edge timer for path: every
// additional write pushes the fire time further out, so a path under
// continuous modification never gets ingested mid-write.
func (w *Watcher) scheduleDebounced(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(Event{Path: path, Op: OpWrite})
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) enqueue(ev Event) {
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

// Stop stops accepting new filesystem events, flushes every path still
// sitting in a debounce window as one last write event (spec.md §4.D:
// "pending timers are flushed … the worker drains the queue"), and
// waits until ctx is done for in-flight sends to settle before closing
// the event channel. Stop is idempotent.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	var flush []string
	for path, t := range w.pending {
		// Stop returning true means the timer's callback will never
		// run, so its path would otherwise be lost; false means the
		// callback already fired (or is about to) and will enqueue
		// its own event once it acquires w.mu.
		if t.Stop() {
			flush = append(flush, path)
		}
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	for _, path := range flush {
		w.enqueue(Event{Path: path, Op: OpWrite})
	}

	close(w.stopCh)
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("watcher: closing fsnotify watcher: %w", err)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(w.events)
	return nil
}
