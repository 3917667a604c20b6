package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MemoryWatcher watches the memory file set (MEMORY.md, memory.md, the
// memory/ tree, and extra paths) with fsnotify, debouncing bursts of events
// per path before emitting a batch.
type MemoryWatcher struct {
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	events chan []FileEvent
	errors chan error
	stopCh chan struct{}

	watchedPaths   map[string]bool // resolved absolute paths passed to Start
	mu             sync.RWMutex
	stopped        bool
	droppedBatches atomic.Uint64

	opts Options
}

var _ Watcher = (*MemoryWatcher)(nil)

// NewMemoryWatcher creates a watcher using fsnotify as its backing
// mechanism. Unlike a general-purpose project watcher, it has no gitignore
// or config-reload awareness: the memory file set is a short, explicit
// list of paths supplied to Start.
func NewMemoryWatcher(opts Options) (*MemoryWatcher, error) {
	opts = opts.WithDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &MemoryWatcher{
		fsWatcher:    fsw,
		debouncer:    NewDebouncer(opts.DebounceWindow),
		events:       make(chan []FileEvent, opts.EventBufferSize),
		errors:       make(chan error, 10),
		stopCh:       make(chan struct{}),
		watchedPaths: make(map[string]bool),
		opts:         opts,
	}, nil
}

// Start begins watching the given paths. Each path may be a file (its
// parent directory is watched, since fsnotify has no standalone
// single-file watch mode) or a directory (watched recursively).
func (w *MemoryWatcher) Start(ctx context.Context, paths []string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve path %s: %w", p, err)
		}
		if err := w.addPath(abs); err != nil {
			return err
		}
	}

	go w.forwardDebounced(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *MemoryWatcher) addPath(abs string) error {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Watch the parent so a later create is still observed.
			dir := filepath.Dir(abs)
			w.mu.Lock()
			w.watchedPaths[abs] = false
			w.mu.Unlock()
			return w.fsWatcher.Add(dir)
		}
		return fmt.Errorf("stat %s: %w", abs, err)
	}

	w.mu.Lock()
	w.watchedPaths[abs] = info.IsDir()
	w.mu.Unlock()

	if !info.IsDir() {
		return w.fsWatcher.Add(filepath.Dir(abs))
	}
	return w.addRecursive(abs)
}

func (w *MemoryWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsWatcher.Add(path)
	})
}

func (w *MemoryWatcher) handleEvent(event fsnotify.Event) {
	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			_ = w.fsWatcher.Add(event.Name)
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}

	w.debouncer.Add(FileEvent{
		Path:      event.Name,
		Operation: op,
		IsDir:     isDir,
		Timestamp: time.Now(),
	})
}

func (w *MemoryWatcher) forwardDebounced(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case events, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			if len(events) == 0 {
				continue
			}
			w.emitEvents(events)
		}
	}
}

func (w *MemoryWatcher) emitEvents(events []FileEvent) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case w.events <- events:
	default:
		count := w.droppedBatches.Add(1)
		slog.Warn("memory watcher event buffer full, dropping batch",
			slog.Int("batch_size", len(events)),
			slog.Uint64("total_dropped_batches", count))
	}
}

func (w *MemoryWatcher) emitError(err error) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()
	if stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// Stop stops the watcher and releases resources. Safe to call multiple times.
func (w *MemoryWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	_ = w.fsWatcher.Close()
	close(w.events)
	close(w.errors)
	return nil
}

func (w *MemoryWatcher) Events() <-chan []FileEvent { return w.events }
func (w *MemoryWatcher) Errors() <-chan error       { return w.errors }

// DroppedBatches reports how many event batches were dropped due to buffer
// overflow, for diagnostics.
func (w *MemoryWatcher) DroppedBatches() uint64 { return w.droppedBatches.Load() }
