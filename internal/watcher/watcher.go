// Package watcher notifies the Syncer when the memory file set changes:
// MEMORY.md, memory.md, the memory/ tree, and any configured extra paths.
package watcher

import (
	"context"
	"time"
)

// Operation represents a file system operation type.
type Operation int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file or directory was deleted.
	OpDelete
	// OpRename indicates a file or directory was renamed.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a file system event.
type FileEvent struct {
	// Path is the absolute path to the file or directory.
	Path string

	// Operation is the type of file system operation.
	Operation Operation

	// IsDir indicates if the event is for a directory.
	IsDir bool

	// Timestamp is when the event was detected.
	Timestamp time.Time
}

// Watcher defines the interface for watching the memory file set.
type Watcher interface {
	// Start begins watching the given paths (files and/or directories).
	// Directories are watched recursively. Runs until Stop is called or
	// ctx is cancelled.
	Start(ctx context.Context, paths []string) error

	// Stop stops the watcher and releases resources. Safe to call
	// multiple times.
	Stop() error

	// Events returns a channel of debounced event batches. Closed when
	// the watcher stops.
	Events() <-chan []FileEvent

	// Errors returns a channel of non-fatal watcher errors. Closed when
	// the watcher stops.
	Errors() <-chan error
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the time to wait before emitting coalesced
	// events for the same path.
	DebounceWindow time.Duration

	// EventBufferSize is the size of the event channel buffer.
	EventBufferSize int
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		EventBufferSize: 256,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}
