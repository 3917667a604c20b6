// Package fslock provides cross-process file locking used to serialize
// operations that must not run concurrently across separate instances of
// the index — in particular the Index Manager's crash-safe reindex swap.
package fslock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock guards a named resource with an on-disk lock file, using
// gofrs/flock so it works across processes on Unix, Linux, macOS, and
// Windows alike.
type Lock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a lock for the named resource, stored at
// <dir>/.<name>.lock.
func New(dir, name string) *Lock {
	path := filepath.Join(dir, "."+name+".lock")
	return &Lock{path: path, flock: flock.New(path)}
}

// Lock acquires an exclusive lock, blocking until it is available.
func (l *Lock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	l.locked = true
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *Lock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call multiple times or when unlocked.
func (l *Lock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// IsLocked reports whether this Lock currently holds the lock.
func (l *Lock) IsLocked() bool { return l.locked }
