// Package sync schedules and executes incremental and full reindex passes
// over memory files and session transcripts, driven by a filesystem
// watcher, a session-delta tracker, and a periodic timer.
package sync

import (
	"context"

	"github.com/openclaw-labs/memory-index/internal/store"
)

// ManagerContext is the Index Manager's capability surface as seen by the
// Syncer. The Syncer never holds a direct reference to the Index Manager
// (that would be a back-pointer cycle): it only depends on this interface,
// per the four capabilities a sub-component actually needs — the live
// store handle, vector-readiness, meta read/write, and reindex.
type ManagerContext interface {
	// Store returns the currently-live store handle. During a reindex
	// this is redirected to the temporary store until the swap completes.
	Store() *store.Store

	// EnsureVectorReady lazily prepares the vector index for the given
	// dimensionality, returning an error if a dimension change requires
	// a full reindex instead.
	EnsureVectorReady(dims int) error

	// ReadMeta/WriteMeta proxy to the live store's meta table.
	ReadMeta(key string) (string, bool)
	WriteMeta(key, value string) error

	// Reindex runs cb() against a freshly rebuilt temporary store and
	// atomically swaps it in on success (§4.5).
	Reindex(ctx context.Context, cb func(ctx context.Context) error) error
}
