package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw-labs/memory-index/internal/config"
	"github.com/openclaw-labs/memory-index/internal/embed"
	"github.com/openclaw-labs/memory-index/internal/session"
	"github.com/openclaw-labs/memory-index/internal/store"
)

// fakeManagerContext implements ManagerContext directly over a live store,
// with Reindex running the callback in place (no temp-store swap) since
// that crash-safety machinery belongs to the Index Manager, not the Syncer.
type fakeManagerContext struct {
	st *store.Store
}

func (f *fakeManagerContext) Store() *store.Store           { return f.st }
func (f *fakeManagerContext) EnsureVectorReady(int) error    { return nil }
func (f *fakeManagerContext) ReadMeta(key string) (string, bool) { return f.st.GetMeta(key) }
func (f *fakeManagerContext) WriteMeta(key, value string) error  { return f.st.SetMeta(key, value) }
func (f *fakeManagerContext) Reindex(ctx context.Context, cb func(ctx context.Context) error) error {
	return cb(ctx)
}

type fakeRenderer struct{}

func (fakeRenderer) Render(path string) (string, []int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return string(content), nil, nil
}

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Chunking.ChunkSize = 200
	cfg.Chunking.ChunkOverlap = 20
	cfg.Embeddings.Provider = "local"
	cfg.Embeddings.Dimensions = 8
	cfg.Sync.Watch = false
	cfg.Sync.OnSessionStart = false
	cfg.Sync.PeriodicInterval = 0
	cfg.Sync.SessionDeltaBytes = 1024
	cfg.Sync.SessionDeltaMessages = 5
	return cfg
}

func newTestSyncer(t *testing.T, workspaceDir, sessionsDir string) (*Syncer, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	st, err := store.Open(dbPath, 1000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	provider := embed.NewLocalProvider(cfg.Embeddings.Dimensions)
	embedMgr := embed.NewManager(cfg.Embeddings, provider, st, nil)

	mgr := &fakeManagerContext{st: st}
	syncer := New(cfg, mgr, embedMgr, fakeRenderer{}, workspaceDir, sessionsDir, "agent-1")
	return syncer, st
}

func TestSyncer_ForceSync_IndexesNewMemoryFile(t *testing.T) {
	workspace := t.TempDir()
	memDir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		t.Fatalf("mkdir memory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(memDir, "a.md"), []byte("alpha\n"), 0o644); err != nil {
		t.Fatalf("write a.md: %v", err)
	}

	syncer, st := newTestSyncer(t, workspace, "")

	ran, err := syncer.Sync(context.Background(), Options{Reason: ReasonForce, Force: true})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !ran {
		t.Fatal("expected sync to run")
	}

	files, err := st.ListFilesBySource(store.SourceMemory)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 memory file indexed, got %d", len(files))
	}
	if st.ChunkCount() == 0 {
		t.Fatal("expected at least one chunk indexed")
	}
}

func TestSyncer_Sync_SkipsUnchangedFileOnIncrementalPass(t *testing.T) {
	workspace := t.TempDir()
	memDir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		t.Fatalf("mkdir memory: %v", err)
	}
	path := filepath.Join(memDir, "a.md")
	if err := os.WriteFile(path, []byte("alpha\n"), 0o644); err != nil {
		t.Fatalf("write a.md: %v", err)
	}

	syncer, st := newTestSyncer(t, workspace, "")

	if _, err := syncer.Sync(context.Background(), Options{Reason: ReasonForce, Force: true}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	firstCount := st.ChunkCount()

	syncer.markDirty()
	if _, err := syncer.Sync(context.Background(), Options{Reason: ReasonWatch}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if st.ChunkCount() != firstCount {
		t.Fatalf("expected chunk count unchanged on rehash-match, got %d want %d", st.ChunkCount(), firstCount)
	}

	if err := os.WriteFile(path, []byte("alpha beta gamma\n"), 0o644); err != nil {
		t.Fatalf("rewrite a.md: %v", err)
	}
	syncer.markDirty()
	if _, err := syncer.Sync(context.Background(), Options{Reason: ReasonWatch}); err != nil {
		t.Fatalf("third sync: %v", err)
	}

	hash, ok := st.GetFileHash(path)
	if !ok {
		t.Fatal("expected file hash recorded")
	}
	if hash != store.ContentHash("alpha beta gamma\n") {
		t.Fatal("expected updated content hash after rewrite")
	}
}

func TestSyncer_Sync_InFlightDedup(t *testing.T) {
	workspace := t.TempDir()
	memDir := filepath.Join(workspace, "memory")
	_ = os.MkdirAll(memDir, 0o755)
	_ = os.WriteFile(filepath.Join(memDir, "a.md"), []byte("alpha\n"), 0o644)

	syncer, _ := newTestSyncer(t, workspace, "")

	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := syncer.Sync(context.Background(), Options{Reason: ReasonForce, Force: true})
			results <- err
		}()
	}
	close(start)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("concurrent sync returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent sync")
		}
	}
}

func TestSyncer_NeedsFullReindex_NoMetaYet(t *testing.T) {
	workspace := t.TempDir()
	syncer, _ := newTestSyncer(t, workspace, "")

	if !syncer.needsFullReindex(false) {
		t.Fatal("expected full reindex when no meta is recorded yet")
	}
}

func TestSyncer_NeedsFullReindex_AfterMatchingMeta(t *testing.T) {
	workspace := t.TempDir()
	syncer, _ := newTestSyncer(t, workspace, "")

	if _, err := syncer.Sync(context.Background(), Options{Reason: ReasonForce, Force: true}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if syncer.needsFullReindex(false) {
		t.Fatal("expected no full reindex needed once meta matches current settings")
	}
}

func TestSyncer_NeedsFullReindex_ChunkSizeChange(t *testing.T) {
	workspace := t.TempDir()
	syncer, _ := newTestSyncer(t, workspace, "")

	if _, err := syncer.Sync(context.Background(), Options{Reason: ReasonForce, Force: true}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	syncer.cfg.Chunking.ChunkSize += 1
	if !syncer.needsFullReindex(false) {
		t.Fatal("expected full reindex after chunk size change")
	}
}

func TestSyncer_SessionDelta_TriggersOnByteThreshold(t *testing.T) {
	workspace := t.TempDir()
	sessionsDir := t.TempDir()
	sessionFile := filepath.Join(sessionsDir, "s1.jsonl")
	if err := os.WriteFile(sessionFile, []byte(""), 0o644); err != nil {
		t.Fatalf("create session file: %v", err)
	}

	syncer, st := newTestSyncer(t, workspace, sessionsDir)
	unsub := session.DefaultBus.Subscribe(syncer.onSessionUpdate)
	defer unsub()

	if err := os.WriteFile(sessionFile, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("append 512 bytes: %v", err)
	}
	session.DefaultBus.Publish(sessionFile)
	time.Sleep(50 * time.Millisecond)

	delta, _ := syncer.tracker.Get(sessionFile)
	if delta.PendingBytes != 512 {
		t.Fatalf("expected 512 pending bytes below threshold, got %d", delta.PendingBytes)
	}

	buf := make([]byte, 512+600)
	if err := os.WriteFile(sessionFile, buf, 0o644); err != nil {
		t.Fatalf("append past threshold: %v", err)
	}
	session.DefaultBus.Publish(sessionFile)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		files, err := st.ListFilesBySource(store.SourceSession)
		if err == nil && len(files) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected session delta to trigger a reindex within the deadline")
}

func TestSyncer_Close_IsIdempotent(t *testing.T) {
	workspace := t.TempDir()
	syncer, _ := newTestSyncer(t, workspace, "")

	if err := syncer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := syncer.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := syncer.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
