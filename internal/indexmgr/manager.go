// Package indexmgr is the Index Manager façade (§4.5): the per-agent,
// per-workspace owner of the store, the Embedding Manager, the Syncer, and
// the hybrid Searcher, plus the crash-safe full-reindex swap all four
// share.
package indexmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/openclaw-labs/memory-index/internal/config"
	"github.com/openclaw-labs/memory-index/internal/embed"
	memerrors "github.com/openclaw-labs/memory-index/internal/errors"
	"github.com/openclaw-labs/memory-index/internal/fslock"
	"github.com/openclaw-labs/memory-index/internal/search"
	"github.com/openclaw-labs/memory-index/internal/store"
	memsync "github.com/openclaw-labs/memory-index/internal/sync"
)

// Manager owns one agent+workspace's index: the live store, the Embedding
// Manager, the Syncer, and the hybrid Searcher. It implements
// sync.ManagerContext so the Syncer can drive a reindex without holding a
// reference back to Manager itself.
type Manager struct {
	cfg     config.Config
	agentID string
	dbPath  string

	mu stdsync.RWMutex
	st *store.Store

	embedMgr *embed.Manager
	searcher *search.Searcher
	syncer   *memsync.Syncer
	lock     *fslock.Lock
}

var _ memsync.ManagerContext = (*Manager)(nil)

// Open builds a Manager for one agent/workspace: opens the store, builds
// the embedding provider and Manager, the hybrid Searcher, and the
// Syncer, then starts the Syncer's watcher/timer/session-listener.
func Open(ctx context.Context, cfg config.Config, agentID, workspaceDir, sessionsDir string, apiKey string, renderer memsync.TranscriptRenderer) (*Manager, error) {
	st, err := store.Open(cfg.Store.Path, cfg.Store.EmbeddingCacheMaxEntries)
	if err != nil {
		return nil, err
	}

	provider, err := embed.NewProvider(cfg.Embeddings, apiKey, nil)
	if err != nil {
		st.Close()
		return nil, memerrors.ConfigError("build embedding provider", err)
	}

	resolveFallback := func(id embed.ProviderID) (embed.EmbeddingProvider, error) {
		fallbackCfg := cfg.Embeddings
		fallbackCfg.Provider = string(id)
		fallbackCfg.Model = embed.FallbackModel(id)
		return embed.NewProvider(fallbackCfg, apiKey, nil)
	}

	embedMgr := embed.NewManager(cfg.Embeddings, provider, st, resolveFallback)

	m := &Manager{
		cfg:      cfg,
		agentID:  agentID,
		dbPath:   cfg.Store.Path,
		st:       st,
		embedMgr: embedMgr,
		lock:     fslock.New(storeDir(cfg.Store.Path), "reindex"),
	}

	m.syncer = memsync.New(cfg, m, embedMgr, renderer, workspaceDir, sessionsDir, agentID)
	m.searcher = search.New(st, embedMgr, cfg.Hybrid, cfg.Sync, m.syncer)

	if err := m.syncer.Start(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return m, nil
}

// cacheKey identifies one process-wide Manager instance: a given agent's
// index for a given workspace, under a given settings snapshot. A
// settings change (different embedding model, different chunk sizing,
// ...) gets its own Manager rather than silently reusing a stale one.
type cacheKey struct {
	agentID      string
	workspaceDir string
	settingsHash string
}

// cache is the process-wide registry of open Managers, keyed by agent +
// workspace + settings snapshot (§5).
var cache stdsync.Map // cacheKey -> *Manager

func settingsHash(cfg config.Config) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", cfg)))
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the process-wide Manager for (agentID, workspaceDir,
// cfg), opening and caching one on first use. Concurrent first calls for
// the same key both run Open; the loser closes its Manager and adopts the
// winner's via LoadOrStore.
func GetOrCreate(ctx context.Context, cfg config.Config, agentID, workspaceDir, sessionsDir, apiKey string, renderer memsync.TranscriptRenderer) (*Manager, error) {
	key := cacheKey{agentID: agentID, workspaceDir: workspaceDir, settingsHash: settingsHash(cfg)}

	if m, ok := cache.Load(key); ok {
		return m.(*Manager), nil
	}

	m, err := Open(ctx, cfg, agentID, workspaceDir, sessionsDir, apiKey, renderer)
	if err != nil {
		return nil, err
	}

	actual, loaded := cache.LoadOrStore(key, m)
	if loaded {
		m.Close()
	}
	return actual.(*Manager), nil
}

// releaseForTest evicts a cached Manager, for use by this package's own
// tests so repeated cases don't accumulate cache entries.
func releaseForTest(cfg config.Config, agentID, workspaceDir string) {
	key := cacheKey{agentID: agentID, workspaceDir: workspaceDir, settingsHash: settingsHash(cfg)}
	cache.Delete(key)
}

func storeDir(dbPath string) string {
	dir := dbPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return "."
}

// Store returns the currently-live store handle.
func (m *Manager) Store() *store.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// EnsureVectorReady lazily records the active embedding dimensionality in
// meta, or reports a dimension mismatch (triggering a full reindex) if a
// different dimensionality was already recorded.
func (m *Manager) EnsureVectorReady(dims int) error {
	st := m.Store()
	existing, ok := st.GetMeta(store.MetaKeyEmbeddingDims)
	if !ok {
		return st.SetMeta(store.MetaKeyEmbeddingDims, strconv.Itoa(dims))
	}
	existingDims, _ := strconv.Atoi(existing)
	if existingDims != 0 && existingDims != dims {
		return store.ErrDimensionMismatch{Expected: existingDims, Got: dims}
	}
	return st.SetMeta(store.MetaKeyEmbeddingDims, strconv.Itoa(dims))
}

// ReadMeta/WriteMeta proxy to the live store's meta table.
func (m *Manager) ReadMeta(key string) (string, bool) {
	return m.Store().GetMeta(key)
}

func (m *Manager) WriteMeta(key, value string) error {
	return m.Store().SetMeta(key, value)
}

// Search runs a hybrid search against the live store.
func (m *Manager) Search(ctx context.Context, query string, opts search.Options) ([]store.SearchResult, error) {
	return m.searcher.Search(ctx, query, opts)
}

// Sync triggers a sync pass through the owned Syncer.
func (m *Manager) Sync(ctx context.Context, opts memsync.Options) (bool, error) {
	return m.syncer.Sync(ctx, opts)
}

// OnSessionStart forwards to the Syncer's warm-session logic.
func (m *Manager) OnSessionStart(ctx context.Context, sessionKey string) {
	m.syncer.OnSessionStart(ctx, sessionKey)
}

// ChunkCount reports how many chunks the live store currently holds.
func (m *Manager) ChunkCount() int {
	return m.Store().ChunkCount()
}

// Status summarizes this Manager's current state for diagnostics,
// combining the embedding status with index size.
type Status struct {
	Embedding   embed.Status
	ChunkCount  int
	VectorCount int
}

func (m *Manager) Status() Status {
	st := m.Store()
	return Status{
		Embedding:   m.embedMgr.Status(),
		ChunkCount:  st.ChunkCount(),
		VectorCount: st.VectorCount(),
	}
}

// GetFile returns a line range from path, 1-indexed and inclusive,
// clamped to the file's actual line count. numLines <= 0 returns to the
// end of the file.
func (m *Manager) GetFile(path string, fromLine, numLines int) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", memerrors.New(memerrors.ErrCodeFileNotFound, "read file", err)
	}

	lines := splitLines(string(content))
	if fromLine < 1 {
		fromLine = 1
	}
	start := fromLine - 1
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if numLines > 0 && start+numLines < end {
		end = start + numLines
	}
	return joinLines(lines[start:end]), nil
}

// Close tears down the Syncer and the live store.
func (m *Manager) Close() error {
	if err := m.syncer.Close(); err != nil {
		return err
	}
	return m.Store().Close()
}

// Reindex runs cb against a freshly rebuilt temporary store, seeded from
// the live store's embedding cache, and atomically swaps it in on
// success (§4.5). On any failure the live store is left untouched.
func (m *Manager) Reindex(ctx context.Context, cb func(ctx context.Context) error) error {
	if err := m.lock.Lock(); err != nil {
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}
	defer m.lock.Unlock()

	liveSt := m.Store()
	tmpPath := m.dbPath + ".tmp-" + uuid.NewString()

	tmpSt, err := store.Open(tmpPath, m.cfg.Store.EmbeddingCacheMaxEntries)
	if err != nil {
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	if err := seedEmbeddingCache(liveSt, tmpSt); err != nil {
		tmpSt.Close()
		removeStoreFiles(tmpPath)
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	m.mu.Lock()
	m.st = tmpSt
	m.mu.Unlock()

	cbErr := cb(ctx)

	if cbErr != nil {
		m.mu.Lock()
		m.st = liveSt
		m.mu.Unlock()
		tmpSt.Close()
		removeStoreFiles(tmpPath)
		return cbErr
	}

	if err := tmpSt.PruneEmbeddingCache(m.cfg.Store.EmbeddingCacheMaxEntries); err != nil {
		m.mu.Lock()
		m.st = liveSt
		m.mu.Unlock()
		tmpSt.Close()
		removeStoreFiles(tmpPath)
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	if err := tmpSt.Close(); err != nil {
		m.mu.Lock()
		m.st = liveSt
		m.mu.Unlock()
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}
	if err := liveSt.Close(); err != nil {
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	if err := swapStoreFiles(m.dbPath, tmpPath); err != nil {
		// Best-effort recovery: reopen the original path, which the
		// failed swap should have left intact or restored.
		reopened, reopenErr := store.Open(m.dbPath, m.cfg.Store.EmbeddingCacheMaxEntries)
		if reopenErr == nil {
			m.mu.Lock()
			m.st = reopened
			m.mu.Unlock()
		}
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	newSt, err := store.Open(m.dbPath, m.cfg.Store.EmbeddingCacheMaxEntries)
	if err != nil {
		return memerrors.Wrap(memerrors.ErrCodeSwapFailure, err)
	}

	m.mu.Lock()
	m.st = newSt
	m.mu.Unlock()

	m.searcher = search.New(newSt, m.embedMgr, m.cfg.Hybrid, m.cfg.Sync, m.syncer)
	return nil
}

// seedEmbeddingCache copies every embedding_cache row from src into dst in
// one transaction, so a full reindex doesn't have to re-embed content
// whose hash/provider/model hasn't changed.
func seedEmbeddingCache(src, dst *store.Store) error {
	rows, err := src.DB().Query(`SELECT hash, provider, model, embedding, dims, updated_at FROM embedding_cache`)
	if err != nil {
		return fmt.Errorf("query source embedding_cache: %w", err)
	}
	defer rows.Close()

	tx, err := dst.DB().Begin()
	if err != nil {
		return fmt.Errorf("begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	for rows.Next() {
		var hash, provider, model string
		var embedding []byte
		var dims int
		var updatedAt int64
		if err := rows.Scan(&hash, &provider, &model, &embedding, &dims, &updatedAt); err != nil {
			return fmt.Errorf("scan embedding_cache row: %w", err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO embedding_cache (hash, provider, model, embedding, dims, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			hash, provider, model, embedding, dims, updatedAt); err != nil {
			return fmt.Errorf("seed embedding_cache row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// swapStoreFiles atomically replaces dbPath's on-disk files (the main
// database plus its WAL/SHM siblings) with tmpPath's, backing up the
// original first so a failed rename can be rolled back.
func swapStoreFiles(dbPath, tmpPath string) error {
	suffixes := []string{"", "-wal", "-shm"}
	backups := make([]string, 0, len(suffixes))

	rollback := func() {
		for _, b := range backups {
			orig := b[:len(b)-len(".bak")]
			_ = os.Rename(b, orig)
		}
	}

	for _, suf := range suffixes {
		orig := dbPath + suf
		if _, err := os.Stat(orig); err != nil {
			continue
		}
		backup := orig + ".bak"
		if err := os.Rename(orig, backup); err != nil {
			rollback()
			return fmt.Errorf("back up %s: %w", orig, err)
		}
		backups = append(backups, backup)
	}

	for _, suf := range suffixes {
		tmp := tmpPath + suf
		if _, err := os.Stat(tmp); err != nil {
			continue
		}
		if err := os.Rename(tmp, dbPath+suf); err != nil {
			rollback()
			return fmt.Errorf("swap in %s: %w", tmp, err)
		}
	}

	for _, b := range backups {
		_ = os.Remove(b)
	}
	return nil
}

func removeStoreFiles(path string) {
	for _, suf := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suf)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
