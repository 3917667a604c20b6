package sync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw-labs/memory-index/internal/chunk"
	"github.com/openclaw-labs/memory-index/internal/embed"
	memerrors "github.com/openclaw-labs/memory-index/internal/errors"
	"github.com/openclaw-labs/memory-index/internal/session"
	"github.com/openclaw-labs/memory-index/internal/store"
	"github.com/openclaw-labs/memory-index/internal/watcher"

	"github.com/openclaw-labs/memory-index/internal/config"
)

// Syncer schedules and executes sync passes over memory files and session
// transcripts. It exclusively owns the watcher, the session-delta tracker,
// and the warm-session set (§4.3's ownership rule).
type Syncer struct {
	cfg      config.Config
	mgr      ManagerContext
	embedMgr *embed.Manager
	renderer TranscriptRenderer

	mdChunker   *chunk.MarkdownChunker
	sessChunker *chunk.SessionChunker

	workspaceDir string
	sessionsDir  string
	agentID      string

	w       watcher.Watcher
	tracker *session.Tracker
	bus     *session.Bus
	unsub   func()

	mu                 sync.Mutex
	dirty              bool
	sessionsDirty      bool
	sessionsDirtyFiles map[string]bool
	warmedSessions     map[string]bool

	inFlightMu sync.Mutex
	inFlight   *future

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Syncer. workspaceDir anchors the memory file set;
// sessionsDir is this agent's transcript directory (resolved by the host,
// not this module — path resolution is out of scope per spec's
// path-utility Non-goal).
func New(cfg config.Config, mgr ManagerContext, embedMgr *embed.Manager, renderer TranscriptRenderer, workspaceDir, sessionsDir, agentID string) *Syncer {
	chunkCfg := chunk.Config{
		ChunkSize:      cfg.Chunking.ChunkSize,
		ChunkOverlap:   cfg.Chunking.ChunkOverlap,
		RespectHeaders: cfg.Chunking.RespectHeaders,
	}

	return &Syncer{
		cfg:                cfg,
		mgr:                mgr,
		embedMgr:           embedMgr,
		renderer:           renderer,
		mdChunker:          chunk.NewMarkdownChunker(chunkCfg),
		sessChunker:        chunk.NewSessionChunker(chunkCfg),
		workspaceDir:       workspaceDir,
		sessionsDir:        sessionsDir,
		agentID:            agentID,
		tracker:            session.NewTracker(session.Thresholds{DeltaBytes: cfg.Sync.SessionDeltaBytes, DeltaMessages: cfg.Sync.SessionDeltaMessages}),
		bus:                session.DefaultBus,
		sessionsDirtyFiles: make(map[string]bool),
		warmedSessions:     make(map[string]bool),
		stopCh:             make(chan struct{}),
	}
}

func (s *Syncer) sourceEnabled(name string) bool {
	if len(s.cfg.Sync.Sources) == 0 {
		return true
	}
	for _, src := range s.cfg.Sync.Sources {
		if src == name {
			return true
		}
	}
	return false
}

// Start begins the watcher, session listener, and periodic timer per
// §4.3's three optional mechanisms, each gated on settings.
func (s *Syncer) Start(ctx context.Context) error {
	if s.sourceEnabled("memory") && s.cfg.Sync.Watch {
		w, err := watcher.NewMemoryWatcher(watcher.Options{DebounceWindow: s.cfg.Sync.WatchDebounce})
		if err != nil {
			return fmt.Errorf("start memory watcher: %w", err)
		}
		s.w = w
		go s.watchLoop(ctx)
	}

	if s.sourceEnabled("sessions") {
		s.unsub = s.bus.Subscribe(s.onSessionUpdate)
	}

	if s.cfg.Sync.PeriodicInterval > 0 {
		go s.periodicLoop(ctx)
	}

	return nil
}

func (s *Syncer) watchLoop(ctx context.Context) {
	paths := s.memoryWatchPaths()
	go func() { _ = s.w.Start(ctx, paths) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case batch, ok := <-s.w.Events():
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			s.markDirty()
			go func() {
				_, _ = s.Sync(ctx, Options{Reason: ReasonWatch})
			}()
		case err, ok := <-s.w.Errors():
			if !ok {
				return
			}
			_ = err // non-fatal; the watcher continues running
		}
	}
}

func (s *Syncer) memoryWatchPaths() []string {
	paths := []string{
		filepath.Join(s.workspaceDir, "MEMORY.md"),
		filepath.Join(s.workspaceDir, "memory.md"),
		filepath.Join(s.workspaceDir, "memory"),
	}
	for _, p := range s.cfg.Sync.MemoryPaths {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			continue // symlinks that don't resolve are filtered out
		}
		paths = append(paths, resolved)
	}
	return paths
}

func (s *Syncer) periodicLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sync.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Sync(ctx, Options{Reason: ReasonInterval})
		}
	}
}

// onSessionUpdate implements the session-delta policy: stat, accumulate
// pending bytes/newlines, and on crossing a threshold, mark the file dirty
// and start a "session-delta" sync right away. Notifications are not
// debounced: each one that crosses a threshold starts its own Sync call,
// and a call made while a pass is in flight waits on that pass.
func (s *Syncer) onSessionUpdate(u session.Update) {
	if !s.inSessionsDir(u.SessionFile) {
		return
	}

	indexable, err := s.tracker.Notify(u.SessionFile)
	if err != nil || !indexable {
		return
	}

	s.mu.Lock()
	s.sessionsDirty = true
	s.sessionsDirtyFiles[u.SessionFile] = true
	s.mu.Unlock()

	go func() {
		_, _ = s.Sync(context.Background(), Options{Reason: ReasonSessionDelta})
	}()
}

func (s *Syncer) inSessionsDir(path string) bool {
	if s.sessionsDir == "" {
		return true
	}
	rel, err := filepath.Rel(s.sessionsDir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func (s *Syncer) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// OnSessionStart schedules a "session-start" sync the first time this
// session key is seen, per §4.3's warm-session rule. Idempotent per key.
func (s *Syncer) OnSessionStart(ctx context.Context, sessionKey string) {
	if !s.cfg.Sync.OnSessionStart {
		return
	}
	s.mu.Lock()
	if s.warmedSessions[sessionKey] {
		s.mu.Unlock()
		return
	}
	s.warmedSessions[sessionKey] = true
	s.mu.Unlock()

	go func() {
		_, _ = s.Sync(ctx, Options{Reason: ReasonSessionStart})
	}()
}

// IsDirty reports whether either the memory or session source has pending
// changes not yet reflected in the index.
func (s *Syncer) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty || s.sessionsDirty
}

// TriggerSearchSync schedules a fire-and-forget "search" sync, per
// sync.onSearch (§4.4 step 2). It detaches from ctx so the background pass
// outlives the search() call that triggered it.
func (s *Syncer) TriggerSearchSync(ctx context.Context) {
	go func() {
		_, _ = s.Sync(context.Background(), Options{Reason: ReasonSearch})
	}()
}

// Sync runs a sync pass, or returns the result of an already in-flight
// one (§5: "sync() is serialized").
func (s *Syncer) Sync(ctx context.Context, opts Options) (bool, error) {
	if s.closed.Load() {
		return false, nil
	}

	s.inFlightMu.Lock()
	if s.inFlight != nil {
		f := s.inFlight
		s.inFlightMu.Unlock()
		return false, f.wait(ctx)
	}
	f := newFuture()
	s.inFlight = f
	s.inFlightMu.Unlock()

	err := s.runSync(ctx, opts)
	f.complete(err)

	s.inFlightMu.Lock()
	s.inFlight = nil
	s.inFlightMu.Unlock()

	return true, err
}

func (s *Syncer) runSync(ctx context.Context, opts Options) error {
	needsFull := s.needsFullReindex(opts.Force)

	if needsFull {
		return s.mgr.Reindex(ctx, func(ctx context.Context) error {
			return s.doPasses(ctx, true, opts)
		})
	}
	return s.doPasses(ctx, false, opts)
}

// needsFullReindex implements §4.3's full-reindex trigger conditions.
func (s *Syncer) needsFullReindex(force bool) bool {
	if force {
		return true
	}

	model, ok := s.mgr.ReadMeta(store.MetaKeyEmbeddingModel)
	if !ok {
		return true
	}
	provider, _ := s.mgr.ReadMeta(store.MetaKeyEmbeddingProvider)
	providerKey, _ := s.mgr.ReadMeta(store.MetaKeyProviderKey)
	chunkTokens, _ := s.mgr.ReadMeta(store.MetaKeyChunkTokens)
	chunkOverlap, _ := s.mgr.ReadMeta(store.MetaKeyChunkOverlap)
	_, dimsOK := s.mgr.ReadMeta(store.MetaKeyEmbeddingDims)

	status := s.embedMgr.Status()
	switch {
	case model != status.Model:
		return true
	case provider != string(status.Provider):
		return true
	case providerKey != status.ProviderKey:
		return true
	case chunkTokens != strconv.Itoa(s.cfg.Chunking.ChunkSize):
		return true
	case chunkOverlap != strconv.Itoa(s.cfg.Chunking.ChunkOverlap):
		return true
	case !dimsOK:
		return true
	}
	return false
}

// doPasses runs the memory and/or session passes per §4.3's per-source
// gating, then (on a full reindex) writes meta. Pruning the embedding
// cache is left to the Index Manager's Reindex.
func (s *Syncer) doPasses(ctx context.Context, isFullReindex bool, opts Options) error {
	s.mu.Lock()
	dirty := s.dirty
	sessionsDirty := s.sessionsDirty
	dirtyFiles := make(map[string]bool, len(s.sessionsDirtyFiles))
	for k, v := range s.sessionsDirtyFiles {
		dirtyFiles[k] = v
	}
	s.mu.Unlock()

	syncMemory := s.sourceEnabled("memory") && (opts.Force || isFullReindex || dirty)
	syncSessions := s.sourceEnabled("sessions") && (opts.Force || isFullReindex ||
		(sessionsDirty && len(dirtyFiles) > 0 && opts.Reason != ReasonSessionStart && opts.Reason != ReasonWatch))

	var memFiles []fileEntry
	var sessFiles []string
	var err error

	if syncMemory {
		memFiles, err = s.enumerateMemoryFiles()
		if err != nil {
			return memerrors.SyncError("enumerate memory files", err)
		}
	}
	if syncSessions {
		if !isFullReindex && len(dirtyFiles) > 0 {
			for f := range dirtyFiles {
				sessFiles = append(sessFiles, f)
			}
		} else {
			sessFiles, err = s.enumerateSessionFiles()
			if err != nil {
				return memerrors.SyncError("enumerate session files", err)
			}
		}
	}

	total := len(memFiles) + len(sessFiles)
	var completed atomic.Int64
	report := func(label string) {
		if opts.Progress == nil {
			return
		}
		opts.Progress(Progress{Completed: int(completed.Add(1)), Total: total, Label: label})
	}

	concurrency := s.embedMgr.IndexConcurrency()
	if s.cfg.Sync.IndexConcurrency > 0 {
		concurrency = s.cfg.Sync.IndexConcurrency
	}

	if syncMemory {
		if err := s.memoryPass(ctx, memFiles, isFullReindex, concurrency, report); err != nil {
			return err
		}
	}
	if syncSessions {
		if err := s.sessionPass(ctx, sessFiles, isFullReindex, concurrency, report); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if syncMemory {
		s.dirty = false
	}
	if syncSessions {
		s.sessionsDirty = false
		s.sessionsDirtyFiles = make(map[string]bool)
	}
	s.mu.Unlock()

	if isFullReindex {
		status := s.embedMgr.Status()
		if err := s.mgr.WriteMeta(store.MetaKeyEmbeddingModel, status.Model); err != nil {
			return memerrors.SyncError("write meta", err)
		}
		if err := s.mgr.WriteMeta(store.MetaKeyEmbeddingProvider, string(status.Provider)); err != nil {
			return memerrors.SyncError("write meta", err)
		}
		if err := s.mgr.WriteMeta(store.MetaKeyProviderKey, status.ProviderKey); err != nil {
			return memerrors.SyncError("write meta", err)
		}
		if err := s.mgr.WriteMeta(store.MetaKeyChunkTokens, strconv.Itoa(s.cfg.Chunking.ChunkSize)); err != nil {
			return memerrors.SyncError("write meta", err)
		}
		if err := s.mgr.WriteMeta(store.MetaKeyChunkOverlap, strconv.Itoa(s.cfg.Chunking.ChunkOverlap)); err != nil {
			return memerrors.SyncError("write meta", err)
		}
		if err := s.mgr.EnsureVectorReady(status.Dimensions); err != nil {
			return memerrors.SyncError("ensure vector ready", err)
		}
		if status.Dimensions > 0 {
			if err := s.mgr.WriteMeta(store.MetaKeyEmbeddingDims, strconv.Itoa(status.Dimensions)); err != nil {
				return memerrors.SyncError("write meta", err)
			}
		}
	}

	return nil
}

// memoryPass implements §4.3's memory pass: enumerate, skip unchanged
// files by hash, indexFile the rest, then prune stale rows.
func (s *Syncer) memoryPass(ctx context.Context, files []fileEntry, isFullReindex bool, concurrency int, report func(string)) error {
	st := s.mgr.Store()
	active := make(map[string]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, f := range files {
		f := f
		active[f.path] = true
		if !isFullReindex {
			if existingHash, ok := st.GetFileHash(f.path); ok && existingHash == f.hash {
				report(f.path)
				continue
			}
		}
		g.Go(func() error {
			content, err := os.ReadFile(f.absPath)
			if err != nil {
				return memerrors.SyncError(fmt.Sprintf("read %s", f.absPath), err)
			}
			err = s.indexFile(gctx, st, f, string(content), store.SourceMemory, nil)
			report(f.path)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return s.pruneStale(st, store.SourceMemory, active)
}

// sessionPass implements §4.3's session pass.
func (s *Syncer) sessionPass(ctx context.Context, paths []string, isFullReindex bool, concurrency int, report func(string)) error {
	st := s.mgr.Store()
	active := make(map[string]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, p := range paths {
		p := p
		active[p] = true

		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		rendered, lineMap, err := s.renderer.Render(p)
		if err != nil {
			return memerrors.SyncError(fmt.Sprintf("render transcript %s", p), err)
		}
		hash := store.ContentHash(rendered)

		if !isFullReindex {
			if existingHash, ok := st.GetFileHash(p); ok && existingHash == hash {
				s.tracker.Reset(p, info.Size())
				report(p)
				continue
			}
		}

		entry := fileEntry{path: p, absPath: p, hash: hash, size: info.Size(), mtimeMs: info.ModTime().UnixMilli()}
		g.Go(func() error {
			err := s.indexFile(gctx, st, entry, rendered, store.SourceSession, lineMap)
			s.tracker.Reset(p, info.Size())
			report(p)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return s.pruneStale(st, store.SourceSession, active)
}

// indexFile implements §4.3's indexFile: chunk, clip, embed, delete old
// rows, reinsert, upsert the files row.
func (s *Syncer) indexFile(ctx context.Context, st *store.Store, f fileEntry, content string, source store.Source, lineMap []int) error {
	input := &chunk.FileInput{Path: f.path, Source: source, Content: []byte(content)}

	var chunks []*chunk.Chunk
	var err error
	if source == store.SourceSession {
		chunks, err = s.sessChunker.ChunkRendered(ctx, input, content, lineMap)
	} else {
		chunks, err = s.mdChunker.Chunk(ctx, input)
	}
	if err != nil {
		return memerrors.SyncError(fmt.Sprintf("chunk %s", f.path), err)
	}

	maxBytes := s.cfg.Embeddings.MaxBatchBytes
	if maxBytes <= 0 {
		maxBytes = embed.DefaultBatchMaxBytes
	}
	hashes := make([]string, len(chunks))
	inputs := make([]embed.ChunkInput, len(chunks))
	for i, c := range chunks {
		hashes[i] = chunk.ContentHash(c.Text)
		inputs[i] = embed.ChunkInput{Hash: hashes[i], Text: chunk.ClipToByteLimit(c.Text, maxBytes)}
	}

	var vectors [][]float32
	if len(inputs) > 0 {
		vectors, err = s.embedMgr.EmbedChunks(ctx, inputs)
		if err != nil {
			return memerrors.SyncError(fmt.Sprintf("embed %s", f.path), err)
		}
	}

	if err := st.DeleteByPath(f.path); err != nil {
		return memerrors.SyncError(fmt.Sprintf("delete stale rows for %s", f.path), err)
	}

	status := s.embedMgr.Status()
	if status.Dimensions > 0 {
		if err := s.mgr.EnsureVectorReady(status.Dimensions); err != nil {
			return memerrors.SyncError("ensure vector ready", err)
		}
	}

	storeChunks := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		storeChunks[i] = store.Chunk{
			ID:        chunkID(f.path, source, c.StartLine, hashes[i]),
			Path:      f.path,
			Source:    source,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Hash:      hashes[i],
			Model:     status.Model,
			Text:      c.Text,
			Embedding: vec,
		}
	}
	if len(storeChunks) > 0 {
		if err := st.UpsertChunks(storeChunks); err != nil {
			return memerrors.SyncError(fmt.Sprintf("upsert chunks for %s", f.path), err)
		}
	}

	return st.UpsertFile(store.File{Path: f.path, Source: source, Hash: f.hash, MTime: f.mtimeMs, Size: f.size})
}

func chunkID(path string, source store.Source, startLine int, hash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", path, source, startLine, hash)))
	return fmt.Sprintf("%x", sum[:8])
}

func (s *Syncer) pruneStale(st *store.Store, source store.Source, active map[string]bool) error {
	existing, err := st.ListFilesBySource(source)
	if err != nil {
		return memerrors.SyncError("list files for stale prune", err)
	}
	for _, f := range existing {
		if active[f.Path] {
			continue
		}
		if err := st.DeleteByPath(f.Path); err != nil {
			return memerrors.SyncError(fmt.Sprintf("delete stale rows for %s", f.Path), err)
		}
		if err := st.DeleteFile(f.Path); err != nil {
			return memerrors.SyncError(fmt.Sprintf("delete stale file row for %s", f.Path), err)
		}
	}
	return nil
}

func (s *Syncer) enumerateMemoryFiles() ([]fileEntry, error) {
	var entries []fileEntry

	candidates := []string{
		filepath.Join(s.workspaceDir, "MEMORY.md"),
		filepath.Join(s.workspaceDir, "memory.md"),
	}
	for _, p := range candidates {
		if e, ok := statFileEntry(p); ok {
			entries = append(entries, e)
		}
	}

	memDir := filepath.Join(s.workspaceDir, "memory")
	if info, err := os.Stat(memDir); err == nil && info.IsDir() {
		walked, err := walkMarkdownFiles(memDir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, walked...)
	}

	for _, p := range s.cfg.Sync.MemoryPaths {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			continue
		}
		if info, err := os.Stat(resolved); err == nil {
			if info.IsDir() {
				walked, err := walkMarkdownFiles(resolved)
				if err != nil {
					return nil, err
				}
				entries = append(entries, walked...)
			} else if e, ok := statFileEntry(resolved); ok {
				entries = append(entries, e)
			}
		}
	}

	return entries, nil
}

func walkMarkdownFiles(root string) ([]fileEntry, error) {
	var entries []fileEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".md" {
			return nil
		}
		if e, ok := statFileEntry(path); ok {
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func statFileEntry(path string) (fileEntry, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileEntry{}, false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fileEntry{}, false
	}
	return fileEntry{
		path:    path,
		absPath: path,
		hash:    store.ContentHash(string(content)),
		size:    info.Size(),
		mtimeMs: info.ModTime().UnixMilli(),
	}, true
}

func (s *Syncer) enumerateSessionFiles() ([]string, error) {
	if s.sessionsDir == "" {
		return nil, nil
	}
	var paths []string
	err := filepath.WalkDir(s.sessionsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return paths, nil
}

// Close tears the Syncer down: stop all timers, unsubscribe the session
// listener, close the watcher. Safe to call multiple times.
func (s *Syncer) Close() error {
	var err error
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		if s.unsub != nil {
			s.unsub()
		}
		if s.w != nil {
			err = s.w.Stop()
		}
	})
	return err
}
