package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openclaw-labs/memory-index/internal/config"
	"github.com/openclaw-labs/memory-index/internal/embed"
	"github.com/openclaw-labs/memory-index/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "index.db"), 1000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func defaultHybridConfig() config.HybridConfig {
	return config.HybridConfig{
		Enabled:             true,
		VectorWeight:        0.5,
		TextWeight:          0.5,
		CandidateMultiplier: 5,
		MinScore:            0,
		MaxResults:          10,
	}
}

func TestCandidateCount_ClampsToBounds(t *testing.T) {
	cases := []struct {
		maxResults int
		multiplier float64
		want       int
	}{
		{maxResults: 10, multiplier: 5, want: 50},
		{maxResults: 10, multiplier: 100, want: 200},
		{maxResults: 1, multiplier: 0, want: 1},
	}
	for _, c := range cases {
		if got := candidateCount(c.maxResults, c.multiplier); got != c.want {
			t.Fatalf("candidateCount(%d, %v) = %d, want %d", c.maxResults, c.multiplier, got, c.want)
		}
	}
}

func TestFuse_CombinesBothSidesAndZeroFillsMissing(t *testing.T) {
	keyword := []store.SearchResult{{ChunkID: "a", Score: 1.0}, {ChunkID: "b", Score: 0.5}}
	vector := []store.SearchResult{{ChunkID: "b", Score: 0.8}, {ChunkID: "c", Score: 0.4}}

	fused := fuse(keyword, vector, 0.5, 0.5)
	scores := map[string]float64{}
	for _, r := range fused {
		scores[r.ChunkID] = r.Score
	}

	if len(fused) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(fused))
	}
	if scores["a"] != 0.5 { // 0.5*1.0 text, 0 vector
		t.Fatalf("expected a's score 0.5, got %v", scores["a"])
	}
	if scores["b"] != 0.65 { // 0.5*0.5 + 0.5*0.8
		t.Fatalf("expected b's score 0.65, got %v", scores["b"])
	}
	if scores["c"] != 0.2 { // 0.5*0.4 vector only
		t.Fatalf("expected c's score 0.2, got %v", scores["c"])
	}
}

func TestSearcher_Search_FindsIndexedChunk(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	vec, err := embedMgr.EmbedQuery(context.Background(), "alpha beta gamma")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	if err := st.UpsertChunks([]store.Chunk{{
		ID: "c1", Path: "memory/a.md", Source: store.SourceMemory,
		StartLine: 1, EndLine: 1, Hash: store.ContentHash("alpha beta gamma"),
		Model: provider.Model(), Text: "alpha beta gamma", Embedding: vec,
	}}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	searcher := New(st, embedMgr, defaultHybridConfig(), config.SyncConfig{}, nil)
	results, err := searcher.Search(context.Background(), "alpha beta", Options{MaxResults: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
	if results[0].ChunkID != "c1" {
		t.Fatalf("expected top hit c1, got %s", results[0].ChunkID)
	}
}

func TestSearcher_Search_FiltersBySource(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	vec, _ := embedMgr.EmbedQuery(context.Background(), "alpha beta gamma")
	if err := st.UpsertChunks([]store.Chunk{
		{ID: "mem1", Path: "memory/a.md", Source: store.SourceMemory, StartLine: 1, EndLine: 1,
			Hash: store.ContentHash("alpha beta gamma"), Model: provider.Model(), Text: "alpha beta gamma", Embedding: vec},
		{ID: "sess1", Path: "sessions/s1.jsonl", Source: store.SourceSession, StartLine: 1, EndLine: 1,
			Hash: store.ContentHash("alpha beta delta"), Model: provider.Model(), Text: "alpha beta delta", Embedding: vec},
	}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	searcher := New(st, embedMgr, defaultHybridConfig(), config.SyncConfig{}, nil)
	results, err := searcher.Search(context.Background(), "alpha beta", Options{MaxResults: 5, Sources: []store.Source{store.SourceMemory}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Source != store.SourceMemory {
			t.Fatalf("expected only memory-source results, got %s", r.Source)
		}
	}
}

func TestSearcher_Search_EmptyQueryShortCircuits(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	searcher := New(st, embedMgr, defaultHybridConfig(), config.SyncConfig{}, nil)
	results, err := searcher.Search(context.Background(), "   ", Options{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for an empty query, got %d", len(results))
	}
}

func TestSearcher_Search_HybridDisabledReturnsRawVectorResults(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	vec, err := embedMgr.EmbedQuery(context.Background(), "alpha beta gamma")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	if err := st.UpsertChunks([]store.Chunk{{
		ID: "c1", Path: "memory/a.md", Source: store.SourceMemory,
		StartLine: 1, EndLine: 1, Hash: store.ContentHash("alpha beta gamma"),
		Model: provider.Model(), Text: "alpha beta gamma", Embedding: vec,
	}}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	hybridCfg := defaultHybridConfig()
	hybridCfg.Enabled = false
	searcher := New(st, embedMgr, hybridCfg, config.SyncConfig{}, nil)
	results, err := searcher.Search(context.Background(), "alpha beta", Options{MaxResults: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected vector-only results when hybrid is disabled")
	}
	if results[0].ChunkID != "c1" {
		t.Fatalf("expected top hit c1, got %s", results[0].ChunkID)
	}
}

type fakeSyncer struct {
	dirty           bool
	sessionStarted  string
	searchTriggered bool
}

func (f *fakeSyncer) IsDirty() bool { return f.dirty }
func (f *fakeSyncer) OnSessionStart(ctx context.Context, sessionKey string) {
	f.sessionStarted = sessionKey
}
func (f *fakeSyncer) TriggerSearchSync(ctx context.Context) { f.searchTriggered = true }

func TestSearcher_Search_WarmsSessionAndTriggersSyncWhenDirty(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	syncer := &fakeSyncer{dirty: true}
	syncCfg := config.SyncConfig{OnSearch: true}
	searcher := New(st, embedMgr, defaultHybridConfig(), syncCfg, syncer)

	if _, err := searcher.Search(context.Background(), "alpha beta", Options{SessionKey: "sess-1"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if syncer.sessionStarted != "sess-1" {
		t.Fatalf("expected OnSessionStart to be called with sess-1, got %q", syncer.sessionStarted)
	}
	if !syncer.searchTriggered {
		t.Fatal("expected a search-triggered sync when onSearch is enabled and the index is dirty")
	}
}

func TestSearcher_Search_DoesNotTriggerSyncWhenClean(t *testing.T) {
	st := newTestStore(t)
	cfg := config.EmbeddingsConfig{Provider: "local", Dimensions: 8}
	provider := embed.NewLocalProvider(cfg.Dimensions)
	embedMgr := embed.NewManager(cfg, provider, st, nil)

	syncer := &fakeSyncer{dirty: false}
	syncCfg := config.SyncConfig{OnSearch: true}
	searcher := New(st, embedMgr, defaultHybridConfig(), syncCfg, syncer)

	if _, err := searcher.Search(context.Background(), "alpha beta", Options{}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if syncer.searchTriggered {
		t.Fatal("expected no sync trigger when the index is not dirty")
	}
}
