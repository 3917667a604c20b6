// Package config defines the memory index's configuration schema.
//
// Loading configuration from a file and wiring CLI flags are the host
// application's responsibility; this package only defines the Go value and
// its defaults.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the complete memory index configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Hybrid     HybridConfig     `yaml:"hybrid" json:"hybrid"`
	Sessions   SessionsConfig   `yaml:"sessions" json:"sessions"`
}

// StoreConfig configures the persistent SQLite-backed store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" json:"path"`
	// CacheMB is not read by this module: store.Open sets no SQLite page
	// cache size.
	CacheMB int `yaml:"cache_mb" json:"cache_mb"`
	// EmbeddingCacheMaxEntries bounds the embedding_cache table via LRU
	// eviction keyed by updated_at.
	EmbeddingCacheMaxEntries int `yaml:"embedding_cache_max_entries" json:"embedding_cache_max_entries"`
}

// ChunkingConfig configures the Markdown/session chunker.
type ChunkingConfig struct {
	// ChunkSize is the target chunk size in UTF-8 bytes.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkOverlap is the number of bytes of overlap between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
	// RespectHeaders is passed through to chunk.Config, but the Markdown
	// chunker does not read it: it always keeps sections that fit within
	// ChunkSize intact and slides a window over oversized ones.
	RespectHeaders bool `yaml:"respect_headers" json:"respect_headers"`
}

// EmbeddingsConfig configures the embedding provider and manager.
type EmbeddingsConfig struct {
	// Provider selects the embedding provider: "openai", "gemini", "voyage", "local".
	Provider string `yaml:"provider" json:"provider"`
	// Model is the provider-specific model identifier.
	Model string `yaml:"model" json:"model"`
	// Dimensions is the embedding vector width. 0 auto-detects from the
	// first non-empty embedding produced.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is not a per-call chunk count: online sub-batches are
	// packed by MaxBatchBytes alone. While remote batch is enabled and not
	// disabled, it is the default worker count for a sync pass
	// (embed.Manager.IndexConcurrency).
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxBatchBytes caps the total UTF-8 byte estimate of a single batch
	// request, consistent with the Chunker's byte-counted token unit.
	MaxBatchBytes int `yaml:"max_batch_bytes" json:"max_batch_bytes"`
	// QueryTimeout is not read: EmbedQuery uses the embed package's
	// DefaultQueryTimeoutRemote or DefaultQueryTimeoutLocal.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
	// BatchTimeout is not read: online sub-batches use the embed package's
	// DefaultBatchTimeout, and remote-batch polling uses
	// RemoteBatch.PollTimeout.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	// CacheSize is not read by the Embedding Manager: no in-memory LRU
	// layer sits in front of the on-disk embedding_cache table
	// (embed.NewCachedProvider takes its own size argument).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// Fallback names the provider Manager.ActivateFallback switches to, at
	// most once per Embedding Manager. Nothing in this module calls
	// ActivateFallback when a sync pass fails.
	Fallback string `yaml:"fallback" json:"fallback"`
	// RemoteBatch enables remote-batch submission (provider-native batch
	// jobs) instead of synchronous per-batch calls, where the provider
	// supports it.
	RemoteBatch RemoteBatchConfig `yaml:"remote_batch" json:"remote_batch"`
	// Retry configures the jittered exponential backoff used for
	// retryable provider errors.
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RemoteBatchConfig configures remote-batch embedding submission.
type RemoteBatchConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// PollInterval is the delay between remote batch status polls.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// PollTimeout bounds how long to wait for a remote batch to complete
	// before a single timeout-retry.
	PollTimeout time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
	// FailureLimit is the number of consecutive batch failures before
	// remote-batch mode is force-disabled for the process lifetime.
	FailureLimit int `yaml:"failure_limit" json:"failure_limit"`
}

// RetryConfig configures jittered exponential backoff.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
	MaxAttempts int          `yaml:"max_attempts" json:"max_attempts"`
}

// SyncConfig configures the Syncer's watch/debounce/worker-pool behavior.
type SyncConfig struct {
	// Sources lists which corpora this index serves: any of "memory",
	// "sessions". An empty list behaves as if both are enabled.
	Sources []string `yaml:"sources" json:"sources"`
	// Watch enables the memory-file filesystem watcher when Sources
	// includes "memory".
	Watch bool `yaml:"watch" json:"watch"`
	// MemoryPaths are additional files/directories to watch beyond the
	// conventional MEMORY.md / memory/ tree.
	MemoryPaths []string `yaml:"memory_paths" json:"memory_paths"`
	// WatchDebounce coalesces bursts of filesystem events.
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
	// PeriodicInterval triggers a full sync pass on a timer; 0 disables it.
	PeriodicInterval time.Duration `yaml:"periodic_interval" json:"periodic_interval"`
	// IndexConcurrency bounds how many files are chunked/embedded/upserted
	// concurrently during a sync pass. 0 uses Embeddings.BatchSize while
	// remote batch is enabled and not disabled, else 4
	// (embed.Manager.IndexConcurrency).
	IndexConcurrency int `yaml:"index_concurrency" json:"index_concurrency"`
	// SessionDeltaBytes triggers a session reindex once pending bytes
	// since the last sync reach this threshold.
	SessionDeltaBytes int `yaml:"session_delta_bytes" json:"session_delta_bytes"`
	// SessionDeltaMessages triggers a session reindex once pending
	// messages since the last sync reach this threshold.
	SessionDeltaMessages int `yaml:"session_delta_messages" json:"session_delta_messages"`
	// OnSessionStart schedules a "session-start" sync the first time a
	// given session key is seen.
	OnSessionStart bool `yaml:"on_session_start" json:"on_session_start"`
	// OnSearch fires a fire-and-forget "search" sync when search() is
	// called against a dirty index.
	OnSearch bool `yaml:"on_search" json:"on_search"`
}

// HybridConfig configures hybrid BM25+vector search fusion.
type HybridConfig struct {
	// Enabled turns on the keyword (FTS5) leg of search and the fusion
	// merge. When false, search() returns raw vector results filtered by
	// MinScore instead of running fuse().
	Enabled bool `yaml:"enabled" json:"enabled"`
	// VectorWeight and TextWeight weight the linear score combination
	// score = vectorWeight*vScore + textWeight*tScore.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	TextWeight   float64 `yaml:"text_weight" json:"text_weight"`
	// CandidateMultiplier scales maxResults into a candidate pool size
	// per source: min(200, max(1, floor(maxResults*candidateMultiplier))).
	CandidateMultiplier float64 `yaml:"candidate_multiplier" json:"candidate_multiplier"`
	// MinScore filters fused results below this score.
	MinScore float64 `yaml:"min_score" json:"min_score"`
	// MaxResults is the default result count for search().
	MaxResults int `yaml:"max_results" json:"max_results"`
}

// SessionsConfig configures how session transcripts are tracked.
type SessionsConfig struct {
	// StoragePath is the directory containing append-only session
	// transcript files.
	StoragePath string `yaml:"storage_path" json:"storage_path"`
	// WarmOnStart is not read by the Syncer: sessions are indexed on
	// session-delta events, full reindexes and forced syncs only.
	WarmOnStart bool `yaml:"warm_on_start" json:"warm_on_start"`
}

// DefaultConfig returns sensible defaults for a new memory index.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:                     defaultStorePath(),
			CacheMB:                  64,
			EmbeddingCacheMaxEntries: 10000,
		},
		Chunking: ChunkingConfig{
			ChunkSize:      1500,
			ChunkOverlap:   200,
			RespectHeaders: true,
		},
		Embeddings: EmbeddingsConfig{
			Provider:      "local",
			Model:         "local-768",
			Dimensions:    0,
			BatchSize:     32,
			MaxBatchBytes: 200_000,
			QueryTimeout:  10 * time.Second,
			BatchTimeout:  60 * time.Second,
			CacheSize:     1000,
			Fallback:      "local",
			RemoteBatch: RemoteBatchConfig{
				Enabled:      false,
				PollInterval: 5 * time.Second,
				PollTimeout:  5 * time.Minute,
				FailureLimit: 2,
			},
			Retry: RetryConfig{
				BaseDelay:   500 * time.Millisecond,
				Multiplier:  2.0,
				MaxDelay:    8 * time.Second,
				Jitter:      0.2,
				MaxAttempts: 3,
			},
		},
		Sync: SyncConfig{
			Sources:              []string{"memory", "sessions"},
			Watch:                true,
			MemoryPaths:          nil,
			WatchDebounce:        500 * time.Millisecond,
			PeriodicInterval:     10 * time.Minute,
			IndexConcurrency:     0,
			SessionDeltaBytes:    4096,
			SessionDeltaMessages: 10,
			OnSessionStart:       true,
			OnSearch:             true,
		},
		Hybrid: HybridConfig{
			Enabled:             true,
			VectorWeight:        0.6,
			TextWeight:          0.4,
			CandidateMultiplier: 4.0,
			MinScore:            0.0,
			MaxResults:          20,
		},
		Sessions: SessionsConfig{
			StoragePath: defaultSessionsPath(),
			WarmOnStart: false,
		},
	}
}

// EffectiveIndexConcurrency resolves a worker count for a sync pass from
// this config and the batch settings. The Syncer does not call it: it uses
// embed.Manager.IndexConcurrency unless IndexConcurrency is set.
func (c SyncConfig) EffectiveIndexConcurrency(remoteBatchEnabled bool, batchConcurrency int) int {
	if c.IndexConcurrency > 0 {
		return c.IndexConcurrency
	}
	if remoteBatchEnabled && batchConcurrency > 0 {
		return batchConcurrency
	}
	return 4
}

func defaultStorePath() string {
	return defaultHomeSubpath("index.db")
}

func defaultSessionsPath() string {
	return defaultHomeSubpath("sessions")
}

func defaultHomeSubpath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".memindex", name)
	}
	return filepath.Join(home, ".memindex", name)
}
