package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw-labs/memory-index/internal/config"
	memerrors "github.com/openclaw-labs/memory-index/internal/errors"
	"github.com/openclaw-labs/memory-index/internal/store"
)

// ChunkInput is the minimal shape the Embedding Manager needs from a
// chunk: its content hash (the cache key) and its text. Decoupled from
// internal/chunk.Chunk so this package has no import-cycle risk with the
// Chunker.
type ChunkInput struct {
	Hash string
	Text string
}

// cacheStore is the subset of *store.Store the manager needs, so tests can
// substitute a fake without a real SQLite file.
type cacheStore interface {
	GetCachedEmbedding(contentHash, provider, model string) ([]float32, bool)
	CacheEmbedding(contentHash, provider, model string, embedding []float32) error
	PruneEmbeddingCache(maxEntries int) error
}

// Manager implements the Embedding Manager contract of §4.2: cache-backed
// embedding resolution, greedy byte-bounded online batching, retry with
// jittered backoff, optional remote-batch submission with a sliding
// failure counter, and one-shot provider fallback.
type Manager struct {
	cfg   config.EmbeddingsConfig
	store cacheStore

	mu       sync.Mutex
	provider EmbeddingProvider

	fallbackMu        sync.Mutex
	fallbackActivated bool
	resolveFallback   func(id ProviderID) (EmbeddingProvider, error)

	batchFailureMu sync.Mutex
	batchFailures  int
	batchDisabled  bool
}

// NewManager constructs a Manager around an already-built provider. The
// caller (the factory, typically invoked from the Index Manager) supplies
// resolveFallback so the manager can build the fallback provider without
// needing to know how API keys are resolved.
func NewManager(cfg config.EmbeddingsConfig, provider EmbeddingProvider, st *store.Store, resolveFallback func(id ProviderID) (EmbeddingProvider, error)) *Manager {
	return &Manager{
		cfg:             cfg,
		store:           st,
		provider:        provider,
		resolveFallback: resolveFallback,
	}
}

// ProviderKey identifies the active provider+model combination used to
// scope the embedding cache and detect when a full reindex is required
// (§4.3: changes to model/provider/providerKey force one). It hashes the
// provider id and model name only; base URL, headers and credentials are
// not part of it.
func (m *Manager) ProviderKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return providerKey(m.provider)
}

func providerKey(p EmbeddingProvider) string {
	sum := sha256.Sum256([]byte(string(p.ID()) + ":" + p.Model()))
	return hex.EncodeToString(sum[:8])
}

// IndexConcurrency is cfg.BatchSize when remote batch is enabled and not
// disabled (and BatchSize > 0), else 4.
func (m *Manager) IndexConcurrency() int {
	if m.cfg.RemoteBatch.Enabled && !m.isBatchDisabled() {
		if m.cfg.BatchSize > 0 {
			return m.cfg.BatchSize
		}
	}
	return 4
}

// Status reports the manager's current configuration per §4.2's status().
func (m *Manager) Status() Status {
	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()
	return Status{
		ProviderKey:       providerKey(p),
		Provider:          p.ID(),
		Model:             p.Model(),
		Dimensions:        p.Dimensions(),
		FallbackActivated: m.fallbackActivatedState(),
		BatchEnabled:      m.cfg.RemoteBatch.Enabled && !m.isBatchDisabled(),
		IndexConcurrency:  m.IndexConcurrency(),
	}
}

func (m *Manager) fallbackActivatedState() bool {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	return m.fallbackActivated
}

func (m *Manager) isBatchDisabled() bool {
	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()
	return m.batchDisabled
}

// EmbedQuery embeds a single text under the query timeout appropriate to
// the active provider (remote vs local).
func (m *Manager) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()

	timeout := DefaultQueryTimeoutRemote
	if p.ID() == ProviderLocal {
		timeout = DefaultQueryTimeoutLocal
	}

	return withTimeout(ctx, timeout, func(ctx context.Context) ([]float32, error) {
		var vec []float32
		err := WithRetry(ctx, m.cfg.Retry, func() error {
			v, err := p.EmbedQuery(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		return vec, err
	})
}

// ProbeAvailability embeds a one-word probe and reports ok/error.
func (m *Manager) ProbeAvailability(ctx context.Context) error {
	_, err := m.EmbedQuery(ctx, "ping")
	return err
}

// EmbedChunks embeds N chunks, returning vectors aligned by index. Cache
// hits short-circuit the provider entirely; misses are embedded via
// remote-batch (if enabled and supported) or online batching, then
// written back to the cache.
func (m *Manager) EmbedChunks(ctx context.Context, chunks []ChunkInput) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()
	// The cache key is scoped by (provider, model, providerKey);
	// providerKey rides along in the provider field since the store's
	// cache key is two-part. providerKey is derived from provider id and
	// model only, so a credential or endpoint change alone does not
	// invalidate cached vectors.
	cacheProvider := fmt.Sprintf("%s:%s", p.ID(), providerKey(p))
	model := p.Model()

	results := make([][]float32, len(chunks))
	missIdx := make([]int, 0, len(chunks))

	for i, c := range chunks {
		if vec, ok := m.store.GetCachedEmbedding(c.Hash, cacheProvider, model); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) == 0 {
		return results, nil
	}

	missing := make([]ChunkInput, len(missIdx))
	for j, idx := range missIdx {
		missing[j] = chunks[idx]
	}

	vecs, err := m.embedMissing(ctx, p, missing)
	if err != nil {
		return nil, err
	}

	for j, idx := range missIdx {
		results[idx] = vecs[j]
		if err := m.store.CacheEmbedding(chunks[idx].Hash, cacheProvider, model, vecs[j]); err != nil {
			return nil, memerrors.StoreError("cache embedding", err)
		}
	}
	return results, nil
}

func (m *Manager) embedMissing(ctx context.Context, p EmbeddingProvider, chunks []ChunkInput) ([][]float32, error) {
	if m.cfg.RemoteBatch.Enabled && !m.isBatchDisabled() {
		if rb, ok := p.(RemoteBatchProvider); ok {
			vecs, err := m.embedViaRemoteBatch(ctx, rb, chunks)
			if err == nil {
				return vecs, nil
			}
			// Falls through to online mode per §4.2: "every batch failure
			// falls back to online mode for that call."
		}
	}
	return m.embedOnline(ctx, p, chunks)
}

// embedOnline greedily packs chunks into sub-batches bounded by a
// cumulative byte estimate, sending each sub-batch with retry.
func (m *Manager) embedOnline(ctx context.Context, p EmbeddingProvider, chunks []ChunkInput) ([][]float32, error) {
	maxBytes := m.cfg.MaxBatchBytes
	if maxBytes <= 0 {
		maxBytes = DefaultBatchMaxBytes
	}

	results := make([][]float32, len(chunks))
	start := 0
	for start < len(chunks) {
		end := start + 1
		size := len(chunks[start].Text)
		for end < len(chunks) && size+len(chunks[end].Text) <= maxBytes {
			size += len(chunks[end].Text)
			end++
		}

		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = chunks[i].Text
		}

		vecs, err := withTimeout(ctx, DefaultBatchTimeout, func(ctx context.Context) ([][]float32, error) {
			var out [][]float32
			err := WithRetry(ctx, m.cfg.Retry, func() error {
				v, err := p.EmbedBatch(ctx, texts)
				if err != nil {
					return err
				}
				out = v
				return nil
			})
			return out, err
		})
		if err != nil {
			return nil, err
		}
		copy(results[start:end], vecs)
		start = end
	}
	return results, nil
}

// embedViaRemoteBatch submits one remote-batch job and polls it to
// completion (or the batch timeout, after which the job is resubmitted
// once), tracking a sliding failure counter.
func (m *Manager) embedViaRemoteBatch(ctx context.Context, p RemoteBatchProvider, chunks []ChunkInput) ([][]float32, error) {
	// CustomID is index-qualified so two chunks sharing a content hash
	// (duplicate text within the same file) don't collide in the
	// results map returned by PollBatch.
	reqs := make([]BatchRequest, len(chunks))
	for i, c := range chunks {
		reqs[i] = BatchRequest{CustomID: fmt.Sprintf("%s:%d", c.Hash, i), Text: c.Text}
	}

	jobID, err := p.SubmitBatch(ctx, reqs)
	if err != nil {
		m.recordBatchOutcome(false, err)
		return nil, err
	}

	timeout := m.cfg.RemoteBatch.PollTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteBatchTimeout
	}
	deadline := time.Now().Add(timeout)
	interval := m.cfg.RemoteBatch.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retried := false

	for {
		status, results, err := p.PollBatch(ctx, jobID)
		if err != nil {
			m.recordBatchOutcome(false, err)
			return nil, err
		}
		switch status {
		case BatchStatusDone:
			m.recordBatchOutcome(true, nil)
			vecs := make([][]float32, len(chunks))
			for i := range chunks {
				vecs[i] = results[fmt.Sprintf("%s:%d", chunks[i].Hash, i)]
			}
			return vecs, nil
		case BatchStatusUnavailable:
			m.forceDisableBatch()
			return nil, fmt.Errorf("remote batch unavailable")
		case BatchStatusFailed:
			m.recordBatchOutcome(false, fmt.Errorf("remote batch job failed"))
			return nil, fmt.Errorf("remote batch job failed")
		}

		if time.Now().After(deadline) {
			if !retried {
				retried = true
				jobID, err = p.SubmitBatch(ctx, reqs)
				if err != nil {
					m.recordBatchOutcome(false, err)
					return nil, err
				}
				deadline = time.Now().Add(timeout)
				continue
			}
			m.recordBatchOutcome(false, fmt.Errorf("remote batch timed out"))
			return nil, fmt.Errorf("remote batch job %s timed out", jobID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (m *Manager) recordBatchOutcome(success bool, _ error) {
	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()
	if success {
		m.batchFailures = 0
		return
	}
	m.batchFailures++
	limit := m.cfg.RemoteBatch.FailureLimit
	if limit <= 0 {
		limit = BatchFailureLimit
	}
	if m.batchFailures >= limit {
		m.batchDisabled = true
	}
}

func (m *Manager) forceDisableBatch() {
	m.batchFailureMu.Lock()
	defer m.batchFailureMu.Unlock()
	m.batchDisabled = true
}

// ActivateFallback switches to the configured fallback provider exactly
// once per Manager lifetime.
func (m *Manager) ActivateFallback(ctx context.Context, reason string) (bool, error) {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()

	if m.fallbackActivated {
		return false, nil
	}
	fallbackID := ProviderID(m.cfg.Fallback)
	if fallbackID == "" || fallbackID == ProviderNone {
		return false, nil
	}

	m.mu.Lock()
	current := m.provider.ID()
	m.mu.Unlock()
	if fallbackID == current {
		return false, nil
	}

	next, err := m.resolveFallback(fallbackID)
	if err != nil {
		return false, memerrors.EmbeddingPermanentError(fmt.Sprintf("activate fallback (%s): %v", reason, err), err)
	}

	m.mu.Lock()
	m.provider = next
	m.mu.Unlock()
	m.fallbackActivated = true
	return true, nil
}

// PruneEmbeddingCacheIfNeeded trims the cache down to maxEntries, evicting
// the oldest rows first.
func (m *Manager) PruneEmbeddingCacheIfNeeded(maxEntries int) error {
	return m.store.PruneEmbeddingCache(maxEntries)
}

// withTimeout races fn against a timer, per §4.2/§5's "all provider calls
// are wrapped in a race against a timer" requirement.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-cctx.Done():
		return zero, memerrors.New(memerrors.ErrCodeEmbeddingTimeout, "embedding call timed out", cctx.Err())
	}
}
