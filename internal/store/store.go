package store

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	memerrors "github.com/openclaw-labs/memory-index/internal/errors"
)

// chunkBatchSize bounds the number of rows per prepared-statement batch
// during a full reindex, keeping a single SQLite statement within SQLite's
// host-parameter limits.
const chunkBatchSize = 400

// Store is the persistent SQLite-backed store: file metadata, chunks, the
// embedding cache, and the hybrid search indexes (FTS5 keyword index and an
// in-process HNSW vector index) built on top of them.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	vec  *vectorIndex

	embeddingCacheMax int
}

// Open opens (or creates) a SQLite database at path and migrates its schema.
func Open(path string, embeddingCacheMax int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, memerrors.StoreError("open store", err)
	}

	s := &Store{db: db, path: path, embeddingCacheMax: embeddingCacheMax}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, memerrors.Wrap(memerrors.ErrCodeSchemaUnavail, err)
	}

	dims, _ := s.embeddingDims()
	s.vec = newVectorIndex(dims)
	if dims > 0 {
		if err := s.loadVectorIndex(); err != nil {
			db.Close()
			return nil, memerrors.StoreError("rebuild vector index", err)
		}
	}

	slog.Info("memory index store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT 'memory',
			hash TEXT NOT NULL,
			mtime INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'memory',
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			hash TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding BLOB,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_model ON chunks(model)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			id UNINDEXED,
			path UNINDEXED,
			source UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			model UNINDEXED,
			tokenize='porter unicode61'
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			hash TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embedding_cache_updated ON embedding_cache(updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}

	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, MetaKeySchemaVersion).Scan(&version); err == sql.ErrNoRows {
		_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`,
			MetaKeySchemaVersion, fmt.Sprintf("%d", CurrentSchemaVersion))
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return nil
}

// embeddingDims reads the stored embedding dimension from meta, if any.
func (s *Store) embeddingDims() (int, error) {
	var dims int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, MetaKeyEmbeddingDims).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return dims, err
}

// loadVectorIndex rebuilds the in-process HNSW graph from persisted chunk
// embeddings. Called once at Open when a dimension is already on record.
func (s *Store) loadVectorIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := decodeEmbedding(blob)
		if len(vec) == 0 {
			continue
		}
		if err := s.vec.Insert(id, vec); err != nil {
			slog.Warn("skip stale embedding during vector index rebuild", "chunk_id", id, "error", err)
		}
	}
	return rows.Err()
}

// SetEmbeddingMeta records which provider/model/dimension built the current
// index, so a future Open can detect a mismatch before Syncer starts.
func (s *Store) SetEmbeddingMeta(provider, model string, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, v := range map[string]string{
		MetaKeyEmbeddingProvider: provider,
		MetaKeyEmbeddingModel:    model,
		MetaKeyEmbeddingDims:     fmt.Sprintf("%d", dims),
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetMeta writes a single meta table value, for fields with no dedicated
// setter (providerKey, chunking parameters).
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetMeta returns a meta table value.
func (s *Store) GetMeta(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

// UpsertChunk inserts or replaces one chunk, its FTS row, and its vector
// entry (when it carries an embedding).
func (s *Store) UpsertChunk(c Chunk) error {
	return s.UpsertChunks([]Chunk{c})
}

// UpsertChunks writes a batch of chunks transactionally, in groups bounded
// by chunkBatchSize to stay under SQLite's host-parameter limit.
func (s *Store) UpsertChunks(chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(chunks); start += chunkBatchSize {
		end := min(start+chunkBatchSize, len(chunks))
		if err := s.upsertChunkBatch(chunks[start:end]); err != nil {
			return err
		}
	}

	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if s.vec.Dims() == 0 {
			s.vec = newVectorIndex(len(c.Embedding))
		}
		if err := s.vec.Insert(c.ID, c.Embedding); err != nil {
			return memerrors.Wrap(memerrors.ErrCodeStoreCorruption, err)
		}
	}

	return nil
}

func (s *Store) upsertChunkBatch(chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range chunks {
		if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE id = ?`, c.ID); err != nil {
			return fmt.Errorf("delete old fts row: %w", err)
		}

		embBlob := encodeEmbedding(c.Embedding)
		_, err := tx.Exec(`INSERT OR REPLACE INTO chunks
			(id, path, source, start_line, end_line, hash, model, text, embedding, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))`,
			c.ID, c.Path, string(c.Source), c.StartLine, c.EndLine, c.Hash, c.Model, c.Text, embBlob)
		if err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}

		_, err = tx.Exec(`INSERT INTO chunks_fts (text, id, path, source, start_line, end_line, model)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Text, c.ID, c.Path, string(c.Source), c.StartLine, c.EndLine, c.Model)
		if err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteByPath removes all chunks, FTS rows, and vector entries for path.
func (s *Store) DeleteByPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id FROM chunks WHERE path = ?`, path)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE path = ?`, path); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range ids {
		s.vec.Delete(id)
	}
	return nil
}

// SearchFTS runs a keyword search over chunks_fts, filtered to rows
// carrying the given model (empty model disables the filter), normalizing
// BM25's rank via 1/(1+abs(rank)).
func (s *Store) SearchFTS(query, model string, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	where := ""
	args := []any{query}
	if model != "" {
		where = " AND model = ?"
		args = append(args, model)
	}
	args = append(args, limit)

	stmt := fmt.Sprintf(`SELECT id, path, source, start_line, end_line, text, rank
		FROM chunks_fts
		WHERE chunks_fts MATCH ?%s
		ORDER BY rank
		LIMIT ?`, where)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, memerrors.Wrap(memerrors.ErrCodeStoreCorruption, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, path, source, text string
		var startLine, endLine int
		var rank float64
		if err := rows.Scan(&id, &path, &source, &startLine, &endLine, &text, &rank); err != nil {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:   id,
			Path:      path,
			Source:    Source(source),
			StartLine: startLine,
			EndLine:   endLine,
			Snippet:   truncateSnippet(text, 700),
			Score:     bm25RankToScore(rank),
		})
	}
	return results, rows.Err()
}

// VectorSearch runs a cosine-similarity search over the in-process HNSW
// index and resolves each hit's snippet/location from the chunks table.
func (s *Store) VectorSearch(query []float32, k int) ([]SearchResult, error) {
	s.mu.RLock()
	hits, err := s.vec.Search(query, k)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		var path, source, text string
		var startLine, endLine int
		err := s.db.QueryRow(`SELECT path, source, start_line, end_line, text FROM chunks WHERE id = ?`, h.ID).
			Scan(&path, &source, &startLine, &endLine, &text)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:   h.ID,
			Path:      path,
			Source:    Source(source),
			StartLine: startLine,
			EndLine:   endLine,
			Snippet:   truncateSnippet(text, 700),
			Score:     h.Score,
		})
	}
	return results, nil
}

// GetCachedEmbedding returns a cached embedding for contentHash under the
// given provider/model, or false if absent.
func (s *Store) GetCachedEmbedding(contentHash, provider, model string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM embedding_cache WHERE hash = ? AND provider = ? AND model = ?`,
		contentHash, provider, model).Scan(&blob)
	if err != nil {
		return nil, false
	}
	return decodeEmbedding(blob), true
}

// CacheEmbedding stores an embedding in the cache, then evicts the oldest
// rows by updated_at until the table is within embeddingCacheMax.
func (s *Store) CacheEmbedding(contentHash, provider, model string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO embedding_cache (hash, provider, model, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s','now'))`,
		contentHash, provider, model, encodeEmbedding(embedding), len(embedding))
	if err != nil {
		return err
	}

	if s.embeddingCacheMax <= 0 {
		return nil
	}
	return s.evictEmbeddingCache(s.embeddingCacheMax)
}

// PruneEmbeddingCache trims the embedding_cache table down to maxEntries,
// evicting the oldest rows by updated_at first. Used after a full reindex
// to bring a freshly seeded cache back within its configured bound.
func (s *Store) PruneEmbeddingCache(maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxEntries <= 0 {
		return nil
	}
	return s.evictEmbeddingCache(maxEntries)
}

// evictEmbeddingCache deletes the oldest embedding_cache rows until the
// table holds at most maxEntries. Callers must hold s.mu.
func (s *Store) evictEmbeddingCache(maxEntries int) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		return err
	}
	if count <= maxEntries {
		return nil
	}

	_, err := s.db.Exec(`DELETE FROM embedding_cache WHERE hash IN (
		SELECT hash FROM embedding_cache ORDER BY updated_at ASC LIMIT ?
	)`, count-maxEntries)
	return err
}

// GetFileHash returns the stored content hash for path.
func (s *Store) GetFileHash(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	if err := s.db.QueryRow(`SELECT hash FROM files WHERE path = ?`, path).Scan(&hash); err != nil {
		return "", false
	}
	return hash, true
}

// UpsertFile records file metadata used for change detection.
func (s *Store) UpsertFile(f File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)`,
		f.Path, string(f.Source), f.Hash, f.MTime, f.Size)
	return err
}

// ListFilesBySource returns all tracked file paths for a source, used to
// detect stale rows (paths indexed previously but no longer present on
// disk) at the end of a sync pass.
func (s *Store) ListFilesBySource(source Source) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT path, source, hash, mtime, size FROM files WHERE source = ?`, string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var src string
		if err := rows.Scan(&f.Path, &src, &f.Hash, &f.MTime, &f.Size); err != nil {
			continue
		}
		f.Source = Source(src)
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes file metadata for path.
func (s *Store) DeleteFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path)
	return err
}

// ChunkCount returns the number of stored chunks.
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count
}

// VectorCount returns the number of live vectors in the in-process index.
func (s *Store) VectorCount() int {
	return s.vec.Len()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB, used by the Index Manager to seed a
// temporary store's embedding_cache during a crash-safe reindex.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the file path this store was opened from, used by the
// Index Manager's crash-safe reindex swap.
func (s *Store) Path() string {
	return s.path
}

// ContentHash returns the canonical content hash used across files and
// chunks for incremental-reindex change detection.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:16])
}

// bm25RankToScore normalizes SQLite FTS5's signed rank (more negative is
// more relevant) into a [0,1] similarity score comparable to cosine scores.
func bm25RankToScore(rank float64) float64 {
	return 1.0 / (1.0 + abs(rank))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func truncateSnippet(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
