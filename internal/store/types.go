// Package store provides the persistent SQLite-backed store for the memory
// index: file metadata, chunks, the embedding cache, and the hybrid
// (keyword + vector) search indexes built on top of them.
package store

import "fmt"

// Source identifies which corpus a chunk/file came from.
type Source string

const (
	// SourceMemory is a Markdown memory/doc file.
	SourceMemory Source = "memory"
	// SourceSession is an append-only chat transcript.
	SourceSession Source = "session"
)

// Chunk is a retrievable unit of indexed content.
type Chunk struct {
	ID        string // stable content-addressable id: hex of the first 8 bytes of sha256("path:source:startLine:hash")
	Path      string
	Source    Source
	StartLine int
	EndLine   int
	Hash      string // ContentHash(Text), used for incremental reindex skip
	Model     string // embedding model this row's embedding was produced with
	Text      string
	Embedding []float32
}

// File tracks per-path metadata used for change detection during a sync pass.
type File struct {
	Path   string
	Source Source
	Hash   string
	MTime  int64
	Size   int64
}

// SearchResult is a single hit returned by a keyword, vector, or hybrid search.
type SearchResult struct {
	ChunkID   string
	Path      string
	Source    Source
	StartLine int
	EndLine   int
	Snippet   string
	Score     float64
}

// ErrDimensionMismatch indicates the vector index's established dimension
// disagrees with a newly presented embedding. The caller should trigger a
// full reindex.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: index is %d-dimensional, got %d (reindex required)", e.Expected, e.Got)
}

// Meta keys stored in the meta table.
const (
	MetaKeySchemaVersion     = "schema_version"
	MetaKeyEmbeddingModel    = "embedding_model"
	MetaKeyEmbeddingDims     = "embedding_dims"
	MetaKeyEmbeddingProvider = "embedding_provider"
	MetaKeyProviderKey       = "embedding_provider_key"
	MetaKeyChunkTokens       = "chunk_tokens"
	MetaKeyChunkOverlap      = "chunk_overlap"
)

// CurrentSchemaVersion is the store's current schema version.
const CurrentSchemaVersion = 1
