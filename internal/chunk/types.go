package chunk

import (
	"context"

	"github.com/openclaw-labs/memory-index/internal/store"
)

// Byte-window defaults. Memory files are prose/Markdown, not code, so
// chunking is measured in bytes rather than tokens.
const (
	DefaultChunkSize    = 1800 // bytes per chunk window
	DefaultChunkOverlap = 200  // bytes of overlap between consecutive windows
	MinChunkSize        = 200  // below this a trailing remainder is merged into its predecessor
)

// Chunk is a retrievable unit of content produced by a Chunker, ready to be
// handed to store.Chunk once it has been assigned an ID and (optionally) an
// embedding.
type Chunk struct {
	Path      string
	Source    store.Source
	Text      string
	StartLine int // 1-indexed, inclusive
	EndLine   int // 1-indexed, inclusive
	Header    string // nearest enclosing Markdown header path, "" if none
}

// FileInput is the input to a Chunker.
type FileInput struct {
	Path    string
	Source  store.Source
	Content []byte
}

// Config controls how a Chunker splits a file into windows.
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	RespectHeaders bool
}

// DefaultConfig returns the byte-window defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      DefaultChunkSize,
		ChunkOverlap:   DefaultChunkOverlap,
		RespectHeaders: true,
	}
}

// Chunker splits a file's content into overlapping windows.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
}
