package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw-labs/memory-index/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownChunker_Chunk_HeaderBasedSplitting(t *testing.T) {
	chunker := NewMarkdownChunker(DefaultConfig())

	content := `# Title

Welcome to the project.

## Section 1

Content for section 1.

## Section 2

Content for section 2.
`

	file := &FileInput{Path: "README.md", Source: store.SourceMemory, Content: []byte(content)}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Contains(t, chunks[0].Text, "# Title")
	assert.Contains(t, chunks[0].Text, "Welcome to the project")

	assert.Contains(t, chunks[1].Text, "## Section 1")
	assert.Equal(t, "Title > Section 1", chunks[1].Header)

	assert.Contains(t, chunks[2].Text, "## Section 2")
	assert.Equal(t, "Title > Section 2", chunks[2].Header)

	for _, c := range chunks {
		assert.Equal(t, "README.md", c.Path)
		assert.Equal(t, store.SourceMemory, c.Source)
	}
}

func TestMarkdownChunker_Chunk_PreservesCodeBlocks(t *testing.T) {
	chunker := NewMarkdownChunker(Config{ChunkSize: 40, ChunkOverlap: 5, RespectHeaders: true})

	content := "# Installation\n\n```bash\nbrew install myapp\napt-get install myapp\nyum install myapp\n```\n"

	file := &FileInput{Path: "INSTALL.md", Source: store.SourceMemory, Content: []byte(content)}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "brew install") &&
			strings.Contains(c.Text, "apt-get install") &&
			strings.Contains(c.Text, "yum install") {
			found = true
		}
	}
	assert.True(t, found, "fenced code block should survive in a single chunk")
}

func TestMarkdownChunker_Chunk_NoHeaders(t *testing.T) {
	chunker := NewMarkdownChunker(DefaultConfig())

	content := "Just a plain paragraph of notes with no headers at all, spanning a single line."
	file := &FileInput{Path: "notes.md", Source: store.SourceMemory, Content: []byte(content)}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Text)
	assert.Equal(t, "", chunks[0].Header)
}

func TestMarkdownChunker_Chunk_EmptyContent(t *testing.T) {
	chunker := NewMarkdownChunker(DefaultConfig())

	chunks, err := chunker.Chunk(context.Background(), &FileInput{Path: "empty.md", Content: []byte("   \n\n  ")})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestMarkdownChunker_Chunk_OversizedSectionSlidesWithOverlap(t *testing.T) {
	chunker := NewMarkdownChunker(Config{ChunkSize: 100, ChunkOverlap: 20, RespectHeaders: true})

	var body strings.Builder
	body.WriteString("# Big Section\n\n")
	for i := 0; i < 30; i++ {
		body.WriteString("This is a line of filler content used to force window splitting.\n")
	}

	file := &FileInput{Path: "big.md", Source: store.SourceMemory, Content: []byte(body.String())}

	chunks, err := chunker.Chunk(context.Background(), file)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		assert.Equal(t, "Big Section", c.Header)
		assert.LessOrEqual(t, len(c.Text), 100+20) // allows a small overrun from line-boundary snapping
	}
}

func TestMarkdownChunker_Chunk_DeterministicAcrossRuns(t *testing.T) {
	content := strings.Repeat("Some repeated content line for determinism checks.\n", 50)
	file := &FileInput{Path: "repeat.md", Content: []byte(content)}

	cfg := Config{ChunkSize: 200, ChunkOverlap: 30, RespectHeaders: true}
	first, err := NewMarkdownChunker(cfg).Chunk(context.Background(), file)
	require.NoError(t, err)
	second, err := NewMarkdownChunker(cfg).Chunk(context.Background(), file)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.Equal(t, first[i].StartLine, second[i].StartLine)
	}
}

func TestContentHash_MatchesStorePackage(t *testing.T) {
	assert.Equal(t, store.ContentHash("hello"), ContentHash("hello"))
}
