package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw-labs/memory-index/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionChunker_ChunkRendered_TranslatesLineNumbers(t *testing.T) {
	c := NewSessionChunker(Config{ChunkSize: 500, ChunkOverlap: 50})

	rendered := "user: hello\nassistant: hi there\nuser: how are you\n"
	// Rendered line 1 came from original transcript line 10, line 2 from 12, line 3 from 13.
	lineMap := []int{10, 12, 13}

	file := &FileInput{Path: "session-1.jsonl", Source: store.SourceSession}
	chunks, err := c.ChunkRendered(context.Background(), file, rendered, lineMap)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 10, chunks[0].StartLine)
	assert.Equal(t, store.SourceSession, chunks[0].Source)
}

func TestSessionChunker_ChunkRendered_ExtrapolatesPastLineMap(t *testing.T) {
	c := NewSessionChunker(Config{ChunkSize: 30, ChunkOverlap: 5})

	rendered := strings.Repeat("line of rendered transcript text here\n", 5)
	lineMap := []int{100} // only first rendered line is mapped explicitly

	file := &FileInput{Path: "session-2.jsonl", Source: store.SourceSession}
	chunks, err := c.ChunkRendered(context.Background(), file, rendered, lineMap)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.GreaterOrEqual(t, chunks[0].StartLine, 100)
}

func TestSessionChunker_ChunkRendered_EmptyInput(t *testing.T) {
	c := NewSessionChunker(DefaultConfig())
	chunks, err := c.ChunkRendered(context.Background(), &FileInput{Path: "empty.jsonl"}, "   ", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestClipToByteLimit_CutsOnRuneBoundary(t *testing.T) {
	text := "héllo wörld" // contains multi-byte runes
	clipped := ClipToByteLimit(text, 5)
	assert.LessOrEqual(t, len(clipped), 5)
	assert.True(t, strings.HasPrefix(text, clipped))
}

func TestClipToByteLimit_NoOpWhenUnderLimit(t *testing.T) {
	assert.Equal(t, "short", ClipToByteLimit("short", 100))
}
