package chunk

import (
	"context"
	"strings"
)

// SessionChunker splits a rendered session transcript into overlapping byte
// windows. Transcripts carry no Markdown header structure worth respecting,
// so it always falls through to the plain sliding window that
// MarkdownChunker uses for oversized sections.
//
// Callers pass the transcript already rendered to plain text, plus a
// lineMap translating rendered line index (0-based) back to the original
// transcript's message line number. The chunker applies that map to each
// chunk's StartLine/EndLine so search results point at real transcript
// lines, not offsets into the throwaway rendering.
type SessionChunker struct {
	cfg Config
}

// NewSessionChunker creates a chunker using cfg, applying the same
// defaulting rules as NewMarkdownChunker.
func NewSessionChunker(cfg Config) *SessionChunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	return &SessionChunker{cfg: cfg}
}

// ChunkRendered splits a rendered transcript into chunks, translating line
// numbers through lineMap. lineMap[i] is the original transcript line
// corresponding to rendered line i (0-indexed); when lineMap is shorter
// than the rendered text, trailing lines are assumed to map 1:1 past the
// last provided entry.
func (c *SessionChunker) ChunkRendered(ctx context.Context, file *FileInput, rendered string, lineMap []int) ([]*Chunk, error) {
	if strings.TrimSpace(rendered) == "" {
		return nil, nil
	}

	mc := &MarkdownChunker{cfg: c.cfg}
	raw := mc.slideWindow(file, rendered, "", 1)

	for _, ch := range raw {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ch.StartLine = translateLine(lineMap, ch.StartLine)
		ch.EndLine = translateLine(lineMap, ch.EndLine)
	}
	return raw, nil
}

// translateLine maps a 1-indexed rendered line number to its original
// transcript line via lineMap (0-indexed internally).
func translateLine(lineMap []int, renderedLine int) int {
	idx := renderedLine - 1
	if idx < 0 {
		idx = 0
	}
	if len(lineMap) == 0 {
		return renderedLine
	}
	if idx >= len(lineMap) {
		// Past the end of the map: extrapolate using the last known offset.
		last := lineMap[len(lineMap)-1]
		return last + (idx - (len(lineMap) - 1))
	}
	return lineMap[idx]
}

// ClipToByteLimit truncates text to at most maxBytes, cutting on a UTF-8
// rune boundary, for chunks that exceed an embedding provider's per-input
// limit.
func ClipToByteLimit(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	b := text[:maxBytes]
	for len(b) > 0 {
		r := b[len(b)-1]
		if r&0xC0 != 0x80 { // not a UTF-8 continuation byte
			break
		}
		b = b[:len(b)-1]
	}
	return b
}
