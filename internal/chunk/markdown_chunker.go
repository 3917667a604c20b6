package chunk

import (
	"context"
	"regexp"
	"strings"

	"github.com/openclaw-labs/memory-index/internal/store"
)

// MarkdownChunker splits Markdown memory files into overlapping byte
// windows. A header-aware pre-pass keeps section boundaries intact where a
// section fits within ChunkSize; oversized sections fall through to a plain
// sliding window over their raw bytes, carrying ChunkOverlap bytes of
// context into the next window.
type MarkdownChunker struct {
	cfg Config
}

var (
	// Matches headers: # Title, ## Title, etc.
	headerPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

	// Matches fenced code blocks, including the delimiters.
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
)

// NewMarkdownChunker creates a chunker using cfg. A ChunkSize <= 0 is
// replaced by DefaultChunkSize, and a ChunkOverlap that is negative or not
// smaller than ChunkSize by DefaultChunkOverlap; other fields are kept.
func NewMarkdownChunker(cfg Config) *MarkdownChunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	return &MarkdownChunker{cfg: cfg}
}

// Chunk splits a Markdown file into chunks.
func (c *MarkdownChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	sections := parseSections(content)
	if len(sections) == 0 {
		return c.slideWindow(file, content, "", 1), nil
	}

	var chunks []*Chunk
	for _, sec := range sections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		trimmed := strings.TrimRight(sec.content, "\n")
		if strings.TrimSpace(strings.TrimPrefix(trimmed, "#")) == "" {
			continue // header line with no body
		}
		if len(trimmed) <= c.cfg.ChunkSize {
			startLine := sec.startLine + 1
			chunks = append(chunks, &Chunk{
				Path:      file.Path,
				Source:    file.Source,
				Text:      trimmed,
				StartLine: startLine,
				EndLine:   startLine + strings.Count(trimmed, "\n"),
				Header:    sec.headerPath,
			})
			continue
		}
		chunks = append(chunks, c.slideWindow(file, trimmed, sec.headerPath, sec.startLine+1)...)
	}
	return chunks, nil
}

// section is a Markdown section bounded by a header line (or the document
// start) and the next header of equal-or-shallower level.
type section struct {
	headerPath string
	content    string
	startLine  int // 0-indexed line within the file
}

func parseSections(content string) []*section {
	lines := strings.Split(content, "\n")
	var sections []*section
	headerStack := make([]string, 6)

	var current *section
	var body strings.Builder

	flush := func() {
		if current != nil {
			current.content = body.String()
			sections = append(sections, current)
			body.Reset()
		}
	}

	for lineNum, line := range lines {
		if match := headerPattern.FindStringSubmatch(line); match != nil {
			flush()
			level := len(match[1])
			title := strings.TrimSpace(match[2])
			headerStack[level-1] = title
			for i := level; i < 6; i++ {
				headerStack[i] = ""
			}
			var parts []string
			for i := 0; i < level; i++ {
				if headerStack[i] != "" {
					parts = append(parts, headerStack[i])
				}
			}
			current = &section{headerPath: strings.Join(parts, " > "), startLine: lineNum}
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// slideWindow splits text into overlapping byte windows. A window whose
// boundary falls inside a fenced code block that starts within the window
// is extended to the block's end, whatever the block's size.
func (c *MarkdownChunker) slideWindow(file *FileInput, text, header string, baseLine int) []*Chunk {
	if len(text) == 0 {
		return nil
	}

	protected := codeBlockPattern.FindAllStringIndex(text, -1)

	var chunks []*Chunk
	pos := 0
	for pos < len(text) {
		end := pos + c.cfg.ChunkSize
		if end > len(text) {
			end = len(text)
		} else {
			extended := extendPastProtectedBlock(protected, pos, end)
			if extended > end {
				end = extended
			} else if nl := strings.LastIndexByte(text[pos:end], '\n'); nl > 0 && end < len(text) {
				end = pos + nl + 1
			}
		}

		windowText := strings.TrimRight(text[pos:end], "\n")
		if windowText != "" {
			startLine := baseLine + strings.Count(text[:pos], "\n")
			chunks = append(chunks, &Chunk{
				Path:      file.Path,
				Source:    file.Source,
				Text:      windowText,
				StartLine: startLine,
				EndLine:   startLine + strings.Count(windowText, "\n"),
				Header:    header,
			})
		}

		if end >= len(text) {
			break
		}
		next := end - c.cfg.ChunkOverlap
		if next <= pos {
			next = end
		}
		pos = next
	}

	// Merge a too-small trailing remainder into its predecessor rather than
	// storing a near-empty final chunk.
	if len(chunks) > 1 {
		last := chunks[len(chunks)-1]
		if len(last.Text) < MinChunkSize {
			prev := chunks[len(chunks)-2]
			prev.Text = prev.Text + "\n" + last.Text
			prev.EndLine = last.EndLine
			chunks = chunks[:len(chunks)-1]
		}
	}

	return chunks
}

// extendPastProtectedBlock moves a window boundary to the end of the first
// fenced code block that starts at or after start and would otherwise be
// cut at end. There is no cap on how far the window grows.
func extendPastProtectedBlock(blocks [][]int, start, end int) int {
	for _, b := range blocks {
		if b[0] < end && b[1] > end && b[0] >= start {
			return b[1]
		}
	}
	return end
}

// ContentHash returns the identity used for incremental re-indexing,
// delegating to the store package's definition so Chunker and Store agree
// on what "unchanged" means.
func ContentHash(text string) string {
	return store.ContentHash(text)
}
