package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// DefaultLocalDimensions is the local provider's default vector width,
// chosen to match the dimensionality a remote 768-dim model would produce
// so a fallback from remote to local doesn't force a reindex by itself.
const DefaultLocalDimensions = 768

// stopWords are filtered out before hashing so common filler words don't
// dilute the token signal.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "it": true, "this": true, "that": true,
	"func": true, "function": true, "def": true, "class": true, "return": true,
	"import": true, "const": true, "var": true, "let": true, "true": true,
	"false": true, "nil": true, "null": true, "self": true, "new": true,
}

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// LocalProvider generates deterministic hash-based embeddings without any
// network or model download, so the system is usable and testable
// offline. It is also the configured fallback target when a remote
// provider starts failing.
type LocalProvider struct {
	mu     sync.RWMutex
	dims   int
	closed bool
}

// NewLocalProvider creates a local provider with the given dimensionality,
// defaulting to DefaultLocalDimensions.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = DefaultLocalDimensions
	}
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) ID() ProviderID  { return ProviderLocal }
func (p *LocalProvider) Model() string   { return fmt.Sprintf("local-%d", p.dims) }
func (p *LocalProvider) Dimensions() int { return p.dims }

func (p *LocalProvider) Available(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("local provider is closed")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, p.dims), nil
	}
	return normalizeVector(p.hashVector(trimmed)), nil
}

func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// hashVector builds an unnormalized vector by hashing tokens (weight 0.7)
// and character n-grams (weight 0.3) into buckets.
func (p *LocalProvider) hashVector(text string) []float32 {
	vector := make([]float32, p.dims)

	for _, tok := range filterStopWords(tokenize(text)) {
		vector[hashToIndex(tok, p.dims)] += tokenWeight
	}
	for _, ng := range extractNgrams(normalizeForNgrams(text), ngramSize) {
		vector[hashToIndex(ng, p.dims)] += ngramWeight
	}
	return vector
}

func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitCodeToken(word) {
			if lower := strings.ToLower(t); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitCodeToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}
	var result []string
	var current strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func filterStopWords(tokens []string) []string {
	var filtered []string
	for _, t := range tokens {
		if !stopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func normalizeForNgrams(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}
