package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	EmbeddingProvider
	calls int
}

func (c *countingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.EmbeddingProvider.EmbedQuery(ctx, text)
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.EmbeddingProvider.EmbedBatch(ctx, texts)
}

func TestCachedProvider_EmbedQuery_CachesRepeatedText(t *testing.T) {
	inner := &countingProvider{EmbeddingProvider: NewLocalProvider(32)}
	c := NewCachedProvider(inner, 10)

	_, err := c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	_, err = c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
}

func TestCachedProvider_EmbedBatch_OnlyEmbedsMisses(t *testing.T) {
	inner := &countingProvider{EmbeddingProvider: NewLocalProvider(32)}
	c := NewCachedProvider(inner, 10)

	_, err := c.EmbedQuery(context.Background(), "a")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls) // one for "a" query, one batch call for just "b"
}

func TestCachedProvider_EmbedBatch_EmptyInput(t *testing.T) {
	c := NewCachedProvider(NewLocalProvider(8), 10)
	vecs, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestCachedProvider_PassthroughMetadata(t *testing.T) {
	c := NewCachedProvider(NewLocalProvider(64), 10)
	assert.Equal(t, ProviderLocal, c.ID())
	assert.Equal(t, 64, c.Dimensions())
	assert.True(t, c.Available(context.Background()))
}
