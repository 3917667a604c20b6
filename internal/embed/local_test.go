package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_EmbedQuery_Deterministic(t *testing.T) {
	p := NewLocalProvider(256)

	a, err := p.EmbedQuery(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := p.EmbedQuery(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 256)
}

func TestLocalProvider_EmbedQuery_EmptyReturnsZeroVector(t *testing.T) {
	p := NewLocalProvider(128)
	vec, err := p.EmbedQuery(context.Background(), "   ")
	require.NoError(t, err)
	assert.True(t, isZeroVector(vec))
}

func TestLocalProvider_EmbedQuery_DifferentTextsDiffer(t *testing.T) {
	p := NewLocalProvider(256)
	a, _ := p.EmbedQuery(context.Background(), "apples and oranges")
	b, _ := p.EmbedQuery(context.Background(), "quantum computing research")
	assert.NotEqual(t, a, b)
}

func TestLocalProvider_EmbedBatch_AlignsWithInput(t *testing.T) {
	p := NewLocalProvider(64)
	vecs, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 64)
	}
}

func TestLocalProvider_DefaultDimensions(t *testing.T) {
	p := NewLocalProvider(0)
	assert.Equal(t, DefaultLocalDimensions, p.Dimensions())
}

func TestLocalProvider_CloseMakesUnavailable(t *testing.T) {
	p := NewLocalProvider(32)
	assert.True(t, p.Available(context.Background()))
	require.NoError(t, p.Close())
	assert.False(t, p.Available(context.Background()))

	_, err := p.EmbedQuery(context.Background(), "x")
	assert.Error(t, err)
}

func TestLocalProvider_ModelNameEncodesDimensions(t *testing.T) {
	p := NewLocalProvider(768)
	assert.Equal(t, "local-768", p.Model())
	assert.Equal(t, ProviderLocal, p.ID())
}
