package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteProvider_EmbedBatch_ParsesResponse(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{"data":[{"embedding":[0.1,0.2],"index":1},{"embedding":[0.3,0.4],"index":0}]}`}
	p := newRemoteProvider(ProviderOpenAI, "https://api.example.com", "test-model", 2, "Authorization", "Bearer key", doer)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.3, 0.4}, vecs[0])
	assert.Equal(t, []float32{0.1, 0.2}, vecs[1])
}

func TestRemoteProvider_EmbedBatch_NonOKStatusErrors(t *testing.T) {
	doer := &fakeDoer{status: 429, body: `{"error":"rate limited"}`}
	p := newRemoteProvider(ProviderOpenAI, "https://api.example.com", "m", 2, "", "", doer)

	_, err := p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestRemoteProvider_EmbedBatch_MismatchedVectorCountErrors(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{"data":[{"embedding":[0.1],"index":0}]}`}
	p := newRemoteProvider(ProviderOpenAI, "https://api.example.com", "m", 1, "", "", doer)

	_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestRemoteProvider_EmbedQuery_DelegatesToBatch(t *testing.T) {
	doer := &fakeDoer{status: 200, body: `{"data":[{"embedding":[0.5,0.6],"index":0}]}`}
	p := newRemoteProvider(ProviderGemini, "https://api.example.com", "m", 2, "", "", doer)

	vec, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, vec)
}

func TestRemoteProvider_EmbedBatch_EmptyInput(t *testing.T) {
	p := newRemoteProvider(ProviderOpenAI, "https://api.example.com", "m", 2, "", "", &fakeDoer{})
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
