package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndex_InsertSearch(t *testing.T) {
	v := newVectorIndex(2)

	require.NoError(t, v.Insert("a", []float32{1, 0}))
	require.NoError(t, v.Insert("b", []float32{0, 1}))

	hits, err := v.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	v := newVectorIndex(3)

	err := v.Insert("a", []float32{1, 0})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)
}

func TestVectorIndex_DeleteRemovesFromLenAndSearch(t *testing.T) {
	v := newVectorIndex(2)

	require.NoError(t, v.Insert("a", []float32{1, 0}))
	require.NoError(t, v.Insert("b", []float32{0, 1}))
	assert.Equal(t, 2, v.Len())

	v.Delete("a")
	assert.Equal(t, 1, v.Len())

	hits, err := v.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.ID)
	}
}

func TestVectorIndex_ReinsertSameIDUpdatesVector(t *testing.T) {
	v := newVectorIndex(2)

	require.NoError(t, v.Insert("a", []float32{1, 0}))
	require.NoError(t, v.Insert("a", []float32{0, 1}))

	assert.Equal(t, 1, v.Len())

	hits, err := v.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestVectorIndex_EmptyIndexSearchReturnsNil(t *testing.T) {
	v := newVectorIndex(2)

	hits, err := v.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
