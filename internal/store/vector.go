package store

import (
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// vectorIndex is the in-process HNSW graph backing the conceptual
// chunks_vec virtual table. It is created lazily on the first non-empty
// embedding so the dimension can be taken from real data.
//
// Deletion is lazy: a re-inserted or removed chunk ID is dropped from the
// id/key maps but its old node is left in the graph as an orphan, rather
// than calling the graph's own Delete, which is unsafe when it removes the
// last remaining node.
type vectorIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	dims    int
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newVectorIndex(dims int) *vectorIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	return &vectorIndex{
		graph:  g,
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

func (v *vectorIndex) Dims() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dims
}

func (v *vectorIndex) Insert(id string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(vec) != v.dims {
		return ErrDimensionMismatch{Expected: v.dims, Got: len(vec)}
	}

	if oldKey, exists := v.idMap[id]; exists {
		delete(v.keyMap, oldKey)
		delete(v.idMap, id)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeVector(normalized)

	key := v.nextKey
	v.nextKey++

	v.graph.Add(hnsw.MakeNode(key, normalized))
	v.idMap[id] = key
	v.keyMap[key] = id

	return nil
}

func (v *vectorIndex) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, exists := v.idMap[id]; exists {
		delete(v.keyMap, key)
		delete(v.idMap, id)
	}
}

type vectorHit struct {
	ID    string
	Score float64
}

func (v *vectorIndex) Search(query []float32, k int) ([]vectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(query) != v.dims {
		return nil, ErrDimensionMismatch{Expected: v.dims, Got: len(query)}
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeVector(normalized)

	// Over-fetch since lazily-deleted orphans still occupy graph slots.
	nodes := v.graph.Search(normalized, k*3+10)
	hits := make([]vectorHit, 0, k)
	for _, n := range nodes {
		id, ok := v.keyMap[n.Key]
		if !ok {
			continue // orphaned node from a lazy delete/update
		}
		dist := v.graph.Distance(normalized, n.Value)
		hits = append(hits, vectorHit{ID: id, Score: cosineDistanceToScore(dist)})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// Len returns the number of live (non-orphaned) vectors.
func (v *vectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// normalizeVector normalizes v to unit length in place, the precondition
// for coder/hnsw's CosineDistance to behave as true cosine similarity.
func normalizeVector(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosineDistanceToScore maps coder/hnsw's cosine distance (0=identical,
// 2=opposite) onto a [0,1] similarity score.
func cosineDistanceToScore(distance float32) float64 {
	score := 1.0 - float64(distance)/2.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
