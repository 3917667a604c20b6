// Package search implements §4.4's hybrid search: a parallel scan of the
// keyword and vector indexes per query, merged by a weighted linear
// combination rather than reciprocal-rank fusion. When hybrid.enabled is
// false, the keyword leg is skipped and raw vector results are returned.
package search

import (
	"context"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw-labs/memory-index/internal/config"
	"github.com/openclaw-labs/memory-index/internal/embed"
	"github.com/openclaw-labs/memory-index/internal/store"
)

// Syncer is the Searcher's view into the Syncer, mirroring the
// sync.ManagerContext decoupling idiom used elsewhere in this module: a
// narrow capability interface instead of a direct dependency on
// sync.Options/sync.Syncer's full surface.
type Syncer interface {
	// IsDirty reports whether the index has pending unsynced changes.
	IsDirty() bool
	// OnSessionStart warms the given session key, per sync.onSessionStart.
	OnSessionStart(ctx context.Context, sessionKey string)
	// TriggerSearchSync schedules a fire-and-forget "search" sync.
	TriggerSearchSync(ctx context.Context)
}

// Options configures one Search call, overriding the Hybrid config's
// defaults where set.
type Options struct {
	// MaxResults truncates the fused result set. <= 0 uses the configured
	// default.
	MaxResults int
	// Sources restricts results to the given store.Source values. Empty
	// means no filtering.
	Sources []store.Source
	// SessionKey, if non-empty, warms this session via the Syncer's
	// onSessionStart rule before the search runs (§4.4 step 2).
	SessionKey string
}

// Searcher runs hybrid search over a Store's keyword and vector indexes.
type Searcher struct {
	st       *store.Store
	embedMgr *embed.Manager
	hybrid   config.HybridConfig
	sync     config.SyncConfig
	syncer   Syncer
}

// New constructs a Searcher. syncer may be nil, in which case session
// warming and onSearch-triggered syncs are skipped.
func New(st *store.Store, embedMgr *embed.Manager, hybrid config.HybridConfig, sync config.SyncConfig, syncer Syncer) *Searcher {
	return &Searcher{st: st, embedMgr: embedMgr, hybrid: hybrid, sync: sync, syncer: syncer}
}

// Search runs the fused keyword+vector search for query.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]store.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []store.SearchResult{}, nil
	}

	if opts.SessionKey != "" && s.syncer != nil {
		s.syncer.OnSessionStart(ctx, opts.SessionKey)
	}
	if s.sync.OnSearch && s.syncer != nil && s.syncer.IsDirty() {
		s.syncer.TriggerSearchSync(ctx)
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = s.hybrid.MaxResults
	}
	if maxResults <= 0 {
		maxResults = 10
	}

	candidates := candidateCount(maxResults, s.hybrid.CandidateMultiplier)

	var keywordHits, vectorHits []store.SearchResult

	var keywordErr, vectorErr error

	g, gctx := errgroup.WithContext(ctx)
	if s.hybrid.Enabled {
		g.Go(func() error {
			hits, err := s.st.SearchFTS(query, s.embedMgr.Status().Model, candidates)
			if err != nil {
				keywordErr = err
				return nil // graceful degradation: let the vector leg continue
			}
			keywordHits = hits
			return nil
		})
	}
	g.Go(func() error {
		vec, err := s.embedMgr.EmbedQuery(gctx, query)
		if err != nil {
			vectorErr = err
			return nil
		}
		if isZeroVector(vec) {
			return nil
		}
		hits, err := s.st.VectorSearch(vec, candidates)
		if err != nil {
			vectorErr = err
			return nil
		}
		vectorHits = hits
		return nil
	})
	_ = g.Wait() // both legs are self-contained; nothing ever returns an error here

	if s.hybrid.Enabled {
		if keywordErr != nil && vectorErr != nil {
			return nil, keywordErr
		}
	} else if vectorErr != nil {
		return nil, vectorErr
	}

	var results []store.SearchResult
	if s.hybrid.Enabled {
		results = fuse(keywordHits, vectorHits, s.hybrid.TextWeight, s.hybrid.VectorWeight)
	} else {
		// §4.4 step 5: hybrid disabled returns raw vector results.
		results = vectorHits
	}

	if len(opts.Sources) > 0 {
		allowed := make(map[store.Source]bool, len(opts.Sources))
		for _, src := range opts.Sources {
			allowed[src] = true
		}
		filtered := results[:0]
		for _, r := range results {
			if allowed[r.Source] {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if s.hybrid.MinScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= s.hybrid.MinScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// candidateCount implements §4.4's candidate pool sizing:
// min(200, max(1, floor(maxResults*candidateMultiplier))).
func candidateCount(maxResults int, multiplier float64) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	n := int(math.Floor(float64(maxResults) * multiplier))
	if n < 1 {
		n = 1
	}
	if n > 200 {
		n = 200
	}
	return n
}

// fuse merges keyword and vector hits by chunk id, scoring each union
// member with score = vectorWeight*vScore + textWeight*tScore. A result
// present in only one side scores 0 on the side it's missing from.
func fuse(keywordHits, vectorHits []store.SearchResult, textWeight, vectorWeight float64) []store.SearchResult {
	byID := make(map[string]*store.SearchResult, len(keywordHits)+len(vectorHits))
	order := make([]string, 0, len(keywordHits)+len(vectorHits))
	tScores := make(map[string]float64, len(keywordHits))
	vScores := make(map[string]float64, len(vectorHits))

	for _, r := range keywordHits {
		r := r
		if _, ok := byID[r.ChunkID]; !ok {
			byID[r.ChunkID] = &r
			order = append(order, r.ChunkID)
		}
		tScores[r.ChunkID] = r.Score
	}
	for _, r := range vectorHits {
		r := r
		if _, ok := byID[r.ChunkID]; !ok {
			byID[r.ChunkID] = &r
			order = append(order, r.ChunkID)
		}
		vScores[r.ChunkID] = r.Score
	}

	results := make([]store.SearchResult, 0, len(order))
	for _, id := range order {
		r := *byID[id]
		r.Score = vectorWeight*vScores[id] + textWeight*tScores[id]
		results = append(results, r)
	}
	return results
}

func isZeroVector(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
