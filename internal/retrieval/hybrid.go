package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"knowledgehub/internal/config"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
	"knowledgehub/internal/store"
)

// =============================================================================
// HYBRID RETRIEVER - Dense + sparse fusion
// =============================================================================

// dedupePrefixLen is how much of the content keys merge deduplication.
const dedupePrefixLen = 200

// VectorSearcher is the dense side of the fusion.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, query []float32, k int) ([]store.ScoredDocument, error)
}

// HybridRetriever fuses dense vector search with sparse keyword search.
// Sparse results are merged first: exact-term matches outrank semantic
// near-misses.
type HybridRetriever struct {
	dense  VectorSearcher
	sparse *SparseRetriever
	cfg    config.RetrievalConfig
}

// NewHybridRetriever wires the two sides together.
func NewHybridRetriever(dense VectorSearcher, sparse *SparseRetriever, cfg config.RetrievalConfig) *HybridRetriever {
	return &HybridRetriever{dense: dense, sparse: sparse, cfg: cfg}
}

// Retrieve runs both searches in parallel and fuses the results. A nil
// query vector skips the dense side. An error is returned only when every
// available side failed; the caller then falls back to the history-aware
// retriever.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, vector []float32) ([]store.ScoredDocument, error) {
	start := time.Now()
	k := h.cfg.K
	wide := 2 * k

	var (
		denseHits  []store.ScoredDocument
		sparseHits []store.ScoredDocument
		denseErr   error
		sparseErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	if vector != nil {
		g.Go(func() error {
			t := time.Now()
			denseHits, denseErr = h.dense.VectorSearch(gctx, vector, wide)
			metrics.ObserveRetrieval("dense", time.Since(t).Seconds())
			return nil
		})
	}
	g.Go(func() error {
		t := time.Now()
		sparseHits, sparseErr = h.searchSparseWide(gctx, query, wide)
		metrics.ObserveRetrieval("sparse", time.Since(t).Seconds())
		return nil
	})
	_ = g.Wait() // errors are carried per-side

	if denseErr != nil {
		logging.Retrieval("dense search failed: %v", denseErr)
	}
	if sparseErr != nil {
		logging.Retrieval("sparse search failed: %v", sparseErr)
	}
	if denseErr != nil && sparseErr != nil {
		return nil, fmt.Errorf("hybrid retrieval failed: dense: %v; sparse: %v", denseErr, sparseErr)
	}

	denseHits = h.applySimilarityFloor(denseHits, k)
	merged := mergeDeduped(sparseHits, denseHits)
	merged = h.sparseRerank(query, merged)

	if len(merged) > k {
		merged = merged[:k]
	}
	if len(merged) == 0 {
		metrics.RetrievalEmpty()
	}
	metrics.ObserveRetrieval("total", time.Since(start).Seconds())
	logging.RetrievalDebug("hybrid fusion: %d dense + %d sparse -> %d", len(denseHits), len(sparseHits), len(merged))
	return merged, nil
}

// searchSparseWide widens the sparse retriever's K for the fusion pass and
// restores it afterwards, including on error.
func (h *HybridRetriever) searchSparseWide(ctx context.Context, query string, wide int) ([]store.ScoredDocument, error) {
	original := h.sparse.K()
	h.sparse.SetK(wide)
	defer h.sparse.SetK(original)
	return h.sparse.Search(ctx, query)
}

// applySimilarityFloor drops dense hits below the configured floor unless
// that would leave fewer than K, in which case the top K survive as-is.
func (h *HybridRetriever) applySimilarityFloor(hits []store.ScoredDocument, k int) []store.ScoredDocument {
	if len(hits) == 0 {
		return hits
	}
	kept := hits[:0:0]
	for _, hit := range hits {
		if hit.Similarity >= h.cfg.MinVectorSimilarity {
			kept = append(kept, hit)
		}
	}
	if len(kept) < k {
		if len(hits) > k {
			return hits[:k]
		}
		return hits
	}
	return kept
}

// mergeDeduped concatenates the two lists, first list first, dropping
// later entries whose content prefix was already seen.
func mergeDeduped(first, second []store.ScoredDocument) []store.ScoredDocument {
	seen := make(map[string]bool, len(first)+len(second))
	merged := make([]store.ScoredDocument, 0, len(first)+len(second))
	for _, hit := range append(append([]store.ScoredDocument{}, first...), second...) {
		key := contentKey(hit.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, hit)
	}
	return merged
}

func contentKey(content string) string {
	if len(content) > dedupePrefixLen {
		return content[:dedupePrefixLen]
	}
	return content
}

// sparseRerank reorders the top candidates by sparse similarity to the
// query; the tail keeps its merge order.
func (h *HybridRetriever) sparseRerank(query string, merged []store.ScoredDocument) []store.ScoredDocument {
	limit := h.cfg.SparseRerankLimit
	if limit <= 1 || len(merged) <= 1 {
		return merged
	}
	if limit > len(merged) {
		limit = len(merged)
	}

	t := time.Now()
	queryVec := h.sparse.SparseVector(query)
	type scored struct {
		hit   store.ScoredDocument
		score float64
	}
	ranked := make([]scored, limit)
	for i, hit := range merged[:limit] {
		ranked[i] = scored{hit: hit, score: SparseSimilarity(queryVec, h.sparse.SparseVector(hit.Content))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	head := make([]store.ScoredDocument, limit)
	for i, rs := range ranked {
		head[i] = rs.hit
	}
	metrics.ObserveRetrieval("rerank", time.Since(t).Seconds())

	out := make([]store.ScoredDocument, 0, len(merged))
	out = append(out, head...)
	out = append(out, merged[limit:]...)
	return out
}
