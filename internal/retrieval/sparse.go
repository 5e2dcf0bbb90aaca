// Package retrieval finds the knowledge chunks relevant to a query: a
// sparse keyword retriever, a dense vector search through the document
// store, a hybrid fusion of the two, and the parent-document resolver.
package retrieval

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"knowledgehub/internal/logging"
	"knowledgehub/internal/store"
)

// =============================================================================
// SPARSE RETRIEVER - Keyword search over the indexed corpus
// =============================================================================

// SparseRetriever scores documents by weighted term overlap with the
// query. The whole corpus is held in memory as term-frequency vectors;
// Refresh rebuilds it from the store.
type SparseRetriever struct {
	mu       sync.RWMutex
	docs     []sparseDoc
	docFreq  map[string]int
	k        int
	loadedAt time.Time
}

type sparseDoc struct {
	doc store.Document
	vec map[string]float64
}

// DocumentSource is the slice of the store the sparse retriever needs.
type DocumentSource interface {
	AllDocuments(ctx context.Context) ([]store.Document, error)
}

// NewSparseRetriever builds an empty retriever with the given default K.
func NewSparseRetriever(k int) *SparseRetriever {
	return &SparseRetriever{
		docFreq: make(map[string]int),
		k:       k,
	}
}

// Refresh reloads and re-indexes the corpus.
func (r *SparseRetriever) Refresh(ctx context.Context, src DocumentSource) error {
	timer := logging.StartTimer(logging.CategoryRetrieval, "sparse refresh")
	defer timer.Stop()

	docs, err := src.AllDocuments(ctx)
	if err != nil {
		return err
	}

	indexed := make([]sparseDoc, 0, len(docs))
	docFreq := make(map[string]int)
	for _, doc := range docs {
		vec := termFrequencies(doc.Content)
		if len(vec) == 0 {
			continue
		}
		for term := range vec {
			docFreq[term]++
		}
		indexed = append(indexed, sparseDoc{doc: doc, vec: vec})
	}

	r.mu.Lock()
	r.docs = indexed
	r.docFreq = docFreq
	r.loadedAt = time.Now()
	r.mu.Unlock()

	logging.Retrieval("sparse index refreshed: %d documents, %d terms", len(indexed), len(docFreq))
	return nil
}

// K returns the current result count.
func (r *SparseRetriever) K() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.k
}

// SetK changes the result count; the hybrid retriever widens it
// temporarily during fusion and restores it afterwards.
func (r *SparseRetriever) SetK(k int) {
	r.mu.Lock()
	r.k = k
	r.mu.Unlock()
}

// Search returns the top documents by sparse similarity to the query,
// using the currently configured K.
func (r *SparseRetriever) Search(ctx context.Context, query string) ([]store.ScoredDocument, error) {
	r.mu.RLock()
	k := r.k
	docs := r.docs
	total := len(r.docs)
	docFreq := r.docFreq
	r.mu.RUnlock()

	queryVec := termFrequencies(query)
	if len(queryVec) == 0 || total == 0 {
		return nil, nil
	}

	// IDF-weight the query terms so rare exact terms dominate.
	weighted := make(map[string]float64, len(queryVec))
	for term, tf := range queryVec {
		df := docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + float64(total)/float64(df))
		weighted[term] = tf * idf
	}

	var hits []store.ScoredDocument
	for _, sd := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := SparseSimilarity(weighted, sd.vec)
		if score <= 0 {
			continue
		}
		hits = append(hits, store.ScoredDocument{Document: sd.doc, Similarity: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SparseVector exposes the term-frequency encoding, used by the hybrid
// re-rank stage.
func (r *SparseRetriever) SparseVector(text string) map[string]float64 {
	return termFrequencies(text)
}

// SparseSimilarity is the normalized dot product of two sparse vectors.
func SparseSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for term, av := range a {
		magA += av * av
		if bv, ok := b[term]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		magB += bv * bv
	}
	if dot == 0 || magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// =============================================================================
// TOKENIZATION
// =============================================================================

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "to": true,
	"was": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "you": true,
}

// termFrequencies tokenizes text into a normalized term-frequency map.
func termFrequencies(text string) map[string]float64 {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return nil
	}

	counts := make(map[string]float64)
	var kept int
	for _, tok := range tokens {
		if stopwords[tok] || len(tok) < 2 {
			continue
		}
		counts[tok]++
		kept++
	}
	if kept == 0 {
		return nil
	}
	for term := range counts {
		counts[term] /= float64(kept)
	}
	return counts
}
