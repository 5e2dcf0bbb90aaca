package cache

import (
	"context"
	"encoding/json"
	"time"

	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
	"knowledgehub/internal/store"
)

// SemanticStore is the vector-keyed answer cache (T4), backed by the
// document store's semantic_cache table.
type SemanticStore interface {
	SemanticLookup(ctx context.Context, query []float32, threshold float64) (store.SemanticEntry, bool, error)
	SemanticPut(ctx context.Context, query, answer, sources string, embedding []float32, ttl time.Duration) error
}

// Hierarchy runs the cache tiers in order and applies the coherence
// rules. Tier checks never fail a request; every error degrades to a
// miss.
type Hierarchy struct {
	faq      *FAQIndex // nil when the FAQ tier is disabled
	exact    *ExactCache
	semantic SemanticStore

	semanticThreshold float64
	semanticTTL       time.Duration
	excludedText      string
}

// NewHierarchy wires the tiers. faq may be nil.
func NewHierarchy(faq *FAQIndex, exact *ExactCache, semantic SemanticStore, threshold float64, semanticTTL time.Duration, excludedText string) *Hierarchy {
	return &Hierarchy{
		faq:               faq,
		exact:             exact,
		semantic:          semantic,
		semanticThreshold: threshold,
		semanticTTL:       semanticTTL,
		excludedText:      excludedText,
	}
}

// CheckPre runs T1 and T2 against the rewritten query. Intent
// classification is skipped for history-dependent queries so a "thanks"
// follow-up is not greeted from cache. A T2 hit also disables T4 for the
// rest of the request.
func (h *Hierarchy) CheckPre(query string, isDependent bool) (Answer, bool) {
	if !isDependent {
		if intent := ClassifyIntent(query); intent != IntentNone {
			if answer, ok := IntentAnswer(intent); ok {
				metrics.CacheHit(OriginIntent)
				logging.Cache("intent hit: %s", intent)
				return answer, true
			}
		}
	}
	metrics.CacheMiss(OriginIntent)

	if h.faq != nil {
		if answer, score, ok := h.faq.Match(query); ok {
			metrics.CacheHit(OriginFAQ)
			logging.Cache("faq hit (score %d)", score)
			return answer, true
		}
	}
	metrics.CacheMiss(OriginFAQ)
	return Answer{}, false
}

// CheckExact runs T3 against the original query and its history context.
func (h *Hierarchy) CheckExact(ctx context.Context, query string, history []llm.Turn) (Answer, bool) {
	if answer, ok := h.exact.Get(ctx, query, history); ok {
		metrics.CacheHit(OriginExact)
		return answer, true
	}
	metrics.CacheMiss(OriginExact)
	return Answer{}, false
}

// CheckSemantic runs T4 against the rewritten query's embedding. A nil
// vector (embedding unavailable) is a miss.
func (h *Hierarchy) CheckSemantic(ctx context.Context, vector []float32) (Answer, bool) {
	if h.semantic == nil || vector == nil {
		return Answer{}, false
	}
	entry, found, err := h.semantic.SemanticLookup(ctx, vector, h.semanticThreshold)
	if err != nil {
		logging.CacheDebug("semantic lookup failed: %v", err)
		metrics.CacheMiss(OriginSemantic)
		return Answer{}, false
	}
	if !found || entry.Answer == h.excludedText {
		metrics.CacheMiss(OriginSemantic)
		return Answer{}, false
	}

	var sources []store.Document
	if entry.Sources != "" {
		if err := json.Unmarshal([]byte(entry.Sources), &sources); err != nil {
			logging.CacheDebug("semantic entry has undecodable sources, serving answer only: %v", err)
			sources = nil
		}
	}
	metrics.CacheHit(OriginSemantic)
	logging.Cache("semantic hit (similarity %.3f)", entry.Similarity)
	return Answer{Text: entry.Answer, Sources: publishedOnly(sources), Origin: OriginSemantic}, true
}

// StoreAnswer writes T3 (keyed by the original query plus history) and T4
// (keyed by the rewritten query's embedding), best-effort. The generic
// error answer is never written; draft sources are stripped first.
func (h *Hierarchy) StoreAnswer(ctx context.Context, originalQuery string, history []llm.Turn, rewritten string, vector []float32, answer Answer) {
	if answer.Text == h.excludedText || answer.Text == "" {
		return
	}
	answer.Sources = publishedOnly(answer.Sources)

	if err := h.exact.Put(ctx, originalQuery, history, answer); err != nil {
		logging.CacheDebug("exact cache write failed: %v", err)
	}

	if h.semantic == nil || vector == nil {
		return
	}
	sourcesJSON, err := json.Marshal(answer.Sources)
	if err != nil {
		logging.CacheDebug("semantic cache write failed to serialize sources: %v", err)
		return
	}
	if err := h.semantic.SemanticPut(ctx, rewritten, answer.Text, string(sourcesJSON), vector, h.semanticTTL); err != nil {
		logging.CacheDebug("semantic cache write failed: %v", err)
	}
}
