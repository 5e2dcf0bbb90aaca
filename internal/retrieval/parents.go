package retrieval

import (
	"context"
	"sync"

	"knowledgehub/internal/logging"
	"knowledgehub/internal/store"
)

// =============================================================================
// PARENT RESOLVER - Parent-document pattern
// =============================================================================

// ParentSource loads the chunk map the resolver works from.
type ParentSource interface {
	ParentChunks(ctx context.Context) (map[string]store.Document, error)
}

// ParentResolver swaps synthetic question hits for their parent chunks.
// The parent map is loaded lazily and refreshed on demand; stale reads
// after an ingestion update are tolerated (the resolver falls back to the
// synthetic hit when a parent is missing).
type ParentResolver struct {
	source ParentSource

	mu      sync.RWMutex
	parents map[string]store.Document
	loaded  bool
}

// NewParentResolver builds a resolver over the given source.
func NewParentResolver(source ParentSource) *ParentResolver {
	return &ParentResolver{source: source}
}

// Resolve replaces synthetic documents with their parents and deduplicates
// by chunk_id, preserving first-occurrence order. Missing parents keep the
// synthetic hit.
func (r *ParentResolver) Resolve(ctx context.Context, docs []store.ScoredDocument) []store.ScoredDocument {
	if len(docs) == 0 {
		return docs
	}
	parents := r.parentMap(ctx)

	seen := make(map[string]bool, len(docs))
	out := make([]store.ScoredDocument, 0, len(docs))
	for _, hit := range docs {
		resolved := hit
		if hit.IsSynthetic && hit.ParentChunkID != "" {
			if parent, ok := parents[hit.ParentChunkID]; ok {
				resolved = store.ScoredDocument{Document: parent, Similarity: hit.Similarity}
			} else {
				logging.Retrieval("parent chunk %s missing, keeping synthetic hit %s", hit.ParentChunkID, hit.ChunkID)
			}
		}
		if resolved.ChunkID != "" {
			if seen[resolved.ChunkID] {
				continue
			}
			seen[resolved.ChunkID] = true
		}
		out = append(out, resolved)
	}
	return out
}

// Reload forces a fresh parent map on the next Resolve.
func (r *ParentResolver) Reload() {
	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()
}

func (r *ParentResolver) parentMap(ctx context.Context) map[string]store.Document {
	r.mu.RLock()
	if r.loaded {
		parents := r.parents
		r.mu.RUnlock()
		return parents
	}
	r.mu.RUnlock()

	parents, err := r.source.ParentChunks(ctx)
	if err != nil {
		logging.Retrieval("parent map load failed, resolving without parents: %v", err)
		return nil
	}

	r.mu.Lock()
	r.parents = parents
	r.loaded = true
	r.mu.Unlock()
	return parents
}
