package store

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/internal/logging"
)

// SemanticEntry is a semantic-cache hit.
type SemanticEntry struct {
	Query      string
	Answer     string
	Sources    string // serialized source list
	Similarity float64
}

// SemanticPut stores an answer keyed by the rewritten query's embedding.
func (s *Store) SemanticPut(ctx context.Context, query, answer, sources string, embedding []float32, ttl time.Duration) error {
	vec, err := encodeVector(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	if vec == nil {
		return fmt.Errorf("semantic cache entry requires an embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_cache (query, answer, sources, embedding, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		query, answer, sources, vec, time.Now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to store semantic entry: %w", err)
	}
	return nil
}

// SemanticLookup returns the best unexpired entry with cosine similarity at
// or above the threshold, or found=false.
func (s *Store) SemanticLookup(ctx context.Context, query []float32, threshold float64) (SemanticEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT query, answer, sources, embedding
		FROM semantic_cache
		WHERE expires_at > ?`, time.Now().Unix())
	if err != nil {
		return SemanticEntry{}, false, fmt.Errorf("semantic lookup failed: %w", err)
	}
	defer rows.Close()

	var (
		best  SemanticEntry
		found bool
	)
	for rows.Next() {
		var entry SemanticEntry
		var vecJSON string
		if err := rows.Scan(&entry.Query, &entry.Answer, &entry.Sources, &vecJSON); err != nil {
			continue
		}
		vec, err := decodeVector(vecJSON)
		if err != nil {
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil || sim < threshold {
			continue
		}
		if !found || sim > best.Similarity {
			entry.Similarity = sim
			best = entry
			found = true
		}
	}
	return best, found, rows.Err()
}

// PurgeExpiredSemantic removes dead cache rows; run periodically.
func (s *Store) PurgeExpiredSemantic(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("purged %d expired semantic cache rows", n)
	}
	return n, nil
}

// ClearSemantic drops the whole semantic cache (admin operation).
func (s *Store) ClearSemantic(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache`)
	return err
}
