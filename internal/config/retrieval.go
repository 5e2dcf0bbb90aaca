package config

import (
	"fmt"
	"os"
)

// RetrievalConfig configures hybrid retrieval and query shaping.
type RetrievalConfig struct {
	// K is the final number of context documents; dense and sparse each
	// search 2K before merge.
	K int `yaml:"k"`

	// MinVectorSimilarity is the cosine floor applied to dense hits.
	MinVectorSimilarity float64 `yaml:"min_vector_similarity"`

	// SparseRerankLimit re-ranks the top R merged candidates by sparse
	// similarity; 0 disables the re-rank pass.
	SparseRerankLimit int `yaml:"sparse_rerank_limit"`

	// MaxQueryLength bounds raw query text before sanitization rejects it.
	MaxQueryLength int `yaml:"max_query_length"`

	// MaxHistoryPairs truncates chat history to the most recent N
	// (user, assistant) pairs.
	MaxHistoryPairs int `yaml:"max_history_pairs"`

	// DatabasePath locates the SQLite document store and vector index.
	DatabasePath string `yaml:"database_path"`
}

// DefaultRetrievalConfig returns sensible defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		K:                   5,
		MinVectorSimilarity: 0.28,
		SparseRerankLimit:   10,
		MaxQueryLength:      2000,
		MaxHistoryPairs:     2,
		DatabasePath:        "data/knowledgehub.db",
	}
}

func (c *RetrievalConfig) applyEnv() {
	c.K = envInt("RETRIEVER_K", c.K)
	c.MinVectorSimilarity = envFloat("MIN_VECTOR_SIMILARITY", c.MinVectorSimilarity)
	c.SparseRerankLimit = envInt("SPARSE_RERANK_LIMIT", c.SparseRerankLimit)
	c.MaxQueryLength = envInt("MAX_QUERY_LENGTH", c.MaxQueryLength)
	c.MaxHistoryPairs = envInt("MAX_CHAT_HISTORY_PAIRS", c.MaxHistoryPairs)
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
}

// Validate checks retrieval invariants.
func (c *RetrievalConfig) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("retriever k must be >= 1")
	}
	if c.MinVectorSimilarity < -1 || c.MinVectorSimilarity > 1 {
		return fmt.Errorf("min_vector_similarity must be within [-1, 1]")
	}
	if c.MaxHistoryPairs < 0 {
		return fmt.Errorf("max_history_pairs must be >= 0")
	}
	return nil
}
