package config

import (
	"os"
	"time"
)

// CacheConfig configures the four-tier cache hierarchy.
type CacheConfig struct {
	// UseRedis selects Redis for the exact (T3) tier; off means in-process.
	UseRedis bool `yaml:"use_redis"`

	// ExactTTL bounds T3 entries keyed on the original query + history.
	ExactTTL time.Duration `yaml:"exact_ttl"`

	// Semantic (T4) tier: cosine threshold and entry TTL.
	SemanticThreshold float64       `yaml:"semantic_threshold"`
	SemanticTTL       time.Duration `yaml:"semantic_ttl"`

	// FAQ (T2) tier: curated question list with fuzzy matching.
	UseFAQIndex     bool          `yaml:"use_faq_index"`
	FAQPath         string        `yaml:"faq_path"`          // curated YAML, hot-reloaded
	FAQThreshold    int           `yaml:"faq_threshold"`     // token-sort ratio 0-100
	FAQRefreshEvery time.Duration `yaml:"faq_refresh_every"` // background answer pre-generation

	// Short-query expansion (pre-T4).
	EnableExpansion  bool `yaml:"enable_expansion"`
	ExpansionLRUSize int  `yaml:"expansion_lru_size"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		UseRedis:          true,
		ExactTTL:          time.Hour,
		SemanticThreshold: 0.90,
		SemanticTTL:       72 * time.Hour,
		UseFAQIndex:       true,
		FAQPath:           "data/faq.yaml",
		FAQThreshold:      85,
		FAQRefreshEvery:   6 * time.Hour,
		EnableExpansion:   true,
		ExpansionLRUSize:  512,
	}
}

func (c *CacheConfig) applyEnv() {
	c.UseRedis = envBool("USE_REDIS_CACHE", c.UseRedis)
	c.ExactTTL = envDuration("EXACT_CACHE_TTL", c.ExactTTL)
	c.SemanticThreshold = envFloat("SEMANTIC_CACHE_THRESHOLD", c.SemanticThreshold)
	c.SemanticTTL = envDuration("SEMANTIC_CACHE_TTL", c.SemanticTTL)
	c.UseFAQIndex = envBool("USE_FAQ_INDEXING", c.UseFAQIndex)
	if v := os.Getenv("FAQ_PATH"); v != "" {
		c.FAQPath = v
	}
	c.FAQThreshold = envInt("FAQ_MATCH_THRESHOLD", c.FAQThreshold)
	c.EnableExpansion = envBool("ENABLE_QUERY_EXPANSION", c.EnableExpansion)
}
