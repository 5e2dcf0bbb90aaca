package config

import (
	"os"
	"time"
)

// LLMConfig configures the language-model and embedding backends.
type LLMConfig struct {
	// Provider: "genai" (Gemini API) is the only generation backend.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`

	// GenerationModel answers user queries; RouterModel does the cheap
	// structured-output standalone rewrite and short-query expansion.
	GenerationModel string `yaml:"generation_model"`
	RouterModel     string `yaml:"router_model"`

	// Embedding backend: "genai" or "infinity" (self-hosted HTTP server).
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`
	InfinityEndpoint  string `yaml:"infinity_endpoint"`

	// Temperature for generation; the router always runs near-deterministic.
	Temperature float64 `yaml:"temperature"`

	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	RouterTimeout   time.Duration `yaml:"router_timeout"`
	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
}

// DefaultLLMConfig returns sensible defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:          "genai",
		GenerationModel:   "gemini-2.0-flash",
		RouterModel:       "gemini-2.0-flash-lite",
		EmbeddingProvider: "genai",
		EmbeddingModel:    "gemini-embedding-001",
		InfinityEndpoint:  "http://localhost:7997",
		Temperature:       0.2,
		GenerateTimeout:   120 * time.Second,
		RouterTimeout:     10 * time.Second,
		EmbedTimeout:      15 * time.Second,
	}
}

func (c *LLMConfig) applyEnv() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.APIKey = key
	}
	if v := os.Getenv("GENERATION_MODEL"); v != "" {
		c.GenerationModel = v
	}
	if v := os.Getenv("ROUTER_MODEL"); v != "" {
		c.RouterModel = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.EmbeddingModel = v
	}
	if envBool("USE_INFINITY_EMBEDDINGS", c.EmbeddingProvider == "infinity") {
		c.EmbeddingProvider = "infinity"
	}
	if v := os.Getenv("INFINITY_ENDPOINT"); v != "" {
		c.InfinityEndpoint = v
	}
	c.GenerateTimeout = envDuration("LLM_GENERATE_TIMEOUT", c.GenerateTimeout)
	c.EmbedTimeout = envDuration("LLM_EMBED_TIMEOUT", c.EmbedTimeout)
}
