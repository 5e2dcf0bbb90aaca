package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_FeatureFlags(t *testing.T) {
	t.Run("ENABLE_GLOBAL_RATE_LIMIT off", func(t *testing.T) {
		t.Setenv("ENABLE_GLOBAL_RATE_LIMIT", "false")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.False(t, cfg.Admission.EnableGlobalRateLimit)
	})

	t.Run("ENABLE_CHALLENGE_RESPONSE on", func(t *testing.T) {
		t.Setenv("ENABLE_CHALLENGE_RESPONSE", "1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Admission.EnableChallenge)
	})

	t.Run("invalid flag value keeps default", func(t *testing.T) {
		t.Setenv("ENABLE_COST_THROTTLING", "maybe")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Spend.EnableCostThrottle)
	})

	t.Run("TRUST_X_FORWARDED_FOR defaults off", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.False(t, cfg.Admission.TrustXForwardedFor)
	})
}

func TestEnvOverrides_Tunables(t *testing.T) {
	t.Setenv("RETRIEVER_K", "8")
	t.Setenv("MIN_VECTOR_SIMILARITY", "0.35")
	t.Setenv("SPARSE_RERANK_LIMIT", "0")
	t.Setenv("MAX_CHAT_HISTORY_PAIRS", "4")
	t.Setenv("EXACT_CACHE_TTL", "30m")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 8, cfg.Retrieval.K)
	assert.InDelta(t, 0.35, cfg.Retrieval.MinVectorSimilarity, 1e-9)
	assert.Equal(t, 0, cfg.Retrieval.SparseRerankLimit)
	assert.Equal(t, 4, cfg.Retrieval.MaxHistoryPairs)
	assert.Equal(t, 30*time.Minute, cfg.Cache.ExactTTL)
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("GEMINI_API_KEY sets key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gk-test")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gk-test", cfg.LLM.APIKey)
	})

	t.Run("USE_INFINITY_EMBEDDINGS switches provider", func(t *testing.T) {
		t.Setenv("USE_INFINITY_EMBEDDINGS", "true")
		t.Setenv("INFINITY_ENDPOINT", "http://embeddings:7997")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "infinity", cfg.LLM.EmbeddingProvider)
		assert.Equal(t, "http://embeddings:7997", cfg.LLM.InfinityEndpoint)
	})
}

func TestEnvOverrides_DurationSecondsFallback(t *testing.T) {
	// Bare integers are seconds, matching common deployment configs.
	t.Setenv("COST_THROTTLE_DURATION", "900")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 900*time.Second, cfg.Spend.ThrottleDuration)
}

func TestValidate(t *testing.T) {
	t.Run("defaults pass", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
	})

	t.Run("empty ban ladder rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Admission.BanLadder = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad buffer pct rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Spend.ReserveBufferPct = 1.5
		assert.Error(t, cfg.Validate())
	})
}
