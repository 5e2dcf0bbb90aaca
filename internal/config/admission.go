package config

import (
	"fmt"
	"os"
	"time"
)

// AdmissionConfig configures the admission gate: rate limits, progressive
// bans, challenge-response, bot verification, and the KV store backing them.
type AdmissionConfig struct {
	// RedisURL backs all admission and spend state. Empty falls back to the
	// in-process engine (single-replica development only).
	RedisURL string `yaml:"redis_url"`

	// Per-identifier sliding windows.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`

	// Global sliding windows, shared across all callers.
	EnableGlobalRateLimit bool `yaml:"enable_global_rate_limit"`
	GlobalPerMinute       int  `yaml:"global_per_minute"`
	GlobalPerHour         int  `yaml:"global_per_hour"`

	// StrictMultiplier divides the per-identifier limits for callers that
	// fail bot verification (10 means 10x tighter).
	StrictMultiplier int `yaml:"strict_multiplier"`

	// BanLadder holds progressive ban durations indexed by the 24h
	// violation count (1-based; counts past the end use the last entry).
	BanLadder []time.Duration `yaml:"ban_ladder"`

	// Challenge-response fingerprinting.
	EnableChallenge     bool          `yaml:"enable_challenge"`
	ChallengeTTL        time.Duration `yaml:"challenge_ttl"`
	MaxActiveChallenges int           `yaml:"max_active_challenges"`

	// Cloudflare Turnstile bot verification. Failures never block; they
	// switch the caller to the strict bucket.
	EnableTurnstile  bool          `yaml:"enable_turnstile"`
	TurnstileSecret  string        `yaml:"turnstile_secret"`
	TurnstileTimeout time.Duration `yaml:"turnstile_timeout"`

	// TrustXForwardedFor allows the leftmost X-Forwarded-For IP as client
	// identity. Only enable behind a trusted proxy.
	TrustXForwardedFor bool `yaml:"trust_x_forwarded_for"`

	// KVTimeout bounds every atomic script call; on timeout admission
	// fails open.
	KVTimeout time.Duration `yaml:"kv_timeout"`
}

// DefaultAdmissionConfig returns sensible defaults.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		RequestsPerMinute:     10,
		RequestsPerHour:       60,
		EnableGlobalRateLimit: true,
		GlobalPerMinute:       300,
		GlobalPerHour:         6000,
		StrictMultiplier:      10,
		BanLadder: []time.Duration{
			60 * time.Second,
			300 * time.Second,
			900 * time.Second,
			3600 * time.Second,
		},
		EnableChallenge:     false,
		ChallengeTTL:        5 * time.Minute,
		MaxActiveChallenges: 10,
		EnableTurnstile:     false,
		TurnstileTimeout:    5 * time.Second,
		TrustXForwardedFor:  false,
		KVTimeout:           2 * time.Second,
	}
}

func (c *AdmissionConfig) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	c.RequestsPerMinute = envInt("RATE_LIMIT_PER_MINUTE", c.RequestsPerMinute)
	c.RequestsPerHour = envInt("RATE_LIMIT_PER_HOUR", c.RequestsPerHour)
	c.EnableGlobalRateLimit = envBool("ENABLE_GLOBAL_RATE_LIMIT", c.EnableGlobalRateLimit)
	c.GlobalPerMinute = envInt("GLOBAL_RATE_LIMIT_PER_MINUTE", c.GlobalPerMinute)
	c.GlobalPerHour = envInt("GLOBAL_RATE_LIMIT_PER_HOUR", c.GlobalPerHour)
	c.EnableChallenge = envBool("ENABLE_CHALLENGE_RESPONSE", c.EnableChallenge)
	c.ChallengeTTL = envDuration("CHALLENGE_TTL", c.ChallengeTTL)
	c.EnableTurnstile = envBool("ENABLE_TURNSTILE", c.EnableTurnstile)
	if v := os.Getenv("TURNSTILE_SECRET_KEY"); v != "" {
		c.TurnstileSecret = v
	}
	c.TrustXForwardedFor = envBool("TRUST_X_FORWARDED_FOR", c.TrustXForwardedFor)
	c.KVTimeout = envDuration("KV_TIMEOUT", c.KVTimeout)
}

// Validate checks admission invariants.
func (c *AdmissionConfig) Validate() error {
	if c.RequestsPerMinute < 1 || c.RequestsPerHour < 1 {
		return fmt.Errorf("per-identifier rate limits must be >= 1")
	}
	if c.StrictMultiplier < 1 {
		return fmt.Errorf("strict_multiplier must be >= 1")
	}
	if len(c.BanLadder) == 0 {
		return fmt.Errorf("ban_ladder must not be empty")
	}
	return nil
}
