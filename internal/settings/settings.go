// Package settings serves runtime-tunable abuse prevention settings. The
// environment-derived configuration supplies defaults; a JSON blob stored
// in the KV store overrides them field by field. A process-local cache
// bounds the read rate; admin writes invalidate it.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"knowledgehub/internal/config"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/logging"
)

// cacheTTL bounds how stale an admission decision's settings view may be.
const cacheTTL = 30 * time.Second

// Abuse is the effective abuse prevention settings after overlaying the
// stored blob on the environment defaults.
type Abuse struct {
	RequestsPerMinute    int64   `json:"requests_per_minute"`
	RequestsPerHour      int64   `json:"requests_per_hour"`
	EnableGlobalLimit    bool    `json:"enable_global_rate_limit"`
	GlobalPerMinute      int64   `json:"global_requests_per_minute"`
	GlobalPerHour        int64   `json:"global_requests_per_hour"`
	EnableChallenge      bool    `json:"enable_challenge_response"`
	EnableBotCheck       bool    `json:"enable_bot_verification"`
	EnableCostThrottle   bool    `json:"enable_cost_throttling"`
	WindowThresholdUSD   float64 `json:"cost_window_threshold_usd"`
	UserDailyLimitUSD    float64 `json:"cost_user_daily_limit_usd"`
	ThrottleDurationSecs int64   `json:"cost_throttle_duration_seconds"`
}

// overlay mirrors Abuse with pointer fields so a stored blob can override
// any subset and leave the rest on their defaults.
type overlay struct {
	RequestsPerMinute    *int64   `json:"requests_per_minute,omitempty"`
	RequestsPerHour      *int64   `json:"requests_per_hour,omitempty"`
	EnableGlobalLimit    *bool    `json:"enable_global_rate_limit,omitempty"`
	GlobalPerMinute      *int64   `json:"global_requests_per_minute,omitempty"`
	GlobalPerHour        *int64   `json:"global_requests_per_hour,omitempty"`
	EnableChallenge      *bool    `json:"enable_challenge_response,omitempty"`
	EnableBotCheck       *bool    `json:"enable_bot_verification,omitempty"`
	EnableCostThrottle   *bool    `json:"enable_cost_throttling,omitempty"`
	WindowThresholdUSD   *float64 `json:"cost_window_threshold_usd,omitempty"`
	UserDailyLimitUSD    *float64 `json:"cost_user_daily_limit_usd,omitempty"`
	ThrottleDurationSecs *int64   `json:"cost_throttle_duration_seconds,omitempty"`
}

// Store reads and writes the abuse prevention settings.
type Store struct {
	engine   kv.Engine
	defaults Abuse

	mu        sync.Mutex
	cached    Abuse
	cachedAt  time.Time
	haveCache bool

	now func() time.Time
}

// NewStore builds a settings store with defaults taken from the loaded
// configuration.
func NewStore(engine kv.Engine, adm config.AdmissionConfig, spend config.SpendConfig) *Store {
	return &Store{
		engine: engine,
		defaults: Abuse{
			RequestsPerMinute:    int64(adm.RequestsPerMinute),
			RequestsPerHour:      int64(adm.RequestsPerHour),
			EnableGlobalLimit:    adm.EnableGlobalRateLimit,
			GlobalPerMinute:      int64(adm.GlobalPerMinute),
			GlobalPerHour:        int64(adm.GlobalPerHour),
			EnableChallenge:      adm.EnableChallenge,
			EnableBotCheck:       adm.EnableTurnstile,
			EnableCostThrottle:   spend.EnableCostThrottle,
			WindowThresholdUSD:   spend.WindowThresholdUSD,
			UserDailyLimitUSD:    spend.UserDailyLimitUSD,
			ThrottleDurationSecs: int64(spend.ThrottleDuration.Seconds()),
		},
		now: time.Now,
	}
}

// Current returns the effective settings, consulting the KV blob at most
// once per cache window. KV errors fall back to the defaults so admission
// never stalls on the settings read.
func (s *Store) Current(ctx context.Context) Abuse {
	s.mu.Lock()
	if s.haveCache && s.now().Sub(s.cachedAt) < cacheTTL {
		out := s.cached
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	effective := s.defaults
	raw, found, err := s.engine.Get(ctx, kv.SettingsKey)
	if err != nil {
		logging.Get(logging.CategorySettings).Warn("settings read failed, using defaults: %v", err)
		return effective
	}
	if found {
		var ov overlay
		if err := json.Unmarshal([]byte(raw), &ov); err != nil {
			logging.Get(logging.CategorySettings).Warn("stored settings blob is malformed, using defaults: %v", err)
		} else {
			applyOverlay(&effective, ov)
		}
	}

	s.mu.Lock()
	s.cached = effective
	s.cachedAt = s.now()
	s.haveCache = true
	s.mu.Unlock()
	return effective
}

// Update stores the overlay blob and invalidates the local cache. The blob
// is stored verbatim so unknown fields written by newer admin UIs survive.
func (s *Store) Update(ctx context.Context, blob []byte) error {
	var ov overlay
	if err := json.Unmarshal(blob, &ov); err != nil {
		return fmt.Errorf("invalid settings payload: %w", err)
	}
	if err := s.engine.Set(ctx, kv.SettingsKey, string(blob), 0); err != nil {
		return fmt.Errorf("store settings: %w", err)
	}
	s.Invalidate()
	logging.Settings("abuse prevention settings updated")
	return nil
}

// Reset removes the stored blob, reverting to environment defaults.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.engine.Delete(ctx, kv.SettingsKey); err != nil {
		return fmt.Errorf("reset settings: %w", err)
	}
	s.Invalidate()
	return nil
}

// Invalidate drops the process-local cache; the next Current re-reads KV.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.haveCache = false
	s.mu.Unlock()
}

// Defaults returns the environment-derived defaults, for admin inspection.
func (s *Store) Defaults() Abuse { return s.defaults }

func applyOverlay(dst *Abuse, ov overlay) {
	if ov.RequestsPerMinute != nil {
		dst.RequestsPerMinute = *ov.RequestsPerMinute
	}
	if ov.RequestsPerHour != nil {
		dst.RequestsPerHour = *ov.RequestsPerHour
	}
	if ov.EnableGlobalLimit != nil {
		dst.EnableGlobalLimit = *ov.EnableGlobalLimit
	}
	if ov.GlobalPerMinute != nil {
		dst.GlobalPerMinute = *ov.GlobalPerMinute
	}
	if ov.GlobalPerHour != nil {
		dst.GlobalPerHour = *ov.GlobalPerHour
	}
	if ov.EnableChallenge != nil {
		dst.EnableChallenge = *ov.EnableChallenge
	}
	if ov.EnableBotCheck != nil {
		dst.EnableBotCheck = *ov.EnableBotCheck
	}
	if ov.EnableCostThrottle != nil {
		dst.EnableCostThrottle = *ov.EnableCostThrottle
	}
	if ov.WindowThresholdUSD != nil {
		dst.WindowThresholdUSD = *ov.WindowThresholdUSD
	}
	if ov.UserDailyLimitUSD != nil {
		dst.UserDailyLimitUSD = *ov.UserDailyLimitUSD
	}
	if ov.ThrottleDurationSecs != nil {
		dst.ThrottleDurationSecs = *ov.ThrottleDurationSecs
	}
}
