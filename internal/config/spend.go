package config

import (
	"fmt"
	"time"
)

// SpendConfig configures the global spend ledger and per-identifier cost
// throttling. All monetary values are USD.
type SpendConfig struct {
	// Global spend limits enforced by the pre-flight reservation.
	DailyLimitUSD  float64 `yaml:"daily_limit_usd"`
	HourlyLimitUSD float64 `yaml:"hourly_limit_usd"`

	// ReserveBufferPct inflates the pre-flight estimate so concurrent
	// callers see a conservative running total (0.10 = +10%).
	ReserveBufferPct float64 `yaml:"reserve_buffer_pct"`

	// Counter TTLs; daily keys outlive the UTC day, hourly keys the hour.
	DailyTTL  time.Duration `yaml:"daily_ttl"`
	HourlyTTL time.Duration `yaml:"hourly_ttl"`

	// Per-identifier cost throttle.
	EnableCostThrottle bool          `yaml:"enable_cost_throttle"`
	ThrottleWindow     time.Duration `yaml:"throttle_window"`
	WindowThresholdUSD float64       `yaml:"window_threshold_usd"`
	UserDailyLimitUSD  float64       `yaml:"user_daily_limit_usd"`
	ThrottleDuration   time.Duration `yaml:"throttle_duration"`

	// AlertThresholds are fractions of the daily limit that fire a
	// best-effort alert when first crossed.
	AlertThresholds []float64 `yaml:"alert_thresholds"`
}

// DefaultSpendConfig returns sensible defaults.
func DefaultSpendConfig() SpendConfig {
	return SpendConfig{
		DailyLimitUSD:      5.00,
		HourlyLimitUSD:     1.00,
		ReserveBufferPct:   0.10,
		DailyTTL:           48 * time.Hour,
		HourlyTTL:          2 * time.Hour,
		EnableCostThrottle: true,
		ThrottleWindow:     10 * time.Minute,
		WindowThresholdUSD: 0.05,
		UserDailyLimitUSD:  0.50,
		ThrottleDuration:   15 * time.Minute,
		AlertThresholds:    []float64{0.50, 0.80, 0.95},
	}
}

func (c *SpendConfig) applyEnv() {
	c.DailyLimitUSD = envFloat("DAILY_SPEND_LIMIT_USD", c.DailyLimitUSD)
	c.HourlyLimitUSD = envFloat("HOURLY_SPEND_LIMIT_USD", c.HourlyLimitUSD)
	c.ReserveBufferPct = envFloat("SPEND_RESERVE_BUFFER_PCT", c.ReserveBufferPct)
	c.EnableCostThrottle = envBool("ENABLE_COST_THROTTLING", c.EnableCostThrottle)
	c.ThrottleWindow = envDuration("COST_THROTTLE_WINDOW", c.ThrottleWindow)
	c.WindowThresholdUSD = envFloat("COST_THROTTLE_WINDOW_THRESHOLD_USD", c.WindowThresholdUSD)
	c.UserDailyLimitUSD = envFloat("COST_THROTTLE_USER_DAILY_LIMIT_USD", c.UserDailyLimitUSD)
	c.ThrottleDuration = envDuration("COST_THROTTLE_DURATION", c.ThrottleDuration)
}

// Validate checks spend invariants.
func (c *SpendConfig) Validate() error {
	if c.DailyLimitUSD <= 0 || c.HourlyLimitUSD <= 0 {
		return fmt.Errorf("spend limits must be > 0")
	}
	if c.ReserveBufferPct < 0 || c.ReserveBufferPct > 1 {
		return fmt.Errorf("reserve_buffer_pct must be within [0, 1]")
	}
	for _, t := range c.AlertThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("alert thresholds must be within (0, 1]")
		}
	}
	return nil
}
