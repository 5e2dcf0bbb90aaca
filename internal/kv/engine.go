// Package kv provides the atomic counter engine: pre-packaged atomic
// operations executed against the shared KV store. Every mutation of
// admission or spend state goes through one of these operations; nothing
// else reads-then-writes those keys.
//
// Two implementations satisfy Engine: RedisEngine executes server-side Lua
// scripts (the production path), and MemoryEngine applies the identical
// semantics under a process-local mutex for single-replica development and
// tests. Both are exercised by the same invariant tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("kv: engine closed")

// AdmitResult is the outcome of a sliding-window admit.
type AdmitResult struct {
	Allowed bool
	Count   int64
	// OldestMillis is the score of the oldest window entry when rejected;
	// zero when allowed. Used to compute retry-after.
	OldestMillis int64
}

// RetryAfter computes how long the caller must wait for the window to open,
// given the window length and the current time in Unix milliseconds.
func (r AdmitResult) RetryAfter(window time.Duration, nowMillis int64) time.Duration {
	if r.Allowed || r.OldestMillis == 0 {
		return window
	}
	remaining := window - time.Duration(nowMillis-r.OldestMillis)*time.Millisecond
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// Spend reservation statuses.
const (
	ReserveOK           = 0
	ReserveDailyExceed  = 1
	ReserveHourlyExceed = 2
)

// ReserveResult is the outcome of a check-and-reserve spend call.
type ReserveResult struct {
	Status int
	// Daily and Hourly are the totals after the increment when allowed, or
	// the current (unchanged) totals when rejected.
	Daily  float64
	Hourly float64
}

// Cost throttle statuses.
const (
	ThrottleOK         = 0
	ThrottleActive     = 1
	ThrottleDailyLimit = 2
	ThrottleBurst      = 3
)

// ThrottleResult is the outcome of a cost-throttle call.
type ThrottleResult struct {
	Status     int
	RetryAfter time.Duration
}

// SlidingWindowInput carries the arguments of a sliding-window admit.
type SlidingWindowInput struct {
	BucketKey string
	NowMillis int64
	Window    time.Duration
	Limit     int64
	// IdempotencyKey is the window member; repeated admits with the same
	// key refresh its score without consuming another slot.
	IdempotencyKey string
	Expire         time.Duration
}

// ReserveInput carries the arguments of a check-and-reserve spend call.
type ReserveInput struct {
	DailyKey     string
	HourlyKey    string
	BufferedCost float64
	DailyLimit   float64
	HourlyLimit  float64
	DailyTTL     time.Duration
	HourlyTTL    time.Duration
}

// AdjustInput carries the arguments of a spend adjustment.
type AdjustInput struct {
	DailyCostKey   string
	HourlyCostKey  string
	DailyTokenKey  string
	HourlyTokenKey string
	CostDelta      float64 // may be negative
	InputTokens    int64
	OutputTokens   int64
	DailyTTL       time.Duration
	HourlyTTL      time.Duration
}

// ThrottleInput carries the arguments of a cost-throttle call.
type ThrottleInput struct {
	WindowSetKey    string
	DailySetKey     string
	MarkerKey       string
	NowMillis       int64
	Window          time.Duration
	EstimatedCost   float64
	WindowThreshold float64
	DailyLimit      float64
	Duration        time.Duration
	// Member encodes the request cost after its last colon; the parsers
	// tolerate IPv6-style colons in the prefix.
	Member   string
	DailyTTL time.Duration
}

// Engine executes pre-packaged atomic operations against the KV store.
// Each method is a single atomic unit; callers never compose reads and
// writes around them.
type Engine interface {
	// SlidingWindowAdmit prunes the window, applies the idempotency-key
	// rule, and admits or rejects.
	SlidingWindowAdmit(ctx context.Context, in SlidingWindowInput) (AdmitResult, error)

	// CheckAndReserveSpend atomically reserves BufferedCost against both
	// counters, or rejects without incrementing.
	CheckAndReserveSpend(ctx context.Context, in ReserveInput) (ReserveResult, error)

	// AdjustSpend applies a (possibly negative) cost delta and token
	// increments atomically.
	AdjustSpend(ctx context.Context, in AdjustInput) error

	// CostThrottle applies the per-identifier cost throttle.
	CostThrottle(ctx context.Context, in ThrottleInput) (ThrottleResult, error)

	// MintChallenge binds a challenge ID to an identifier, enforcing the
	// per-identifier active cap. Returns false when the cap is reached.
	MintChallenge(ctx context.Context, challengeID, identifier string, ttl time.Duration, maxActive int64) (bool, error)

	// ConsumeChallenge atomically consumes a challenge if, and only if, it
	// is bound to the given identifier. Single use.
	ConsumeChallenge(ctx context.Context, challengeID, identifier string) (bool, error)

	// Plain KV operations for state that needs no exclusion beyond the
	// store's single-key atomicity (bans, caches, settings blobs).

	// Get returns the value and true, or "" and false when absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes all keys with the given prefix (admin cache clear).
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// TTL returns the remaining TTL; zero when the key is absent or has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// IncrWithTTL increments an integer counter, setting the TTL on first
	// increment, and returns the new value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// GetFloat reads a numeric counter, returning 0 when absent.
	GetFloat(ctx context.Context, key string) (float64, error)
	// HGetAllInt reads an integer-valued hash, e.g. token counters.
	HGetAllInt(ctx context.Context, key string) (map[string]int64, error)

	Close() error
}
