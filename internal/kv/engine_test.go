package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *MemoryEngine {
	t.Helper()
	e := NewMemoryEngine()
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSlidingWindowAdmit_IdempotentRetry(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	in := SlidingWindowInput{
		BucketKey:      WindowKey("chat", "abc123", "m"),
		NowMillis:      now,
		Window:         time.Minute,
		Limit:          10,
		IdempotencyKey: "fp:ch1:abc123",
		Expire:         2 * time.Minute,
	}

	first, err := e.SlidingWindowAdmit(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Count)

	// Double-click: same idempotency key must not consume a second slot.
	in.NowMillis = now + 200
	second, err := e.SlidingWindowAdmit(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(1), second.Count)
}

func TestSlidingWindowAdmit_LimitAndRetryAfter(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()
	bucket := WindowKey("chat", "abc123", "m")

	for i := 0; i < 3; i++ {
		res, err := e.SlidingWindowAdmit(ctx, SlidingWindowInput{
			BucketKey:      bucket,
			NowMillis:      base + int64(i)*1000,
			Window:         time.Minute,
			Limit:          3,
			IdempotencyKey: fmt.Sprintf("fp:ch:%d", i),
			Expire:         2 * time.Minute,
		})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	now := base + 5000
	rejected, err := e.SlidingWindowAdmit(ctx, SlidingWindowInput{
		BucketKey:      bucket,
		NowMillis:      now,
		Window:         time.Minute,
		Limit:          3,
		IdempotencyKey: "fp:ch:over",
		Expire:         2 * time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, rejected.Allowed)
	assert.Equal(t, int64(3), rejected.Count)
	assert.Equal(t, base, rejected.OldestMillis)

	// Oldest entry is 5s old in a 60s window: retry in ~55s.
	retry := rejected.RetryAfter(time.Minute, now)
	assert.InDelta(t, 55, retry.Seconds(), 1)
}

func TestSlidingWindowAdmit_PrunesExpiredEntries(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()
	bucket := WindowKey("chat", "abc123", "m")

	for i := 0; i < 3; i++ {
		_, err := e.SlidingWindowAdmit(ctx, SlidingWindowInput{
			BucketKey:      bucket,
			NowMillis:      base,
			Window:         time.Minute,
			Limit:          3,
			IdempotencyKey: fmt.Sprintf("fp:ch:%d", i),
			Expire:         2 * time.Minute,
		})
		require.NoError(t, err)
	}

	// 61s later the window has rolled over; a new request is admitted.
	res, err := e.SlidingWindowAdmit(ctx, SlidingWindowInput{
		BucketKey:      bucket,
		NowMillis:      base + 61_000,
		Window:         time.Minute,
		Limit:          3,
		IdempotencyKey: "fp:ch:fresh",
		Expire:         2 * time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestCheckAndReserveSpend_HeadroomRejection(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	dailyKey := SpendCostKey("daily", DayStamp(time.Now()))
	hourlyKey := SpendCostKey("hourly", HourStamp(time.Now()))

	require.NoError(t, e.Set(ctx, dailyKey, "4.98", 0))

	res, err := e.CheckAndReserveSpend(ctx, ReserveInput{
		DailyKey:     dailyKey,
		HourlyKey:    hourlyKey,
		BufferedCost: 0.011,
		DailyLimit:   5.00,
		HourlyLimit:  1.00,
		DailyTTL:     48 * time.Hour,
		HourlyTTL:    2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, ReserveDailyExceed, res.Status)
	assert.InDelta(t, 4.98, res.Daily, 1e-9)

	// Rejection must not have incremented the counter.
	daily, err := e.GetFloat(ctx, dailyKey)
	require.NoError(t, err)
	assert.InDelta(t, 4.98, daily, 1e-9)
}

func TestCheckAndReserveSpend_AllowsWithHeadroom(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	dailyKey := SpendCostKey("daily", DayStamp(time.Now()))
	hourlyKey := SpendCostKey("hourly", HourStamp(time.Now()))

	require.NoError(t, e.Set(ctx, dailyKey, "4.95", 0))

	res, err := e.CheckAndReserveSpend(ctx, ReserveInput{
		DailyKey:     dailyKey,
		HourlyKey:    hourlyKey,
		BufferedCost: 0.011,
		DailyLimit:   5.00,
		HourlyLimit:  1.00,
		DailyTTL:     48 * time.Hour,
		HourlyTTL:    2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, ReserveOK, res.Status)
	assert.InDelta(t, 4.961, res.Daily, 1e-9)
	assert.InDelta(t, 0.011, res.Hourly, 1e-9)
}

func TestCheckAndReserveSpend_HourlyWindow(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	dailyKey := SpendCostKey("daily", DayStamp(time.Now()))
	hourlyKey := SpendCostKey("hourly", HourStamp(time.Now()))

	require.NoError(t, e.Set(ctx, hourlyKey, "0.99", 0))

	res, err := e.CheckAndReserveSpend(ctx, ReserveInput{
		DailyKey:     dailyKey,
		HourlyKey:    hourlyKey,
		BufferedCost: 0.011,
		DailyLimit:   5.00,
		HourlyLimit:  1.00,
		DailyTTL:     48 * time.Hour,
		HourlyTTL:    2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, ReserveHourlyExceed, res.Status)
}

func TestAdjustSpend_DeltaAndTokens(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	now := time.Now()
	in := AdjustInput{
		DailyCostKey:   SpendCostKey("daily", DayStamp(now)),
		HourlyCostKey:  SpendCostKey("hourly", HourStamp(now)),
		DailyTokenKey:  SpendTokensKey("daily", DayStamp(now)),
		HourlyTokenKey: SpendTokensKey("hourly", HourStamp(now)),
		CostDelta:      -0.004, // actual came in under the reservation
		InputTokens:    1200,
		OutputTokens:   340,
		DailyTTL:       48 * time.Hour,
		HourlyTTL:      2 * time.Hour,
	}

	require.NoError(t, e.Set(ctx, in.DailyCostKey, "0.10", 0))
	require.NoError(t, e.AdjustSpend(ctx, in))

	daily, err := e.GetFloat(ctx, in.DailyCostKey)
	require.NoError(t, err)
	assert.InDelta(t, 0.096, daily, 1e-9)

	tokens, err := e.HGetAllInt(ctx, in.DailyTokenKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), tokens["input"])
	assert.Equal(t, int64(340), tokens["output"])

	// Second adjustment accumulates.
	require.NoError(t, e.AdjustSpend(ctx, in))
	tokens, err = e.HGetAllInt(ctx, in.DailyTokenKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), tokens["input"])
}

func TestCostThrottle_Lifecycle(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	now := time.Now()
	nowMillis := now.UnixMilli()

	in := ThrottleInput{
		WindowSetKey:    ThrottleWindowKey("abc123"),
		DailySetKey:     ThrottleDailyKey("abc123", now),
		MarkerKey:       ThrottleMarkerKey("abc123"),
		NowMillis:       nowMillis,
		Window:          10 * time.Minute,
		EstimatedCost:   0.02,
		WindowThreshold: 0.05,
		DailyLimit:      0.50,
		Duration:        15 * time.Minute,
		Member:          fmt.Sprintf("%d:0.02", nowMillis),
		DailyTTL:        48 * time.Hour,
	}

	// Two cheap requests pass.
	res, err := e.CostThrottle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ThrottleOK, res.Status)

	in.NowMillis = nowMillis + 1000
	in.Member = fmt.Sprintf("%d:0.02", in.NowMillis)
	res, err = e.CostThrottle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ThrottleOK, res.Status)

	// Third pushes the 10-minute window over $0.05: burst throttle.
	in.NowMillis = nowMillis + 2000
	in.Member = fmt.Sprintf("%d:0.02", in.NowMillis)
	res, err = e.CostThrottle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ThrottleBurst, res.Status)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)

	// Marker active: further calls short-circuit.
	in.NowMillis = nowMillis + 3000
	in.Member = fmt.Sprintf("%d:0.02", in.NowMillis)
	res, err = e.CostThrottle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ThrottleActive, res.Status)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCostThrottle_DailyLimit(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	now := time.Now()
	nowMillis := now.UnixMilli()

	in := ThrottleInput{
		WindowSetKey:    ThrottleWindowKey("abc123"),
		DailySetKey:     ThrottleDailyKey("abc123", now),
		MarkerKey:       ThrottleMarkerKey("abc123"),
		NowMillis:       nowMillis,
		Window:          10 * time.Minute,
		EstimatedCost:   0.02,
		WindowThreshold: 100, // keep the burst check out of the way
		DailyLimit:      0.05,
		Duration:        15 * time.Minute,
		DailyTTL:        48 * time.Hour,
	}

	for i := 0; i < 2; i++ {
		in.NowMillis = nowMillis + int64(i)*1000
		in.Member = fmt.Sprintf("%d:0.02", in.NowMillis)
		res, err := e.CostThrottle(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, ThrottleOK, res.Status)
	}

	in.NowMillis = nowMillis + 2000
	in.Member = fmt.Sprintf("%d:0.02", in.NowMillis)
	res, err := e.CostThrottle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ThrottleDailyLimit, res.Status)
	assert.Equal(t, 30*time.Minute, res.RetryAfter)
}

func TestCostThrottle_MemberCostParsingToleratesColons(t *testing.T) {
	// IPv6-style prefixes carry colons; only the trailing segment is cost.
	total := sumMemberCosts(map[string]int64{
		"2001:db8::1:0.03":   0,
		"1724500000000:0.02": 0,
		"malformed":          0,
	})
	assert.InDelta(t, 0.05, total, 1e-9)
}

func TestChallenge_MintConsumeSingleUse(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	ok, err := e.MintChallenge(ctx, "ch-1", "abc123", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong identifier cannot consume.
	ok, err = e.ConsumeChallenge(ctx, "ch-1", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.ConsumeChallenge(ctx, "ch-1", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	// Single use: a second consume fails.
	ok, err = e.ConsumeChallenge(ctx, "ch-1", "abc123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChallenge_ActiveCap(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := e.MintChallenge(ctx, fmt.Sprintf("ch-%d", i), "abc123", 5*time.Minute, 10)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := e.MintChallenge(ctx, "ch-over", "abc123", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	// Consuming one frees a slot.
	ok, err = e.ConsumeChallenge(ctx, "ch-0", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.MintChallenge(ctx, "ch-new", "abc123", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChallenge_ExpiredEntriesFreeSlots(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	base := time.Now()
	e.now = func() time.Time { return base }
	for i := 0; i < 10; i++ {
		ok, err := e.MintChallenge(ctx, fmt.Sprintf("ch-%d", i), "abc123", 5*time.Minute, 10)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// After expiry the stale entries are pruned on the next mint.
	e.now = func() time.Time { return base.Add(6 * time.Minute) }
	ok, err := e.MintChallenge(ctx, "ch-late", "abc123", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrWithTTL(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	key := ViolationsKey("chat", "203.0.113.7")

	n, err := e.IncrWithTTL(ctx, key, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = e.IncrWithTTL(ctx, key, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := e.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, 23*time.Hour)
}

func TestDeletePrefix(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "cache:exact:a", "1", 0))
	require.NoError(t, e.Set(ctx, "cache:exact:b", "2", 0))
	require.NoError(t, e.Set(ctx, "other:key", "3", 0))

	n, err := e.DeletePrefix(ctx, "cache:exact:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, found, err := e.Get(ctx, "other:key")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngineClosed(t *testing.T) {
	e := NewMemoryEngine()
	require.NoError(t, e.Close())

	_, _, err := e.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "rl:chat:abc123:m", WindowKey("chat", "abc123", "m"))
	assert.Equal(t, "rl:global:h", GlobalWindowKey("h"))
	assert.Equal(t, "rl:ban:chat:203.0.113.7", BanKey("chat", "203.0.113.7"))
	assert.Equal(t, "challenge:active:abc123", ChallengeActiveKey("abc123"))

	ts := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "llm:cost:daily:2026-03-09", SpendCostKey("daily", DayStamp(ts)))
	assert.Equal(t, "llm:tokens:hourly:2026-03-09-14", SpendTokensKey("hourly", HourStamp(ts)))
	assert.Equal(t, "llm:cost:daily:abc123:2026-03-09", ThrottleDailyKey("abc123", ts))
}
