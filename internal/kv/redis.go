package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledgehub/internal/logging"
)

// RedisEngine executes the atomic scripts against a Redis server. Scripts
// are registered once and run via EVALSHA with automatic EVAL fallback.
type RedisEngine struct {
	client *redis.Client

	slidingWindow    *redis.Script
	reserveSpend     *redis.Script
	adjustSpend      *redis.Script
	costThrottle     *redis.Script
	mintChallenge    *redis.Script
	consumeChallenge *redis.Script
}

// NewRedisEngine connects to the Redis URL and verifies the connection.
func NewRedisEngine(ctx context.Context, url string) (*RedisEngine, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logging.KV("connected to redis at %s", opts.Addr)

	return &RedisEngine{
		client:           client,
		slidingWindow:    redis.NewScript(slidingWindowScript),
		reserveSpend:     redis.NewScript(reserveSpendScript),
		adjustSpend:      redis.NewScript(adjustSpendScript),
		costThrottle:     redis.NewScript(costThrottleScript),
		mintChallenge:    redis.NewScript(mintChallengeScript),
		consumeChallenge: redis.NewScript(consumeChallengeScript),
	}, nil
}

// SlidingWindowAdmit implements Engine.
func (e *RedisEngine) SlidingWindowAdmit(ctx context.Context, in SlidingWindowInput) (AdmitResult, error) {
	reply, err := e.slidingWindow.Run(ctx, e.client,
		[]string{in.BucketKey},
		in.NowMillis,
		in.Window.Milliseconds(),
		in.Limit,
		in.IdempotencyKey,
		int64(in.Expire.Seconds()),
	).Slice()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(reply) != 3 {
		return AdmitResult{}, fmt.Errorf("sliding window script: unexpected reply %v", reply)
	}
	return AdmitResult{
		Allowed:      asInt64(reply[0]) == 1,
		Count:        asInt64(reply[1]),
		OldestMillis: asInt64(reply[2]),
	}, nil
}

// CheckAndReserveSpend implements Engine.
func (e *RedisEngine) CheckAndReserveSpend(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	reply, err := e.reserveSpend.Run(ctx, e.client,
		[]string{in.DailyKey, in.HourlyKey},
		formatFloat(in.BufferedCost),
		formatFloat(in.DailyLimit),
		formatFloat(in.HourlyLimit),
		int64(in.DailyTTL.Seconds()),
		int64(in.HourlyTTL.Seconds()),
	).Slice()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve spend script: %w", err)
	}
	if len(reply) != 3 {
		return ReserveResult{}, fmt.Errorf("reserve spend script: unexpected reply %v", reply)
	}
	return ReserveResult{
		Status: int(asInt64(reply[0])),
		Daily:  asFloat(reply[1]),
		Hourly: asFloat(reply[2]),
	}, nil
}

// AdjustSpend implements Engine.
func (e *RedisEngine) AdjustSpend(ctx context.Context, in AdjustInput) error {
	err := e.adjustSpend.Run(ctx, e.client,
		[]string{in.DailyCostKey, in.HourlyCostKey, in.DailyTokenKey, in.HourlyTokenKey},
		formatFloat(in.CostDelta),
		in.InputTokens,
		in.OutputTokens,
		int64(in.DailyTTL.Seconds()),
		int64(in.HourlyTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("adjust spend script: %w", err)
	}
	return nil
}

// CostThrottle implements Engine.
func (e *RedisEngine) CostThrottle(ctx context.Context, in ThrottleInput) (ThrottleResult, error) {
	reply, err := e.costThrottle.Run(ctx, e.client,
		[]string{in.WindowSetKey, in.DailySetKey, in.MarkerKey},
		in.NowMillis,
		in.Window.Milliseconds(),
		formatFloat(in.EstimatedCost),
		formatFloat(in.WindowThreshold),
		formatFloat(in.DailyLimit),
		int64(in.Duration.Seconds()),
		in.Member,
		int64(in.DailyTTL.Seconds()),
	).Slice()
	if err != nil {
		return ThrottleResult{}, fmt.Errorf("cost throttle script: %w", err)
	}
	if len(reply) != 2 {
		return ThrottleResult{}, fmt.Errorf("cost throttle script: unexpected reply %v", reply)
	}
	return ThrottleResult{
		Status:     int(asInt64(reply[0])),
		RetryAfter: time.Duration(asInt64(reply[1])) * time.Second,
	}, nil
}

// MintChallenge implements Engine.
func (e *RedisEngine) MintChallenge(ctx context.Context, challengeID, identifier string, ttl time.Duration, maxActive int64) (bool, error) {
	n, err := e.mintChallenge.Run(ctx, e.client,
		[]string{ChallengeKey(challengeID), ChallengeActiveKey(identifier)},
		identifier,
		int64(ttl.Seconds()),
		maxActive,
		time.Now().UnixMilli(),
		challengeID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("mint challenge script: %w", err)
	}
	return n == 1, nil
}

// ConsumeChallenge implements Engine.
func (e *RedisEngine) ConsumeChallenge(ctx context.Context, challengeID, identifier string) (bool, error) {
	n, err := e.consumeChallenge.Run(ctx, e.client,
		[]string{ChallengeKey(challengeID), ChallengeActiveKey(identifier)},
		identifier,
		challengeID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("consume challenge script: %w", err)
	}
	return n == 1, nil
}

// Get implements Engine.
func (e *RedisEngine) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := e.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements Engine.
func (e *RedisEngine) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return e.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements Engine.
func (e *RedisEngine) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return e.client.Del(ctx, keys...).Err()
}

// DeletePrefix implements Engine using SCAN to stay responsive on large DBs.
func (e *RedisEngine) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	iter := e.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := e.client.Del(ctx, batch...).Result()
			deleted += n
			if err != nil {
				return deleted, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(batch) > 0 {
		n, err := e.client.Del(ctx, batch...).Result()
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// TTL implements Engine.
func (e *RedisEngine) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := e.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 { // -1 no expiry, -2 absent
		return 0, nil
	}
	return d, nil
}

// IncrWithTTL implements Engine.
func (e *RedisEngine) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := e.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetFloat implements Engine.
func (e *RedisEngine) GetFloat(ctx context.Context, key string) (float64, error) {
	val, err := e.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric counter %s: %w", key, err)
	}
	return f, nil
}

// HGetAllInt implements Engine.
func (e *RedisEngine) HGetAllInt(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := e.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}

// Close implements Engine.
func (e *RedisEngine) Close() error {
	return e.client.Close()
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
