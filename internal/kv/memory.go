package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryEngine applies the same operation semantics as RedisEngine under a
// process-local mutex. It backs single-replica development and tests; the
// invariant tests run against it as the reference implementation.
type MemoryEngine struct {
	mu     sync.Mutex
	closed bool

	strings map[string]memEntry
	zsets   map[string]memZSet
	hashes  map[string]memHash

	// now is swappable in tests.
	now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memZSet struct {
	members   map[string]int64 // member -> score (millis)
	expiresAt time.Time
}

type memHash struct {
	fields    map[string]int64
	expiresAt time.Time
}

// NewMemoryEngine returns an empty in-process engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		strings: make(map[string]memEntry),
		zsets:   make(map[string]memZSet),
		hashes:  make(map[string]memHash),
		now:     time.Now,
	}
}

func (e *MemoryEngine) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return e.now().Add(ttl)
}

func (e *MemoryEngine) liveString(key string) (memEntry, bool) {
	ent, ok := e.strings[key]
	if !ok {
		return memEntry{}, false
	}
	if !ent.expiresAt.IsZero() && !e.now().Before(ent.expiresAt) {
		delete(e.strings, key)
		return memEntry{}, false
	}
	return ent, true
}

func (e *MemoryEngine) liveZSet(key string) (memZSet, bool) {
	zs, ok := e.zsets[key]
	if !ok {
		return memZSet{}, false
	}
	if !zs.expiresAt.IsZero() && !e.now().Before(zs.expiresAt) {
		delete(e.zsets, key)
		return memZSet{}, false
	}
	return zs, true
}

func (e *MemoryEngine) liveHash(key string) (memHash, bool) {
	h, ok := e.hashes[key]
	if !ok {
		return memHash{}, false
	}
	if !h.expiresAt.IsZero() && !e.now().Before(h.expiresAt) {
		delete(e.hashes, key)
		return memHash{}, false
	}
	return h, true
}

func (e *MemoryEngine) ensureZSet(key string) memZSet {
	zs, ok := e.liveZSet(key)
	if !ok {
		zs = memZSet{members: make(map[string]int64)}
	}
	return zs
}

// SlidingWindowAdmit implements Engine.
func (e *MemoryEngine) SlidingWindowAdmit(ctx context.Context, in SlidingWindowInput) (AdmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return AdmitResult{}, ErrClosed
	}

	zs := e.ensureZSet(in.BucketKey)
	cutoff := in.NowMillis - in.Window.Milliseconds()
	for m, score := range zs.members {
		if score <= cutoff {
			delete(zs.members, m)
		}
	}

	if _, present := zs.members[in.IdempotencyKey]; present {
		zs.members[in.IdempotencyKey] = in.NowMillis
		zs.expiresAt = e.expireAt(in.Expire)
		e.zsets[in.BucketKey] = zs
		return AdmitResult{Allowed: true, Count: int64(len(zs.members))}, nil
	}

	count := int64(len(zs.members))
	if count >= in.Limit {
		oldest := int64(0)
		for _, score := range zs.members {
			if oldest == 0 || score < oldest {
				oldest = score
			}
		}
		e.zsets[in.BucketKey] = zs
		return AdmitResult{Allowed: false, Count: count, OldestMillis: oldest}, nil
	}

	zs.members[in.IdempotencyKey] = in.NowMillis
	zs.expiresAt = e.expireAt(in.Expire)
	e.zsets[in.BucketKey] = zs
	return AdmitResult{Allowed: true, Count: count + 1}, nil
}

// CheckAndReserveSpend implements Engine.
func (e *MemoryEngine) CheckAndReserveSpend(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ReserveResult{}, ErrClosed
	}

	daily := e.floatValue(in.DailyKey)
	hourly := e.floatValue(in.HourlyKey)

	// Headroom for one more buffered request; see the script counterpart.
	if daily+in.BufferedCost > in.DailyLimit-in.BufferedCost {
		return ReserveResult{Status: ReserveDailyExceed, Daily: daily, Hourly: hourly}, nil
	}
	if hourly+in.BufferedCost > in.HourlyLimit-in.BufferedCost {
		return ReserveResult{Status: ReserveHourlyExceed, Daily: daily, Hourly: hourly}, nil
	}

	daily += in.BufferedCost
	hourly += in.BufferedCost
	e.strings[in.DailyKey] = memEntry{value: formatFloat(daily), expiresAt: e.expireAt(in.DailyTTL)}
	e.strings[in.HourlyKey] = memEntry{value: formatFloat(hourly), expiresAt: e.expireAt(in.HourlyTTL)}
	return ReserveResult{Status: ReserveOK, Daily: daily, Hourly: hourly}, nil
}

func (e *MemoryEngine) floatValue(key string) float64 {
	ent, ok := e.liveString(key)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(ent.value, 64)
	return f
}

// AdjustSpend implements Engine.
func (e *MemoryEngine) AdjustSpend(ctx context.Context, in AdjustInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	e.strings[in.DailyCostKey] = memEntry{
		value:     formatFloat(e.floatValue(in.DailyCostKey) + in.CostDelta),
		expiresAt: e.expireAt(in.DailyTTL),
	}
	e.strings[in.HourlyCostKey] = memEntry{
		value:     formatFloat(e.floatValue(in.HourlyCostKey) + in.CostDelta),
		expiresAt: e.expireAt(in.HourlyTTL),
	}

	e.hincr(in.DailyTokenKey, in.InputTokens, in.OutputTokens, in.DailyTTL)
	e.hincr(in.HourlyTokenKey, in.InputTokens, in.OutputTokens, in.HourlyTTL)
	return nil
}

func (e *MemoryEngine) hincr(key string, input, output int64, ttl time.Duration) {
	h, ok := e.liveHash(key)
	if !ok {
		h = memHash{fields: make(map[string]int64)}
	}
	h.fields["input"] += input
	h.fields["output"] += output
	h.expiresAt = e.expireAt(ttl)
	e.hashes[key] = h
}

// CostThrottle implements Engine.
func (e *MemoryEngine) CostThrottle(ctx context.Context, in ThrottleInput) (ThrottleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ThrottleResult{}, ErrClosed
	}

	if ent, ok := e.liveString(in.MarkerKey); ok && !ent.expiresAt.IsZero() {
		remaining := ent.expiresAt.Sub(e.now())
		if remaining > 0 {
			return ThrottleResult{Status: ThrottleActive, RetryAfter: remaining.Round(time.Second)}, nil
		}
	}

	window := e.ensureZSet(in.WindowSetKey)
	cutoff := in.NowMillis - in.Window.Milliseconds()
	for m, score := range window.members {
		if score <= cutoff {
			delete(window.members, m)
		}
	}

	daily := e.ensureZSet(in.DailySetKey)
	if sumMemberCosts(daily.members)+in.EstimatedCost >= in.DailyLimit {
		e.strings[in.MarkerKey] = memEntry{value: "1", expiresAt: e.expireAt(2 * in.Duration)}
		return ThrottleResult{Status: ThrottleDailyLimit, RetryAfter: 2 * in.Duration}, nil
	}

	if sumMemberCosts(window.members)+in.EstimatedCost >= in.WindowThreshold {
		e.strings[in.MarkerKey] = memEntry{value: "1", expiresAt: e.expireAt(in.Duration)}
		return ThrottleResult{Status: ThrottleBurst, RetryAfter: in.Duration}, nil
	}

	window.members[in.Member] = in.NowMillis
	window.expiresAt = e.expireAt(in.Window)
	e.zsets[in.WindowSetKey] = window

	daily.members[in.Member] = in.NowMillis
	daily.expiresAt = e.expireAt(in.DailyTTL)
	e.zsets[in.DailySetKey] = daily
	return ThrottleResult{Status: ThrottleOK}, nil
}

// sumMemberCosts parses the cost after the last colon of each member.
func sumMemberCosts(members map[string]int64) float64 {
	var total float64
	for m := range members {
		idx := strings.LastIndex(m, ":")
		if idx < 0 || idx == len(m)-1 {
			continue
		}
		if cost, err := strconv.ParseFloat(m[idx+1:], 64); err == nil {
			total += cost
		}
	}
	return total
}

// MintChallenge implements Engine.
func (e *MemoryEngine) MintChallenge(ctx context.Context, challengeID, identifier string, ttl time.Duration, maxActive int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}

	activeKey := ChallengeActiveKey(identifier)
	active := e.ensureZSet(activeKey)
	nowMillis := e.now().UnixMilli()
	for m, expiry := range active.members {
		if expiry <= nowMillis {
			delete(active.members, m)
		}
	}
	if int64(len(active.members)) >= maxActive {
		e.zsets[activeKey] = active
		return false, nil
	}

	e.strings[ChallengeKey(challengeID)] = memEntry{value: identifier, expiresAt: e.expireAt(ttl)}
	active.members[challengeID] = nowMillis + ttl.Milliseconds()
	active.expiresAt = e.expireAt(ttl)
	e.zsets[activeKey] = active
	return true, nil
}

// ConsumeChallenge implements Engine.
func (e *MemoryEngine) ConsumeChallenge(ctx context.Context, challengeID, identifier string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}

	key := ChallengeKey(challengeID)
	ent, ok := e.liveString(key)
	if !ok || ent.value != identifier {
		return false, nil
	}

	delete(e.strings, key)
	if active, ok := e.liveZSet(ChallengeActiveKey(identifier)); ok {
		delete(active.members, challengeID)
		e.zsets[ChallengeActiveKey(identifier)] = active
	}
	return true, nil
}

// Get implements Engine.
func (e *MemoryEngine) Get(ctx context.Context, key string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", false, ErrClosed
	}
	ent, ok := e.liveString(key)
	if !ok {
		return "", false, nil
	}
	return ent.value, true, nil
}

// Set implements Engine.
func (e *MemoryEngine) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.strings[key] = memEntry{value: value, expiresAt: e.expireAt(ttl)}
	return nil
}

// Delete implements Engine.
func (e *MemoryEngine) Delete(ctx context.Context, keys ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(e.strings, key)
		delete(e.zsets, key)
		delete(e.hashes, key)
	}
	return nil
}

// DeletePrefix implements Engine.
func (e *MemoryEngine) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	var deleted int64
	for key := range e.strings {
		if strings.HasPrefix(key, prefix) {
			delete(e.strings, key)
			deleted++
		}
	}
	for key := range e.zsets {
		if strings.HasPrefix(key, prefix) {
			delete(e.zsets, key)
			deleted++
		}
	}
	for key := range e.hashes {
		if strings.HasPrefix(key, prefix) {
			delete(e.hashes, key)
			deleted++
		}
	}
	return deleted, nil
}

// TTL implements Engine.
func (e *MemoryEngine) TTL(ctx context.Context, key string) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	if ent, ok := e.liveString(key); ok && !ent.expiresAt.IsZero() {
		return ent.expiresAt.Sub(e.now()), nil
	}
	if zs, ok := e.liveZSet(key); ok && !zs.expiresAt.IsZero() {
		return zs.expiresAt.Sub(e.now()), nil
	}
	return 0, nil
}

// IncrWithTTL implements Engine.
func (e *MemoryEngine) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	ent, ok := e.liveString(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(ent.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("non-integer counter %s", key)
		}
		n = parsed
	}
	n++
	expiresAt := ent.expiresAt
	if !ok || expiresAt.IsZero() {
		expiresAt = e.expireAt(ttl)
	}
	e.strings[key] = memEntry{value: strconv.FormatInt(n, 10), expiresAt: expiresAt}
	return n, nil
}

// GetFloat implements Engine.
func (e *MemoryEngine) GetFloat(ctx context.Context, key string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.floatValue(key), nil
}

// HGetAllInt implements Engine.
func (e *MemoryEngine) HGetAllInt(ctx context.Context, key string) (map[string]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make(map[string]int64)
	if h, ok := e.liveHash(key); ok {
		for field, val := range h.fields {
			out[field] = val
		}
	}
	return out, nil
}

// Keys returns all live keys with the given prefix, sorted. Test helper.
func (e *MemoryEngine) Keys(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []string
	for key := range e.strings {
		if _, ok := e.liveString(key); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range e.zsets {
		if _, ok := e.liveZSet(key); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close implements Engine.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
