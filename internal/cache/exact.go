package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"knowledgehub/internal/kv"
	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
)

// =============================================================================
// T3: EXACT CACHE
// =============================================================================

// ExactCache stores answers keyed by the MD5 of the normalized query plus
// the deduplicated recent user turns, so the same question in the same
// conversational context is a constant-time hit.
type ExactCache struct {
	engine       kv.Engine
	ttl          time.Duration
	excludedText string
}

// NewExactCache builds the cache. excludedText is the generic user error
// string: it is never stored and treated as a miss on read.
func NewExactCache(engine kv.Engine, ttl time.Duration, excludedText string) *ExactCache {
	return &ExactCache{engine: engine, ttl: ttl, excludedText: excludedText}
}

// Key computes the cache key for a query in its history context.
func (c *ExactCache) Key(query string, history []llm.Turn) string {
	h := md5.New()
	h.Write([]byte(normalizeForKey(query)))
	for _, msg := range dedupedUserTurns(history) {
		h.Write([]byte{0})
		h.Write([]byte(normalizeForKey(msg)))
	}
	return "cache:exact:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached answer, or found=false. Errors degrade to a miss.
func (c *ExactCache) Get(ctx context.Context, query string, history []llm.Turn) (Answer, bool) {
	raw, found, err := c.engine.Get(ctx, c.Key(query, history))
	if err != nil {
		logging.CacheDebug("exact cache read failed: %v", err)
		return Answer{}, false
	}
	if !found {
		return Answer{}, false
	}
	answer, err := decodeAnswer(raw)
	if err != nil {
		logging.CacheDebug("exact cache entry undecodable, ignoring: %v", err)
		return Answer{}, false
	}
	if answer.Text == c.excludedText {
		return Answer{}, false
	}
	answer.Origin = OriginExact
	return answer, true
}

// Put stores an answer, best-effort. Generic-error answers are refused;
// draft sources are stripped.
func (c *ExactCache) Put(ctx context.Context, query string, history []llm.Turn, answer Answer) error {
	if answer.Text == c.excludedText {
		return fmt.Errorf("refusing to cache the generic error answer")
	}
	answer.Sources = publishedOnly(answer.Sources)

	raw, err := answer.encode()
	if err != nil {
		return err
	}
	return c.engine.Set(ctx, c.Key(query, history), raw, c.ttl)
}

// Clear removes all exact entries (admin cache clear).
func (c *ExactCache) Clear(ctx context.Context) (int64, error) {
	return c.engine.DeletePrefix(ctx, "cache:exact:")
}

func normalizeForKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// dedupedUserTurns keeps the first occurrence of each distinct user
// message, in order.
func dedupedUserTurns(history []llm.Turn) []string {
	seen := make(map[string]bool, len(history))
	var out []string
	for _, turn := range history {
		if turn.Role != "user" {
			continue
		}
		key := normalizeForKey(turn.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, turn.Text)
	}
	return out
}
