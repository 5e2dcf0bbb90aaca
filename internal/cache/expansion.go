package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
)

// =============================================================================
// SHORT-QUERY EXPANSION
// =============================================================================

// Queries this short or shorter are candidates for expansion.
const expansionMaxTokens = 3

const expansionSystemPrompt = `Rewrite the user's terse search query as one standalone question of 5 to 12 words.
Keep the user's topic; do not answer the question. Reply with the question only.`

// deterministicExpansions backs up the LLM when it is unavailable.
var deterministicExpansions = map[string]string{
	"mweb":     "what is mweb and how does it work",
	"blocktime": "what is the average blocktime",
	"fees":     "how are transaction fees calculated",
	"mining":   "how does mining work",
	"staking":  "does the network support staking",
	"halving":  "when is the next halving and what does it change",
}

// Expander turns 1-3 token queries into retrievable standalone questions.
// Results are held in an in-process LRU keyed by the lowercased original.
type Expander struct {
	completer llm.Completer

	mu      sync.Mutex
	entries map[string]*expansionEntry
	maxSize int
}

type expansionEntry struct {
	expansion string
	timestamp time.Time
}

// NewExpander builds an expander; completer may be nil (deterministic
// fallback only).
func NewExpander(completer llm.Completer, lruSize int) *Expander {
	if lruSize <= 0 {
		lruSize = 512
	}
	return &Expander{
		completer: completer,
		entries:   make(map[string]*expansionEntry),
		maxSize:   lruSize,
	}
}

// Expand returns the expanded form of a short query, or the query itself
// when expansion does not apply or produces nothing meaningfully
// different.
func (e *Expander) Expand(ctx context.Context, query string) string {
	trimmed := strings.TrimSpace(query)
	tokens := strings.Fields(trimmed)
	if len(tokens) == 0 || len(tokens) > expansionMaxTokens {
		return query
	}

	key := strings.ToLower(trimmed)
	if cached, ok := e.get(key); ok {
		return cached
	}

	expansion := e.expandLLM(ctx, trimmed)
	if expansion == "" {
		expansion = deterministicExpansion(key)
	}
	if !meaningfullyDifferent(trimmed, expansion) {
		return query
	}

	e.put(key, expansion)
	logging.CacheDebug("expanded %q -> %q", trimmed, expansion)
	return expansion
}

func (e *Expander) expandLLM(ctx context.Context, query string) string {
	if e.completer == nil {
		return ""
	}
	out, err := e.completer.Complete(ctx, llm.CompleteRequest{
		System:      expansionSystemPrompt,
		User:        query,
		Temperature: 0.2,
	})
	if err != nil {
		logging.CacheDebug("llm expansion failed, using deterministic fallback: %v", err)
		return ""
	}
	out = strings.TrimSpace(out)
	words := len(strings.Fields(out))
	if words < 5 || words > 12 {
		return ""
	}
	return out
}

func deterministicExpansion(key string) string {
	if exp, ok := deterministicExpansions[key]; ok {
		return exp
	}
	// Last resort: frame the term as a question.
	return "what is " + key + " and how does it work"
}

// meaningfullyDifferent rejects expansions that merely echo the input.
func meaningfullyDifferent(original, expansion string) bool {
	if expansion == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(original), strings.TrimSpace(expansion)) {
		return false
	}
	return TokenSortRatio(original, expansion) < 95
}

func (e *Expander) get(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[key]
	if !ok {
		return "", false
	}
	entry.timestamp = time.Now()
	return entry.expansion, true
}

func (e *Expander) put(key, expansion string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.entries) >= e.maxSize {
		e.evictOldest()
	}
	e.entries[key] = &expansionEntry{expansion: expansion, timestamp: time.Now()}
}

// Clear drops every cached expansion (admin cache clear).
func (e *Expander) Clear() {
	e.mu.Lock()
	e.entries = make(map[string]*expansionEntry)
	e.mu.Unlock()
}

func (e *Expander) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range e.entries {
		if oldestKey == "" || entry.timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.timestamp
		}
	}
	if oldestKey != "" {
		delete(e.entries, oldestKey)
	}
}
