package cache

import (
	"context"

	"knowledgehub/internal/logging"
)

// SemanticClearer wipes the semantic tier's table.
type SemanticClearer interface {
	ClearSemantic(ctx context.Context) error
}

// Cleaner clears every clearable tier in one admin operation: the exact
// KV entries, the semantic table, and the expansion LRU. The reported
// count covers exact entries only; the other tiers do not count removals.
type Cleaner struct {
	exact    *ExactCache
	semantic SemanticClearer // nil when the semantic tier is disabled
	expander *Expander       // nil when expansion is disabled
}

// NewCleaner wires the clearable tiers.
func NewCleaner(exact *ExactCache, semantic SemanticClearer, expander *Expander) *Cleaner {
	return &Cleaner{exact: exact, semantic: semantic, expander: expander}
}

// Clear wipes all tiers. A failing tier does not stop the others; the
// first error is returned after everything ran.
func (c *Cleaner) Clear(ctx context.Context) (int64, error) {
	removed, err := c.exact.Clear(ctx)

	if c.semantic != nil {
		if semErr := c.semantic.ClearSemantic(ctx); semErr != nil {
			logging.Cache("semantic clear failed: %v", semErr)
			if err == nil {
				err = semErr
			}
		}
	}
	if c.expander != nil {
		c.expander.Clear()
	}

	logging.Cache("cache cleared: %d exact entries removed", removed)
	return removed, err
}
