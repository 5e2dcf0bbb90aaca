// Package cache implements the four-tier answer cache hierarchy: intent
// statics, FAQ fuzzy match, exact KV lookup, and the semantic vector
// cache, together with the coherence rules that keep them sound.
package cache

import (
	"encoding/json"

	"knowledgehub/internal/store"
)

// Answer origins, recorded in metrics and the completion event.
const (
	OriginIntent   = "intent"
	OriginFAQ      = "faq"
	OriginExact    = "exact"
	OriginSemantic = "semantic"
)

// Answer is a cached (or cacheable) response.
type Answer struct {
	Text    string           `json:"answer"`
	Sources []store.Document `json:"sources,omitempty"`
	Origin  string           `json:"-"`
}

// encode serializes an answer for KV storage.
func (a Answer) encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeAnswer(raw string) (Answer, error) {
	var a Answer
	err := json.Unmarshal([]byte(raw), &a)
	return a, err
}

// publishedOnly strips non-published sources; draft content must never
// reach a cache entry or a response.
func publishedOnly(sources []store.Document) []store.Document {
	out := sources[:0:0]
	for _, s := range sources {
		if s.Status == store.StatusPublished {
			out = append(out, s)
		}
	}
	return out
}
