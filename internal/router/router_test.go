package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"knowledgehub/internal/llm"
)

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompleteRequest) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func history(turns ...string) []llm.Turn {
	out := make([]llm.Turn, len(turns))
	for i, text := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = llm.Turn{Role: role, Text: text}
	}
	return out
}

func TestRoute_NoHistoryIsIndependent(t *testing.T) {
	c := &stubCompleter{}
	r := New(c)

	d := r.Route(context.Background(), "what is the blocktime", nil)
	assert.False(t, d.IsDependent)
	assert.Equal(t, "what is the blocktime", d.Standalone)
	assert.Zero(t, c.calls, "no LLM call without history")
}

func TestRoute_LLMRewriteWinsWhenDependent(t *testing.T) {
	c := &stubCompleter{reply: `{"is_dependent": true, "standalone_query": "how fast is litecoin mining"}`}
	r := New(c)

	d := r.Route(context.Background(), "how fast is it?", history("tell me about mining", "mining secures the chain"))
	assert.True(t, d.IsDependent)
	assert.Equal(t, "how fast is litecoin mining", d.Standalone)
}

func TestRoute_IndependentKeepsOriginalQuery(t *testing.T) {
	c := &stubCompleter{reply: `{"is_dependent": false, "standalone_query": "ignored"}`}
	r := New(c)

	d := r.Route(context.Background(), "what is a wallet", history("hi", "hello"))
	assert.False(t, d.IsDependent)
	assert.Equal(t, "what is a wallet", d.Standalone)
}

func TestRoute_LLMFailureFallsBackToAnchoring(t *testing.T) {
	c := &stubCompleter{err: errors.New("model offline")}
	r := New(c)

	d := r.Route(context.Background(), "how does it work?",
		history("explain segwit", "segwit separates signatures"))
	assert.True(t, d.IsDependent)
	assert.Contains(t, d.Standalone, "segwit")
}

func TestRoute_NilCompleterStillAnchors(t *testing.T) {
	r := New(nil)

	d := r.Route(context.Background(), "why is that useful?",
		history("what is mweb", "mweb adds confidential transactions"))
	assert.True(t, d.IsDependent)
	assert.Contains(t, d.Standalone, "mweb")
}

func TestIsLikelyDependent(t *testing.T) {
	assert.True(t, IsLikelyDependent("how does it work"))
	assert.True(t, IsLikelyDependent("What about fees?"))
	assert.True(t, IsLikelyDependent("and the second one"))
	assert.False(t, IsLikelyDependent("what is a blocktime"))
	assert.False(t, IsLikelyDependent("explain mining difficulty"))
}

func TestAnchorPronouns(t *testing.T) {
	h := history("tell me about litecoin", "litecoin is a cryptocurrency")

	assert.Equal(t, "litecoin sounds interesting", AnchorPronouns("that sounds interesting", h))
	// No leading pronoun: unchanged.
	assert.Equal(t, "explain mining", AnchorPronouns("explain mining", h))
	// No entity in history: unchanged.
	assert.Equal(t, "what is that", AnchorPronouns("what is that", history("hi", "hello")))
}

func TestAnchorPronouns_UsesMostRecentEntity(t *testing.T) {
	h := history("tell me about litecoin", "sure", "and mweb?", "mweb adds privacy")
	assert.Equal(t, "is mweb fast", AnchorPronouns("is it fast", h))
}

func TestNormalizeVocabulary(t *testing.T) {
	assert.Equal(t, "what is mweb (mimblewimble extension blocks)", NormalizeVocabulary("what is mimblewimble"))
	assert.Equal(t, "explain segwit upgrade (segregated witness)", NormalizeVocabulary("explain segwit upgrade"))
	assert.Equal(t, "plain question", NormalizeVocabulary("plain question"))
	assert.Equal(t, "", NormalizeVocabulary(""))
}

func TestFindEntity(t *testing.T) {
	assert.Equal(t, "mweb", FindEntity("MWEB adds privacy to litecoin"))
	assert.Equal(t, "", FindEntity("nothing relevant here"))
}
