package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/cache"
	"knowledgehub/internal/config"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/llm"
	"knowledgehub/internal/router"
	"knowledgehub/internal/spend"
	"knowledgehub/internal/store"
)

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vector, s.err
}
func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, s.err
}
func (s *stubEmbedder) Dimensions() int { return len(s.vector) }
func (s *stubEmbedder) Name() string    { return "stub" }

type stubRetriever struct {
	docs []store.ScoredDocument
	err  error
	// errOnce fails only the first call; later calls succeed.
	errOnce bool
	calls   int
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ []float32) ([]store.ScoredDocument, error) {
	s.calls++
	if s.err != nil && (!s.errOnce || s.calls == 1) {
		return nil, s.err
	}
	return s.docs, nil
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, docs []store.ScoredDocument) []store.ScoredDocument {
	return docs
}

type stubGenerator struct {
	chunks []string
	usage  llm.Usage
	err    error
	calls  int
}

func (s *stubGenerator) StreamGenerate(_ context.Context, _ llm.GenerateRequest, emit func(string) error) (llm.Usage, error) {
	s.calls++
	for _, chunk := range s.chunks {
		if err := emit(chunk); err != nil {
			return s.usage, err
		}
	}
	return s.usage, s.err
}

type testHarness struct {
	pipeline  *Pipeline
	engine    *kv.MemoryEngine
	exact     *cache.ExactCache
	retriever *stubRetriever
	generator *stubGenerator
	ledger    *spend.Ledger
}

func newHarness(t *testing.T, spendCfg config.SpendConfig) *testHarness {
	t.Helper()
	engine := kv.NewMemoryEngine()
	exact := cache.NewExactCache(engine, time.Hour, GenericErrorMessage)
	hierarchy := cache.NewHierarchy(nil, exact, nil, 0.90, 72*time.Hour, GenericErrorMessage)

	retriever := &stubRetriever{docs: []store.ScoredDocument{
		{Document: store.Document{PayloadID: "doc-1", ChunkID: "c1", Content: "MWEB hides amounts.", Status: store.StatusPublished}, Similarity: 0.9},
		{Document: store.Document{PayloadID: "doc-2", ChunkID: "c2", Content: "Draft notes.", Status: store.StatusDraft}, Similarity: 0.5},
	}}
	generator := &stubGenerator{
		chunks: []string{"MWEB is ", "an extension block design."},
		usage:  llm.Usage{InputTokens: 1500, OutputTokens: 20},
	}
	ledger := spend.NewLedger(engine, spendCfg)

	p := New(
		router.New(nil),
		hierarchy,
		nil,
		&stubEmbedder{vector: []float32{0.1, 0.2}},
		retriever,
		passthroughResolver{},
		ledger,
		generator,
		"gemini-2.0-flash",
		0.2,
		config.DefaultRetrievalConfig(),
	)
	return &testHarness{pipeline: p, engine: engine, exact: exact, retriever: retriever, generator: generator, ledger: ledger}
}

func collectEvents(events *[]Event) EmitFunc {
	return func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func statuses(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

func TestPipelineGeneratesAndCaches(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	ctx := context.Background()

	var events []Event
	err := h.pipeline.Run(ctx, "how does mweb work", nil, collectEvents(&events))
	require.NoError(t, err)

	got := statuses(events)
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, StatusThinking, got[0])
	assert.Equal(t, StatusSources, got[1])
	assert.Equal(t, StatusStreaming, got[2])
	assert.Equal(t, StatusComplete, got[len(got)-1])

	// Draft sources never reach the client.
	require.Len(t, events[1].Sources, 1)
	assert.Equal(t, "doc-1", events[1].Sources[0].Metadata["payload_id"])
	assert.Equal(t, "MWEB hides amounts.", events[1].Sources[0].PageContent)

	final := events[len(events)-1]
	assert.True(t, final.IsComplete)
	assert.Equal(t, false, final.FromCache)

	// The answer landed in the exact cache.
	answer, ok := h.exact.Get(ctx, "how does mweb work", nil)
	require.True(t, ok)
	assert.Equal(t, "MWEB is an extension block design.", answer.Text)

	// The ledger recorded the actual cost.
	snap, err := h.ledger.Snapshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, snap.DailyUSD, 0.0)
	assert.Equal(t, int64(1500), snap.DailyTokens["input"])
}

func TestPipelineServesExactCacheOnRepeat(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	ctx := context.Background()

	var first []Event
	require.NoError(t, h.pipeline.Run(ctx, "how does mweb work", nil, collectEvents(&first)))
	require.Equal(t, 1, h.generator.calls)

	var second []Event
	require.NoError(t, h.pipeline.Run(ctx, "how does mweb work", nil, collectEvents(&second)))
	assert.Equal(t, 1, h.generator.calls, "repeat must not reach the model")

	final := second[len(second)-1]
	assert.Equal(t, StatusComplete, final.Status)
	assert.Equal(t, "exact", final.FromCache)
}

func TestPipelineIntentShortCircuit(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())

	var events []Event
	err := h.pipeline.Run(context.Background(), "hello", nil, collectEvents(&events))
	require.NoError(t, err)

	assert.Equal(t, 0, h.retriever.calls)
	assert.Equal(t, 0, h.generator.calls)
	final := events[len(events)-1]
	assert.Equal(t, "intent", final.FromCache)
}

type countingCompleter struct{ calls int }

func (c *countingCompleter) Complete(_ context.Context, _ llm.CompleteRequest) (string, error) {
	c.calls++
	return "what is the expanded form of this query", nil
}

func TestPipelineExpansionRunsAfterStaticTiers(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	completer := &countingCompleter{}
	h.pipeline.expander = cache.NewExpander(completer, 16)

	var events []Event
	require.NoError(t, h.pipeline.Run(context.Background(), "thanks", nil, collectEvents(&events)))

	// The static tiers see the user's own words; a terse "thanks" is
	// answered by the intent tier, never rewritten or retrieved.
	assert.Equal(t, 0, completer.calls)
	assert.Equal(t, 0, h.retriever.calls)
	final := events[len(events)-1]
	assert.Equal(t, "intent", final.FromCache)
}

func TestPipelineExpansionStillWidensRetrieval(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	completer := &countingCompleter{}
	h.pipeline.expander = cache.NewExpander(completer, 16)

	var events []Event
	require.NoError(t, h.pipeline.Run(context.Background(), "mweb", nil, collectEvents(&events)))

	// Not an intent or FAQ phrase, so the expander runs before retrieval.
	assert.Equal(t, 1, completer.calls)
	assert.Equal(t, 1, h.retriever.calls)
	assert.Equal(t, 1, h.generator.calls)

	// The exact tier stays keyed on the raw query.
	_, ok := h.exact.Get(context.Background(), "mweb", nil)
	assert.True(t, ok)
}

func TestPipelineCachedAnswersArePaced(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	ctx := context.Background()

	require.NoError(t, h.pipeline.Run(ctx, "how does mweb work", nil, collectEvents(&[]Event{})))

	var events []Event
	require.NoError(t, h.pipeline.Run(ctx, "how does mweb work", nil, collectEvents(&events)))

	var rebuilt strings.Builder
	for _, e := range events {
		if e.Status == StatusStreaming {
			assert.LessOrEqual(t, len([]rune(e.Chunk)), cachedChunkRunes)
			rebuilt.WriteString(e.Chunk)
		}
	}
	assert.Equal(t, "MWEB is an extension block design.", rebuilt.String())
}

func TestPipelineNoMatch(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	h.retriever.docs = nil

	var events []Event
	err := h.pipeline.Run(context.Background(), "something obscure", nil, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, 0, h.generator.calls)

	final := events[len(events)-1]
	assert.Equal(t, StatusComplete, final.Status)
	assert.Equal(t, false, final.FromCache)

	var text strings.Builder
	for _, e := range events {
		text.WriteString(e.Chunk)
	}
	assert.Equal(t, NoMatchMessage, text.String())
}

func TestPipelineDraftOnlyRetrievalIsNoMatch(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	h.retriever.docs = []store.ScoredDocument{
		{Document: store.Document{PayloadID: "doc-2", ChunkID: "c2", Content: "Draft notes.", Status: store.StatusDraft}, Similarity: 0.8},
	}

	var events []Event
	err := h.pipeline.Run(context.Background(), "how does mweb work", nil, collectEvents(&events))
	require.NoError(t, err)

	// Draft content must neither reach the model nor the client.
	assert.Equal(t, 0, h.generator.calls)
	var text strings.Builder
	for _, e := range events {
		text.WriteString(e.Chunk)
	}
	assert.Equal(t, NoMatchMessage, text.String())

	snap, err := h.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.DailyUSD, "no spend for a draft-only retrieval")
}

func TestPipelineBudgetRejection(t *testing.T) {
	cfg := config.DefaultSpendConfig()
	cfg.DailyLimitUSD = 0.0001
	h := newHarness(t, cfg)

	var events []Event
	err := h.pipeline.Run(context.Background(), "how does mweb work", nil, collectEvents(&events))

	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, spend.WindowDaily, budgetErr.Window)
	assert.Equal(t, 0, h.generator.calls)

	final := events[len(events)-1]
	assert.Equal(t, StatusError, final.Status)
	assert.Equal(t, spend.WindowDaily, final.Type)
	assert.NotEmpty(t, final.Error)
	assert.True(t, final.IsComplete)
}

func TestPipelineGenerationErrorIsNotCached(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	h.generator.err = errors.New("model unavailable")

	var events []Event
	err := h.pipeline.Run(context.Background(), "how does mweb work", nil, collectEvents(&events))
	require.Error(t, err)

	final := events[len(events)-1]
	assert.Equal(t, StatusError, final.Status)
	assert.Equal(t, GenericErrorMessage, final.Error)

	_, ok := h.exact.Get(context.Background(), "how does mweb work", nil)
	assert.False(t, ok)
}

func TestPipelineRetrievalFallbackRecovers(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	h.retriever.err = errors.New("index offline")
	h.retriever.errOnce = true

	var events []Event
	err := h.pipeline.Run(context.Background(), "how does mweb work", nil, collectEvents(&events))
	require.NoError(t, err)

	// The history-aware retry answered the query.
	assert.Equal(t, 2, h.retriever.calls)
	assert.Equal(t, 1, h.generator.calls)
	final := events[len(events)-1]
	assert.Equal(t, StatusComplete, final.Status)
	assert.Equal(t, false, final.FromCache)
}

func TestPipelineRetrievalFallbackExhaustedIsNoMatch(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())
	h.retriever.err = errors.New("index offline")

	var events []Event
	err := h.pipeline.Run(context.Background(), "how does mweb work", nil, collectEvents(&events))
	require.NoError(t, err)

	assert.Equal(t, 2, h.retriever.calls)
	assert.Equal(t, 0, h.generator.calls)

	// A dead index reads as "nothing found", not as an internal error.
	var text strings.Builder
	for _, e := range events {
		text.WriteString(e.Chunk)
	}
	assert.Equal(t, NoMatchMessage, text.String())
	assert.NotContains(t, text.String(), GenericErrorMessage)
}

func TestPipelineValidation(t *testing.T) {
	h := newHarness(t, config.DefaultSpendConfig())

	err := h.pipeline.Run(context.Background(), "   ", nil, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyQuery)

	long := strings.Repeat("a", 3000)
	err = h.pipeline.Run(context.Background(), long, nil, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrQueryTooLong)
}

func TestTruncateHistory(t *testing.T) {
	history := []llm.Turn{
		{Role: "user", Text: "one"}, {Role: "assistant", Text: "two"},
		{Role: "user", Text: "three"}, {Role: "assistant", Text: "four"},
		{Role: "user", Text: "five"}, {Role: "assistant", Text: "six"},
	}
	out := truncateHistory(history, 2)
	require.Len(t, out, 4)
	assert.Equal(t, "three", out[0].Text)

	assert.Nil(t, truncateHistory(history, 0))
	assert.Len(t, truncateHistory(history, 5), 6)
}

func TestPaceChunks(t *testing.T) {
	chunks := paceChunks("abcdefghijklmnopqrstuvwx")
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcdefghij", chunks[0])
	assert.Equal(t, "uvwx", chunks[2])
	assert.Empty(t, paceChunks(""))
}
