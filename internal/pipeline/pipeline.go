// Package pipeline orchestrates a chat query from sanitization through
// routing, the cache hierarchy, hybrid retrieval, spend control, and
// streaming generation. Each stage can end the request early; later
// stages never run after an early exit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"knowledgehub/internal/cache"
	"knowledgehub/internal/config"
	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
	"knowledgehub/internal/router"
	"knowledgehub/internal/spend"
	"knowledgehub/internal/store"
)

// Validation errors, mapped to 422 by the transport.
var (
	ErrEmptyQuery   = errors.New("query is empty")
	ErrQueryTooLong = errors.New("query exceeds the maximum length")
)

// BudgetError reports a spend pre-flight rejection with the exceeded
// window ("daily" or "hourly").
type BudgetError struct {
	Window string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("spend budget exceeded: %s window", e.Window)
}

// cachedChunkRunes paces cached answers so clients render them as a
// stream rather than a single blob.
const cachedChunkRunes = 10

// finalizeTimeout bounds the post-stream spend adjustment and cache
// writes, which must run even when the client disconnected.
const finalizeTimeout = 10 * time.Second

const systemPrompt = `You are a helpful assistant answering questions about a curated knowledge base.
Answer using only the provided context. If the context does not contain the answer, say so plainly.
Be concise and factual. Do not invent sources or details.`

// Budget rejection texts by window.
var budgetMessages = map[string]string{
	spend.WindowDaily:  "The service has reached its daily usage budget. Please try again tomorrow.",
	spend.WindowHourly: "The service is briefly over its hourly usage budget. Please try again in a few minutes.",
}

// Retriever is the hybrid retrieval port.
type Retriever interface {
	Retrieve(ctx context.Context, query string, vector []float32) ([]store.ScoredDocument, error)
}

// ParentResolver swaps synthetic hits for their parent chunks.
type ParentResolver interface {
	Resolve(ctx context.Context, docs []store.ScoredDocument) []store.ScoredDocument
}

// Pipeline runs chat queries end to end.
type Pipeline struct {
	router    *router.Router
	caches    *cache.Hierarchy
	expander  *cache.Expander // nil disables short-query expansion
	embedder  llm.Embedder
	retriever Retriever
	parents   ParentResolver
	ledger    *spend.Ledger
	generator llm.Generator

	model       string
	temperature float32
	cfg         config.RetrievalConfig
}

// New wires the pipeline.
func New(
	rt *router.Router,
	caches *cache.Hierarchy,
	expander *cache.Expander,
	embedder llm.Embedder,
	retriever Retriever,
	parents ParentResolver,
	ledger *spend.Ledger,
	generator llm.Generator,
	model string,
	temperature float32,
	cfg config.RetrievalConfig,
) *Pipeline {
	return &Pipeline{
		router:      rt,
		caches:      caches,
		expander:    expander,
		embedder:    embedder,
		retriever:   retriever,
		parents:     parents,
		ledger:      ledger,
		generator:   generator,
		model:       model,
		temperature: temperature,
		cfg:         cfg,
	}
}

// ValidateQuery applies the pre-stream checks the transport maps to 422.
func ValidateQuery(query string, maxLength int) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return ErrEmptyQuery
	}
	if maxLength > 0 && len(trimmed) > maxLength {
		return ErrQueryTooLong
	}
	return nil
}

// Run executes the pipeline for one query, delivering events through emit.
// The returned error is for logging; every user-visible failure has
// already been emitted as an error event where the stream allowed it.
func (p *Pipeline) Run(ctx context.Context, query string, history []llm.Turn, emit EmitFunc) error {
	sanitized, err := p.sanitize(query)
	if err != nil {
		return err
	}
	history = truncateHistory(history, p.cfg.MaxHistoryPairs)
	timer := logging.StartTimer(logging.CategoryAPI, "query pipeline")
	defer timer.Stop()

	if err := emit(Event{Status: StatusThinking, Message: "Looking that up..."}); err != nil {
		return err
	}

	decision := p.router.Route(ctx, sanitized, history)
	effective := decision.Standalone
	logging.APIDebug("effective query: %q (dependent=%v)", effective, decision.IsDependent)

	// T1/T2 run against the standalone rewrite.
	if answer, ok := p.caches.CheckPre(effective, decision.IsDependent); ok {
		return p.serveCached(answer, emit)
	}

	// T3 keys on the raw query in its history context.
	if answer, ok := p.caches.CheckExact(ctx, sanitized, history); ok {
		return p.serveCached(answer, emit)
	}

	// Expansion widens terse queries for embedding and retrieval only;
	// the static tiers above must see the user's own words.
	if p.expander != nil && !decision.IsDependent {
		effective = p.expander.Expand(ctx, effective)
	}

	vector := p.embed(ctx, effective)

	// T4 keys on the rewrite's embedding.
	if answer, ok := p.caches.CheckSemantic(ctx, vector); ok {
		return p.serveCached(answer, emit)
	}

	docs, err := p.retriever.Retrieve(ctx, effective, vector)
	if err != nil {
		logging.API("hybrid retrieval failed, trying history-aware fallback: %v", err)
		docs = p.retrieveWithHistory(ctx, sanitized, history)
	}

	resolved := p.parents.Resolve(ctx, docs)
	published := publishedScored(resolved)
	if len(published) == 0 {
		return p.serveNoMatch(emit)
	}

	return p.generate(ctx, sanitized, effective, history, published, vector, emit)
}

// retrieveWithHistory re-anchors the query against its conversation
// context and retries retrieval once. Returns nil when the retry also
// fails; the caller serves no-match.
func (p *Pipeline) retrieveWithHistory(ctx context.Context, query string, history []llm.Turn) []store.ScoredDocument {
	contextual := router.NormalizeVocabulary(router.AnchorPronouns(query, history))
	vector := p.embed(ctx, contextual)
	docs, err := p.retriever.Retrieve(ctx, contextual, vector)
	if err != nil {
		logging.API("history-aware fallback retrieval failed: %v", err)
		return nil
	}
	return docs
}

// generate runs the spend pre-flight and streams the model's answer.
// published must already be filtered to published documents; draft text
// never reaches the prompt.
func (p *Pipeline) generate(ctx context.Context, sanitized, effective string, history []llm.Turn, published []store.ScoredDocument, vector []float32, emit EmitFunc) error {
	estimate := spend.EstimateQueryCost(p.model, effective, turnTexts(history))
	reservation, err := p.ledger.Reserve(ctx, estimate)
	if err != nil {
		return fmt.Errorf("spend reserve: %w", err)
	}
	if !reservation.Allowed {
		_ = emit(Event{
			Status:     StatusError,
			Type:       reservation.Window,
			Error:      budgetMessages[reservation.Window],
			IsComplete: true,
		})
		return &BudgetError{Window: reservation.Window}
	}

	sources := documentsOf(published)
	if err := emit(Event{Status: StatusSources, Sources: eventSources(sources)}); err != nil {
		return err
	}

	var text strings.Builder
	usage, genErr := p.generator.StreamGenerate(ctx, llm.GenerateRequest{
		System:      systemPrompt,
		History:     history,
		User:        buildPrompt(effective, published),
		Temperature: p.temperature,
	}, func(chunk string) error {
		text.WriteString(chunk)
		return emit(Event{Status: StatusStreaming, Chunk: chunk})
	})

	// Spend accounting happens regardless of how the stream ended; the
	// tokens were consumed either way.
	p.finalizeSpend(reservation, usage)

	if genErr != nil {
		metrics.GenerationError()
		metrics.QueryCompleted("error")
		_ = emit(Event{Status: StatusError, Error: GenericErrorMessage, IsComplete: true})
		return fmt.Errorf("generation: %w", genErr)
	}

	answer := cache.Answer{Text: text.String(), Sources: sources}
	p.storeAnswer(sanitized, history, effective, vector, answer)

	metrics.QueryCompleted("generated")
	logging.Generation("answered query (%d in / %d out tokens, estimated=%v)",
		usage.InputTokens, usage.OutputTokens, usage.Estimated)
	return emit(Event{Status: StatusComplete, FromCache: false, Sources: eventSources(sources), IsComplete: true})
}

// serveCached streams a cache hit in paced chunks so all answers render
// the same way client-side.
func (p *Pipeline) serveCached(answer cache.Answer, emit EmitFunc) error {
	if len(answer.Sources) > 0 {
		if err := emit(Event{Status: StatusSources, Sources: eventSources(answer.Sources)}); err != nil {
			return err
		}
	}
	for _, chunk := range paceChunks(answer.Text) {
		if err := emit(Event{Status: StatusStreaming, Chunk: chunk}); err != nil {
			return err
		}
	}
	metrics.QueryCompleted(answer.Origin)
	return emit(Event{Status: StatusComplete, FromCache: answer.Origin, Sources: eventSources(answer.Sources), IsComplete: true})
}

func (p *Pipeline) serveNoMatch(emit EmitFunc) error {
	metrics.QueryCompleted("no_match")
	if err := emit(Event{Status: StatusStreaming, Chunk: NoMatchMessage}); err != nil {
		return err
	}
	return emit(Event{Status: StatusComplete, FromCache: false, IsComplete: true})
}

// embed returns the query vector, or nil when embedding is unavailable.
// Retrieval degrades to sparse-only and T4 is skipped.
func (p *Pipeline) embed(ctx context.Context, query string) []float32 {
	if p.embedder == nil {
		return nil
	}
	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		logging.Embedding("query embedding failed, continuing without: %v", err)
		return nil
	}
	return vector
}

// finalizeSpend records the actual cost. Runs detached from the request
// context so a client disconnect cannot lose the adjustment.
func (p *Pipeline) finalizeSpend(reservation spend.Reservation, usage llm.Usage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), finalizeTimeout)
	defer cancel()

	actual := spend.Cost(p.model, usage.InputTokens, usage.OutputTokens)
	if err := p.ledger.Finalize(ctx, reservation, actual, usage.InputTokens, usage.OutputTokens); err != nil {
		logging.Spend("spend finalize failed: %v", err)
	}
}

// storeAnswer writes the generated answer to T3 and T4, best-effort and
// detached from the request context.
func (p *Pipeline) storeAnswer(sanitized string, history []llm.Turn, effective string, vector []float32, answer cache.Answer) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	p.caches.StoreAnswer(ctx, sanitized, history, effective, vector, answer)
}

// sanitize trims, strips control characters, and enforces the length cap.
func (p *Pipeline) sanitize(query string) (string, error) {
	var sb strings.Builder
	for _, r := range query {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	cleaned := strings.TrimSpace(sb.String())
	if err := ValidateQuery(cleaned, p.cfg.MaxQueryLength); err != nil {
		return "", err
	}
	return cleaned, nil
}

// truncateHistory keeps the most recent N user/assistant pairs.
func truncateHistory(history []llm.Turn, maxPairs int) []llm.Turn {
	if maxPairs <= 0 {
		return nil
	}
	maxTurns := 2 * maxPairs
	if len(history) <= maxTurns {
		return history
	}
	return history[len(history)-maxTurns:]
}

// buildPrompt frames the retrieved chunks as the model's only context.
func buildPrompt(query string, docs []store.ScoredDocument) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, doc := range docs {
		sb.WriteString(fmt.Sprintf("[%d] ", i+1))
		sb.WriteString(doc.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}

func publishedScored(docs []store.ScoredDocument) []store.ScoredDocument {
	out := make([]store.ScoredDocument, 0, len(docs))
	for _, d := range docs {
		if d.Status == store.StatusPublished {
			out = append(out, d)
		}
	}
	return out
}

func documentsOf(docs []store.ScoredDocument) []store.Document {
	out := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Document)
	}
	return out
}

func turnTexts(history []llm.Turn) []string {
	out := make([]string, 0, len(history))
	for _, t := range history {
		out = append(out, t.Text)
	}
	return out
}

// paceChunks splits text into fixed-size rune chunks.
func paceChunks(text string) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/cachedChunkRunes+1)
	for start := 0; start < len(runes); start += cachedChunkRunes {
		end := start + cachedChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
