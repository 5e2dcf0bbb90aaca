// Package router decides whether a query depends on conversation history
// and, when it does, produces a standalone rewrite suitable for retrieval
// and semantic caching.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
)

// Decision is the router's output.
type Decision struct {
	IsDependent bool   `json:"is_dependent"`
	Standalone  string `json:"standalone_query"`
}

// strongPronouns mark a query as history-dependent on sight.
var strongPronouns = map[string]bool{
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"they": true, "them": true, "former": true, "latter": true, "its": true,
	"he": true, "she": true, "one": true,
}

// strongPrefixes mark a query as history-dependent on sight.
var strongPrefixes = []string{
	"and ", "also ", "what about", "how about", "why not", "but ",
	"then ", "so ", "ok ", "okay ",
}

// routerSystemPrompt instructs the rewrite model.
const routerSystemPrompt = `You decide whether a user's question depends on the preceding conversation.
If it does, rewrite it as a fully standalone question that preserves the user's intent.
If it does not, return the question unchanged.
Answer only with the JSON object.`

// routerSchema constrains the structured output.
const routerSchema = `{
	"type": "OBJECT",
	"properties": {
		"is_dependent": {"type": "BOOLEAN"},
		"standalone_query": {"type": "STRING"}
	},
	"required": ["is_dependent", "standalone_query"]
}`

// Router produces routing decisions.
type Router struct {
	completer llm.Completer
}

// New builds a router over the given completer. A nil completer disables
// the slow path; fast-path heuristics and anchoring still run.
func New(completer llm.Completer) *Router {
	return &Router{completer: completer}
}

// Route classifies the query against its history. The returned standalone
// query has vocabulary normalization and entity expansion applied in all
// cases. When the fast path fires and the LLM rewrite fails or is
// unavailable, deterministic pronoun anchoring is the fallback; when the
// LLM says dependent, its rewrite wins over anchoring.
func (r *Router) Route(ctx context.Context, query string, history []llm.Turn) Decision {
	query = strings.TrimSpace(query)
	if len(history) == 0 {
		return Decision{IsDependent: false, Standalone: NormalizeVocabulary(query)}
	}

	fastDependent := IsLikelyDependent(query)
	decision, ok := r.llmRoute(ctx, query, history)
	switch {
	case ok && decision.IsDependent && decision.Standalone != "":
		logging.RouterDebug("llm rewrite: %q -> %q", query, decision.Standalone)
	case ok && !decision.IsDependent && !fastDependent:
		decision = Decision{IsDependent: false, Standalone: query}
	default:
		// Fast path hit with no usable LLM rewrite, or the call failed:
		// anchor pronouns deterministically.
		anchored := AnchorPronouns(query, history)
		decision = Decision{IsDependent: fastDependent || anchored != query, Standalone: anchored}
	}

	decision.Standalone = NormalizeVocabulary(decision.Standalone)
	return decision
}

// llmRoute invokes the structured-output rewrite; ok=false means the slow
// path is unavailable or failed.
func (r *Router) llmRoute(ctx context.Context, query string, history []llm.Turn) (Decision, bool) {
	if r.completer == nil {
		return Decision{}, false
	}

	// Only the tail of the conversation matters for disambiguation.
	tail := history
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, turn := range tail {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Text)
		sb.WriteString("\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)

	raw, err := r.completer.Complete(ctx, llm.CompleteRequest{
		System:      routerSystemPrompt,
		User:        sb.String(),
		SchemaJSON:  routerSchema,
		Temperature: 0.1,
	})
	if err != nil {
		logging.Router("slow-path rewrite failed: %v", err)
		return Decision{}, false
	}

	var decision Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		logging.Router("slow-path returned unparseable output: %v", err)
		return Decision{}, false
	}
	return decision, true
}

// IsLikelyDependent applies the fast-path heuristics: strong pronouns
// anywhere, or a strong prefix.
func IsLikelyDependent(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range strongPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, tok := range strings.Fields(lower) {
		tok = strings.Trim(tok, ".,!?;:'\"")
		if strongPronouns[tok] {
			return true
		}
	}
	return false
}

// AnchorPronouns replaces a leading ambiguous pronoun with the most
// recently mentioned entity from history. When no entity is found the
// query is returned unchanged.
func AnchorPronouns(query string, history []llm.Turn) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return query
	}

	// Find the first pronoun in the opening words.
	pronounIdx := -1
	for i, tok := range fields {
		if i > 2 {
			break
		}
		if strongPronouns[strings.Trim(strings.ToLower(tok), ".,!?;:'\"")] {
			pronounIdx = i
			break
		}
	}
	if pronounIdx == -1 {
		return query
	}

	entity := lastEntity(history)
	if entity == "" {
		return query
	}

	fields[pronounIdx] = entity
	return strings.Join(fields, " ")
}

// lastEntity scans history newest-first for the most recent domain term.
func lastEntity(history []llm.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if entity := FindEntity(history[i].Text); entity != "" {
			return entity
		}
	}
	return ""
}
