// Package llm defines the narrow ports the pipeline uses to talk to
// language models, plus the provider implementations behind them.
// Everything upstream of these interfaces is provider-agnostic.
package llm

import "context"

// Turn is one message of a chat history.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Usage is the token accounting of one generation call. Estimated marks
// counts derived locally because the response carried no usage metadata.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// GenerateRequest is a streaming generation call.
type GenerateRequest struct {
	System      string
	History     []Turn
	User        string
	Temperature float32
}

// CompleteRequest is a non-streaming JSON-mode completion. SchemaJSON, when
// set, constrains the output shape (structured output).
type CompleteRequest struct {
	Model       string
	System      string
	User        string
	SchemaJSON  string
	Temperature float32
}

// Generator streams answer tokens. The emit callback receives each text
// chunk in order; returning an error stops the stream. The returned Usage
// is valid even when the stream ended early or errored.
type Generator interface {
	StreamGenerate(ctx context.Context, req GenerateRequest, emit func(chunk string) error) (Usage, error)
}

// Completer performs short non-streaming completions (router rewrites,
// short-query expansion).
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// Embedder generates dense vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
