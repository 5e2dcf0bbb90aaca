package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"knowledgehub/internal/config"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/spend"
)

// =============================================================================
// GOOGLE GENAI PROVIDER
// =============================================================================

// GenAIProvider implements Generator, Completer, and Embedder on the
// Gemini API. One client serves all three; models are selected per call.
type GenAIProvider struct {
	client          *genai.Client
	generationModel string
	routerModel     string
	embeddingModel  string
	temperature     float32
	dimensions      int
}

// NewGenAIProvider creates a provider from the LLM configuration.
func NewGenAIProvider(ctx context.Context, cfg config.LLMConfig) (*GenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIProvider{
		client:          client,
		generationModel: cfg.GenerationModel,
		routerModel:     cfg.RouterModel,
		embeddingModel:  cfg.EmbeddingModel,
		temperature:     float32(cfg.Temperature),
		dimensions:      768,
	}, nil
}

// GenerationModel returns the model used for streamed answers, for cost
// attribution.
func (p *GenAIProvider) GenerationModel() string { return p.generationModel }

// RouterModel returns the model used for rewrites and expansions.
func (p *GenAIProvider) RouterModel() string { return p.routerModel }

// StreamGenerate implements Generator.
func (p *GenAIProvider) StreamGenerate(ctx context.Context, req GenerateRequest, emit func(string) error) (Usage, error) {
	contents := historyContents(req.History)
	contents = append(contents, genai.NewContentFromText(req.User, genai.RoleUser))

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	var (
		usage   Usage
		emitted strings.Builder
	)
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.generationModel, contents, cfg) {
		if err != nil {
			return p.finalizeUsage(usage, req, emitted.String()), fmt.Errorf("generation stream: %w", err)
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		emitted.WriteString(chunk)
		if err := emit(chunk); err != nil {
			return p.finalizeUsage(usage, req, emitted.String()), err
		}
	}

	return p.finalizeUsage(usage, req, emitted.String()), nil
}

// finalizeUsage falls back to local word-count estimation when the stream
// carried no usage metadata (possible on early termination).
func (p *GenAIProvider) finalizeUsage(usage Usage, req GenerateRequest, output string) Usage {
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		return usage
	}
	input := spend.EstimateTokens(req.System) + spend.EstimateTokens(req.User)
	for _, t := range req.History {
		input += spend.EstimateTokens(t.Text)
	}
	logging.GenerationDebug("no usage metadata, estimating tokens locally")
	return Usage{
		InputTokens:  input,
		OutputTokens: spend.EstimateTokens(output),
		Estimated:    true,
	}
}

// Complete implements Completer. SchemaJSON switches the call to JSON mode
// with a constrained response schema.
func (p *GenAIProvider) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.routerModel
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.SchemaJSON != "" {
		var schema genai.Schema
		if err := json.Unmarshal([]byte(req.SchemaJSON), &schema); err != nil {
			return "", fmt.Errorf("invalid response schema: %w", err)
		}
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = &schema
	}

	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	return resp.Text(), nil
}

// Embed implements Embedder.
func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder using the API's native batch support.
func (p *GenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, contents,
		&genai.EmbedContentConfig{
			TaskType: "RETRIEVAL_QUERY",
		})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// Dimensions implements Embedder.
func (p *GenAIProvider) Dimensions() int { return p.dimensions }

// Name implements Embedder.
func (p *GenAIProvider) Name() string { return "genai" }

func historyContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}
