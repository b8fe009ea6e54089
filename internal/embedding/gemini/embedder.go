// Package gemini embeds text with the Gemini embedding models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// maxBatch is the largest number of texts sent in one embedding request.
const maxBatch = 100

// Config configures the embedder.
type Config struct {
	APIKey     string
	Model      string
	Dimensions int
	// BaseURL overrides the API host, for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// Embedder implements pipeline.Embedder.
type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

// New creates a Gemini API client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini embedding model is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Embedder{client: client, model: cfg.Model, dimensions: cfg.Dimensions, logger: logger}, nil
}

// Embed returns one vector per text, in order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	var cfg *genai.EmbedContentConfig
	if e.dimensions > 0 {
		dim := int32(e.dimensions)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		got := 0
		if result != nil {
			got = len(result.Embeddings)
		}
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), got)
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		if e.dimensions > 0 && len(emb.Values) != e.dimensions {
			return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", e.dimensions, len(emb.Values))
		}
		vectors[i] = emb.Values
	}
	e.logger.Debug("texts embedded", zap.Int("count", len(texts)), zap.String("model", e.model))
	return vectors, nil
}
