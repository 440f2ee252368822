// Package embed turns text into vectors via the Gemini embedding API.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// Embedding errors.
var (
	ErrEmptyText         = errors.New("text is empty")
	ErrEmptyEmbedding    = errors.New("empty embedding response")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector size this embedder produces.
	Dimension() int
}

// Config contains all parameters for the Gemini embedder.
type Config struct {
	APIKey    string
	Model     string // e.g. "gemini-embedding-001"
	Dimension int    // requested output dimensionality; must match the index
	Logger    *slog.Logger
}

func (cfg Config) validate() error {
	if cfg.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("model is required")
	}
	if cfg.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Gemini is an Embedder backed by the Gemini embedding models.
type Gemini struct {
	client    *genai.Client
	model     string
	dimension int
	logger    *slog.Logger
}

// NewGemini creates a Gemini embedder.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("embed config: %w", err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		client:    client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		logger:    cfg.Logger,
	}, nil
}

// Dimension returns the configured output dimensionality.
func (g *Gemini) Dimension() int { return g.dimension }

// Embed returns the vector for a single text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds all texts in one API call. The response must carry
// exactly one vector per input, each of the configured dimension.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		if text == "" {
			return nil, ErrEmptyText
		}
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	dim := int32(g.dimension)
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts",
			ErrEmptyEmbedding, respLen(resp), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("%w: vector %d is empty", ErrEmptyEmbedding, i)
		}
		if len(emb.Values) != g.dimension {
			return nil, fmt.Errorf("%w: got %d, index expects %d",
				ErrDimensionMismatch, len(emb.Values), g.dimension)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func respLen(resp *genai.EmbedContentResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}
