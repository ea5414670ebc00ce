package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

// ErrQuotaExceeded marks embedding calls rejected for billing reasons.
// Callers degrade to contextless operation instead of failing the turn.
var ErrQuotaExceeded = errors.New("embedding quota exceeded")

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder generates embeddings with quota latching: after one
// quota rejection it fails fast without further upstream calls.
type OpenAIEmbedder struct {
	client        *openai.Client
	model         openai.EmbeddingModel
	quotaExceeded atomic.Bool
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.quotaExceeded.Load() {
		return nil, ErrQuotaExceeded
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		if isQuotaError(err) {
			e.quotaExceeded.Store(true)
			return nil, fmt.Errorf("%w: %s", ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// ResetQuota clears the latch, for when billing recovers.
func (e *OpenAIEmbedder) ResetQuota() {
	e.quotaExceeded.Store(false)
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "exceeded")
}
