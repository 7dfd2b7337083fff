// Package embed turns text into vector embeddings via the OpenAI API.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"

	"github.com/linkloom/linkloom/internal/log"
)

// ErrEmbedding wraps provider-side failures so callers can classify them
// without depending on the OpenAI client types.
var ErrEmbedding = errors.New("embedding request failed")

// DefaultBatchSize caps texts per embedding request.
const DefaultBatchSize = 20

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// embeddingsClient is the slice of the OpenAI client the gateway uses.
// Tests substitute a fake.
type embeddingsClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAI is an Embedder backed by the OpenAI embeddings endpoint. Inputs are
// chunked into batches; transient failures are retried with backoff.
type OpenAI struct {
	client    embeddingsClient
	model     openai.EmbeddingModel
	batchSize int
	logger    log.Logger
}

// Config for the OpenAI embedder.
type Config struct {
	APIKey    string
	Model     string
	BatchSize int
}

// NewOpenAI creates an OpenAI-backed embedder.
func NewOpenAI(cfg Config, logger log.Logger) *OpenAI {
	model := openai.SmallEmbedding3
	if cfg.Model != "" {
		model = openai.EmbeddingModel(cfg.Model)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &OpenAI{
		client:    openai.NewClient(cfg.APIKey),
		model:     model,
		batchSize: batch,
		logger:    logger,
	}
}

// EmbedBatch embeds texts, preserving order. Any batch failure fails the
// whole call; partial results are never returned.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.batchSize {
		end := start + o.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := o.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (o *OpenAI) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: o.model,
		})
		if callErr != nil {
			o.logger.Warn("embedding request failed, retrying", "batch_size", len(batch), "error", callErr)
			return retry.RetryableError(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbedding, len(resp.Data), len(batch))
	}

	// Responses can arrive out of order; Index restores input order.
	vectors := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, fmt.Errorf("%w: vector index %d out of range", ErrEmbedding, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("%w: missing vector for input %d", ErrEmbedding, i)
		}
	}
	return vectors, nil
}
