package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/taskmind/internal/resilience"
	"golang.org/x/sync/errgroup"
)

// EmbeddingEngine is the external collaborator that turns text into a vector.
type EmbeddingEngine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder wraps an EmbeddingEngine with the retry policy.
type Embedder struct {
	engine  EmbeddingEngine
	model   string
	retrier *resilience.Retrier
	policy  resilience.Config
}

// NewEmbedder creates an Embedder using the given engine and model name.
// A nil retrier calls the engine once per text.
func NewEmbedder(e EmbeddingEngine, model string, r *resilience.Retrier) *Embedder {
	return &Embedder{engine: e, model: model, retrier: r, policy: resilience.DefaultConfig()}
}

// WithPolicy returns a copy of e using cfg for retries.
func (e *Embedder) WithPolicy(cfg resilience.Config) *Embedder {
	c := *e
	c.policy = cfg
	return &c
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	call := func(ctx context.Context) ([]float32, error) {
		return e.engine.Embed(ctx, e.model, text)
	}
	var (
		vec []float32
		err error
	)
	if e.retrier == nil {
		vec, err = call(ctx)
	} else {
		vec, err = resilience.Retry(ctx, e.retrier, e.policy, "embed", call)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
