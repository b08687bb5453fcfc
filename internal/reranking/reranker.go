// Package reranking re-scores hybrid search results with the local model.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/retrieval"
)

const (
	defaultConcurrency = 3
	DefaultTimeout     = 5 * time.Second
	DefaultThreshold   = 0.3
)

// ChatEngine is the part of the inference engine the reranker needs.
type ChatEngine interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

var scoreSchema = engine.ObjectSchema(map[string]engine.SchemaProperty{
	"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
})

// Reranker asks the model to rate each (query, chunk) pair and keeps the
// chunks at or above Threshold, best first.
//
// TopK bounds the work: once TopK chunks are scored the rest are dropped.
// Zero scores every chunk.
type Reranker struct {
	Engine    ChatEngine
	Model     string
	Timeout   time.Duration
	Threshold float64
	TopK      int
	Logger    *slog.Logger
}

// New returns a Reranker with the default timeout and threshold.
func New(eng ChatEngine, model string) *Reranker {
	return &Reranker{
		Engine:    eng,
		Model:     model,
		Timeout:   DefaultTimeout,
		Threshold: DefaultThreshold,
	}
}

func (r *Reranker) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Rerank scores results against query. When the timeout fires first the
// input is returned unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, results []retrieval.ScoredEntry) ([]retrieval.ScoredEntry, error) {
	if len(results) == 0 || r.Engine == nil {
		return results, nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	scoreCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	enough := r.TopK
	if enough <= 0 || enough >= len(results) {
		enough = len(results)
	}

	scored := make(chan retrieval.ScoredEntry, len(results))
	g, gctx := errgroup.WithContext(scoreCtx)
	g.SetLimit(defaultConcurrency)
	go func() {
		for _, entry := range results {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				score, err := r.score(gctx, query, entry)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					r.logger().Debug("rerank score failed, keeping search score", "chunk", entry.ID, "error", err)
				} else {
					entry.Score = score
				}
				scored <- entry
				return nil
			})
		}
		g.Wait()
		close(scored)
	}()

	out := make([]retrieval.ScoredEntry, 0, enough)
collect:
	for len(out) < enough {
		select {
		case e, ok := <-scored:
			if !ok {
				break collect
			}
			out = append(out, e)
		case <-scoreCtx.Done():
			return results, nil
		}
	}
	cancel()

	if len(out) == 0 {
		return results, nil
	}

	kept := out[:0]
	for _, e := range out {
		if e.Score >= r.Threshold {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *Reranker) score(ctx context.Context, query string, entry retrieval.ScoredEntry) (float64, error) {
	prompt := "Rate the relevance of the following text to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Text: " + entry.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.Engine.Chat(ctx, r.Model, []engine.Message{engine.UserMessage(prompt)}, scoreSchema)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

var errNoJSON = errors.New("no JSON object in response")

// parseScore pulls {"score": x} out of a model reply, tolerating code fences
// and chatter around the object. Scores are clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, errNoJSON
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, errors.New("score missing")
	}
	return min(max(*obj.Score, 0), 1), nil
}
