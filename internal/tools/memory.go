package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/resilience"
)

// MemoryStore is the part of memory.Manager the memory tools use.
type MemoryStore interface {
	Retrieve(ctx context.Context, query string, opts memory.ListOptions) []memory.Scored
	Store(ctx context.Context, req memory.StoreRequest) (memory.Entry, error)
}

// Memory exposes recall and remember as tools.
type Memory struct {
	Store MemoryStore
}

// Recall returns the memories relevant to "query" (or the goal).
func (m Memory) Recall(ctx context.Context, params map[string]any) (string, error) {
	query := firstNonEmpty(params, "query", "goal", "prompt")
	opts := memory.ListOptions{Limit: Int(params, "limit", memory.DefaultLimit)}
	if t := String(params, "type"); t != "" {
		opts.Types = []memory.Type{memory.Type(t)}
	}
	found := m.Store.Retrieve(ctx, query, opts)
	if len(found) == 0 {
		return "Nothing relevant is remembered.", nil
	}
	var b strings.Builder
	for _, s := range found {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", s.Type, s.Importance, strings.Join(strings.Fields(s.Content), " "))
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// Remember stores "content" as a learned fact unless "type" and
// "importance" say otherwise.
func (m Memory) Remember(ctx context.Context, params map[string]any) (string, error) {
	content := firstNonEmpty(params, "content", "previous")
	req := memory.StoreRequest{
		Type:       memory.LearnedFact,
		Importance: memory.Useful,
		Content:    content,
	}
	if t := String(params, "type"); t != "" {
		req.Type = memory.Type(t)
	}
	if i := String(params, "importance"); i != "" {
		req.Importance = memory.Importance(i)
	}
	switch req.Type {
	case memory.LearnedFact:
		req.Metadata = memory.LearnedFactMeta{Source: "tool", Confidence: 1}
	case memory.UserPreference:
		if key := String(params, "key"); key != "" {
			req.Metadata = memory.UserPreferenceMeta{Key: key, Value: content}
		}
	}

	e, err := m.Store.Store(ctx, req)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("remember: %w", err))
	}
	return fmt.Sprintf("Remembered %s (%s, %s).", e.ID, e.Type, e.Importance), nil
}
