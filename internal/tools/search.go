package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
)

const (
	defaultSearchTopK = 8
	chunksPerDocument = 2
	noKnowledge       = "No matching documents were found in the knowledge base."
)

const researchPrompt = `You are a research assistant. Using only the sources below, write the findings
relevant to the request as short paragraphs. Cite sources as [n]. If the sources
do not cover the request, say so.`

// Searcher runs a hybrid query over the knowledge base.
type Searcher interface {
	HybridSearch(ctx context.Context, query string, topK int) ([]retrieval.ScoredEntry, error)
}

// Reranker re-scores search results for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []retrieval.ScoredEntry) ([]retrieval.ScoredEntry, error)
}

// DocumentLookup resolves document titles for citations.
type DocumentLookup interface {
	GetDocument(id string) (storage.Document, error)
}

// Research answers the web_search step from the local knowledge base. With
// an engine configured the sources are condensed into findings; without one,
// or when condensing fails, the formatted sources are returned as is.
type Research struct {
	Search    Searcher
	Rerank    Reranker
	Documents DocumentLookup
	Engine    engine.Engine
	Model     string
	TopK      int
}

// Call implements Func.
func (r Research) Call(ctx context.Context, params map[string]any) (string, error) {
	query := firstNonEmpty(params, "query", "goal", "prompt")
	if query == "" {
		return "", fmt.Errorf("web_search: query is required")
	}
	topK := Int(params, "top_k", r.TopK)
	if topK <= 0 {
		topK = defaultSearchTopK
	}

	results, err := r.Search.HybridSearch(ctx, query, topK)
	if err != nil {
		return "", fmt.Errorf("searching knowledge base: %w", err)
	}
	if r.Rerank != nil {
		if reranked, err := r.Rerank.Rerank(ctx, query, results); err == nil {
			results = reranked
		}
	}
	docs := retrieval.AggregateByDocument(results, chunksPerDocument)
	if len(docs) == 0 {
		return noKnowledge, nil
	}

	sources := r.formatSources(docs)
	if r.Engine == nil {
		return sources, nil
	}
	out, err := resilience.Chain[string]{
		Name: "research",
		Primary: func(ctx context.Context) (string, error) {
			answer, err := engine.Infer(ctx, r.Engine, r.Model, researchPrompt, "Request: "+query+"\n\nSources:\n"+sources)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(answer) + "\n\nSources:\n" + r.citations(docs), nil
		},
		Final: func() string { return sources },
	}.Run(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return out, err
}

func (r Research) formatSources(docs []retrieval.DocumentResult) string {
	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, r.title(d.DocumentID))
		for _, c := range d.Chunks {
			fmt.Fprintf(&b, "%s\n", strings.Join(strings.Fields(c.Text), " "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func (r Research) citations(docs []retrieval.DocumentResult) string {
	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, r.title(d.DocumentID))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (r Research) title(docID string) string {
	if r.Documents == nil {
		return docID
	}
	doc, err := r.Documents.GetDocument(docID)
	if err != nil || doc.Title == "" {
		return docID
	}
	if doc.Source != "" {
		return fmt.Sprintf("%s (%s)", doc.Title, doc.Source)
	}
	return doc.Title
}
