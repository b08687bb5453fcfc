package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// Search modes reported to observers.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
	ModeHybrid   = "hybrid"
)

// ErrNoEmbedder is returned by SemanticSearch on a Searcher built without
// an embedder.
var ErrNoEmbedder = errors.New("semantic search needs an embedder")

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchObserver receives one call per completed search.
type SearchObserver interface {
	SearchCompleted(mode string, elapsed time.Duration, results int)
}

// Searcher answers semantic, keyword and hybrid queries over a VectorStore.
type Searcher struct {
	store    VectorStore
	embedder QueryEmbedder
	fusion   FusionConfig
	observer SearchObserver
	logger   *slog.Logger
}

// NewSearcher creates a Searcher. A nil embedder restricts hybrid search to
// keyword ranking.
func NewSearcher(store VectorStore, embedder QueryEmbedder) *Searcher {
	return &Searcher{
		store:    store,
		embedder: embedder,
		fusion:   DefaultFusion(),
		logger:   slog.Default(),
	}
}

func (s *Searcher) SetFusion(cfg FusionConfig)   { s.fusion = cfg }
func (s *Searcher) SetObserver(o SearchObserver) { s.observer = o }
func (s *Searcher) SetLogger(l *slog.Logger)     { s.logger = l }

// SemanticSearch returns the topK chunks by cosine similarity to the query.
func (s *Searcher) SemanticSearch(ctx context.Context, query string, topK int) ([]ScoredEntry, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := s.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}
	s.observe(ModeSemantic, start, len(results))
	return results, nil
}

// KeywordSearch returns the topK chunks by BM25 score. Chunks that share no
// term with the query are not returned.
func (s *Searcher) KeywordSearch(ctx context.Context, query string, topK int) ([]ScoredEntry, error) {
	start := time.Now()
	entries, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	ranked := rankByKeyword(entries, query)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	s.observe(ModeKeyword, start, len(ranked))
	return ranked, nil
}

// HybridSearch ranks every chunk by semantic and by keyword score, fuses
// both rankings with reciprocal rank fusion and returns the topK. If the
// query cannot be embedded the keyword ranking is used alone.
func (s *Searcher) HybridSearch(ctx context.Context, query string, topK int) ([]ScoredEntry, error) {
	start := time.Now()
	entries, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || topK <= 0 {
		return nil, nil
	}

	keyword := rankByKeyword(entries, query)

	var semantic []ScoredEntry
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("semantic ranking unavailable, using keyword only", "error", err)
		} else {
			semantic = rankBySimilarity(entries, vec)
		}
	}

	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	fused := Fuse(ids(semantic), ids(keyword), s.fusion)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	results := make([]ScoredEntry, len(fused))
	for i, f := range fused {
		results[i] = ScoredEntry{Entry: byID[f.ID], Score: f.Score}
	}
	s.observe(ModeHybrid, start, len(results))
	return results, nil
}

func (s *Searcher) observe(mode string, start time.Time, n int) {
	if s.observer != nil {
		s.observer.SearchCompleted(mode, time.Since(start), n)
	}
}

func rankBySimilarity(entries []Entry, vec []float32) []ScoredEntry {
	qn := norm(vec)
	ranked := make([]ScoredEntry, len(entries))
	for i, e := range entries {
		ranked[i] = ScoredEntry{Entry: e, Score: cosineWithNorm(vec, e.Embedding, qn)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

func rankByKeyword(entries []Entry, query string) []ScoredEntry {
	terms := uniqueTokens(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}
	corpus := make([]string, len(entries))
	for i, e := range entries {
		corpus[i] = e.Text
	}
	bm := NewBM25(corpus)

	var ranked []ScoredEntry
	for i, e := range entries {
		if score := bm.ScoreTokens(terms, i); score > 0 {
			ranked = append(ranked, ScoredEntry{Entry: e, Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked
}

func ids(entries []ScoredEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// DocumentResult groups the best chunks of one document.
type DocumentResult struct {
	DocumentID string        `json:"document_id"`
	Score      float64       `json:"score"`
	Chunks     []ScoredEntry `json:"chunks"`
}

// AggregateByDocument groups results by owning document, keeps at most
// perDoc chunks per document in their incoming order, and orders documents by
// their best chunk score.
func AggregateByDocument(results []ScoredEntry, perDoc int) []DocumentResult {
	if perDoc <= 0 {
		perDoc = 1
	}
	index := make(map[string]int)
	var docs []DocumentResult
	for _, r := range results {
		i, ok := index[r.DocumentID]
		if !ok {
			i = len(docs)
			index[r.DocumentID] = i
			docs = append(docs, DocumentResult{DocumentID: r.DocumentID, Score: r.Score})
		}
		d := &docs[i]
		if r.Score > d.Score {
			d.Score = r.Score
		}
		if len(d.Chunks) < perDoc {
			d.Chunks = append(d.Chunks, r)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	return docs
}
