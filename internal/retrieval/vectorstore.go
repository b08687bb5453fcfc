package retrieval

import (
	"context"
	"time"
)

// VectorStore holds embedded chunks and answers brute-force similarity
// queries. Implementations must be safe for concurrent use.
type VectorStore interface {
	// Insert adds entries. Entries are immutable once stored.
	Insert(ctx context.Context, entries []Entry) error

	// Search returns the topK entries by descending cosine similarity.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredEntry, error)

	// All returns every entry ordered by document and position.
	All(ctx context.Context) ([]Entry, error)

	// DeleteByDocument removes all chunks of a document and returns how many were removed.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	// PruneOldest deletes the oldest entries until at most max remain.
	PruneOldest(ctx context.Context, max int) (int, error)

	Count(ctx context.Context) (int, error)
}

// Entry is one indexed chunk of a document.
type Entry struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Position   int       `json:"position"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScoredEntry is an Entry with a similarity or fused score attached.
type ScoredEntry struct {
	Entry
	Score float64 `json:"score"`
}
