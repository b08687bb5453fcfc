package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// DefaultMaxEntries caps the number of chunks kept in the store.
const DefaultMaxEntries = 10000

// IndexerConfig tunes chunking and the store cap.
type IndexerConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MaxEntries   int
}

func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		MaxEntries:   DefaultMaxEntries,
	}
}

// Indexer turns documents into embedded chunks.
type Indexer struct {
	store    VectorStore
	embedder *Embedder
	cfg      IndexerConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewIndexer(store VectorStore, embedder *Embedder, cfg IndexerConfig) *Indexer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Index chunks text, embeds every chunk and stores them under documentID.
// Any chunks previously stored for documentID are replaced. After insertion
// the store is pruned back to MaxEntries, oldest first. It returns the
// number of chunks stored.
func (ix *Indexer) Index(ctx context.Context, documentID, text string) (int, error) {
	chunks := Chunk(text, ix.cfg.ChunkSize, ix.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embedding %d chunks of %s: %w", len(chunks), documentID, err)
	}

	if _, err := ix.store.DeleteByDocument(ctx, documentID); err != nil {
		return 0, fmt.Errorf("replacing chunks of %s: %w", documentID, err)
	}

	now := ix.now()
	entries := make([]Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = Entry{
			ID:         chunkID(documentID, i),
			DocumentID: documentID,
			Position:   i,
			Text:       c,
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}
	if err := ix.store.Insert(ctx, entries); err != nil {
		return 0, fmt.Errorf("storing chunks of %s: %w", documentID, err)
	}

	if ix.cfg.MaxEntries > 0 {
		pruned, err := ix.store.PruneOldest(ctx, ix.cfg.MaxEntries)
		if err != nil {
			ix.logger.Warn("pruning vector store failed", "error", err)
		} else if pruned > 0 {
			ix.logger.Info("pruned vector store", "removed", pruned, "max_entries", ix.cfg.MaxEntries)
		}
	}

	ix.logger.Debug("indexed document", "document_id", documentID, "chunks", len(entries))
	return len(entries), nil
}

// chunkID is unique per document position. Index drops the old chunks of a
// document before inserting, so reindexing reuses the same ids.
func chunkID(documentID string, position int) string {
	return "vec_" + documentID + "#" + strconv.Itoa(position)
}

// Remove deletes all chunks of documentID.
func (ix *Indexer) Remove(ctx context.Context, documentID string) (int, error) {
	return ix.store.DeleteByDocument(ctx, documentID)
}
