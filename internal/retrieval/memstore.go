package retrieval

import (
	"context"
	"sort"
	"sync"
)

var _ VectorStore = (*MemStore)(nil)

// MemStore is an in-process VectorStore used when no database is
// configured and in tests.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Insert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemStore) Search(_ context.Context, vector []float32, topK int) ([]ScoredEntry, error) {
	if topK <= 0 {
		return nil, nil
	}
	qn := norm(vector)
	if qn == 0 {
		return nil, nil
	}

	m.mu.RLock()
	scored := make([]ScoredEntry, 0, len(m.entries))
	for _, e := range m.entries {
		scored = append(scored, ScoredEntry{Entry: e, Score: cosineWithNorm(vector, e.Embedding, qn)})
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (m *MemStore) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	out := append([]Entry(nil), m.entries...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *MemStore) DeleteByDocument(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *MemStore) PruneOldest(_ context.Context, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excess := len(m.entries) - max
	if excess <= 0 {
		return 0, nil
	}
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].CreatedAt.Before(m.entries[j].CreatedAt)
	})
	m.entries = append([]Entry(nil), m.entries[excess:]...)
	return excess, nil
}

func (m *MemStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
