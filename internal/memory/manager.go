package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/taskmind/internal/debounce"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
)

const (
	DefaultMaxEntries = 500
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultLimit      = 10

	// FeaturePersistence is the degradation flag guarding KV writes.
	FeaturePersistence = "memory.persistence"

	keyPrefix   = "mem:"
	recencySpan = 7 * 24 * time.Hour
	minScore    = 1.0
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Observer receives entry counts and evictions.
type Observer interface {
	MemoryEntries(n int)
	MemoryEvicted(reason string, n int)
}

// Config tunes a Manager. Zero values select defaults.
type Config struct {
	MaxEntries int
	MaxAge     time.Duration
	// Debouncer coalesces access-count writes. Nil writes them immediately.
	Debouncer *debounce.Debouncer
	// Features guards persistence. Nil uses a private flag set.
	Features *resilience.Features
	Observer Observer
	Logger   *slog.Logger
}

// Manager keeps every memory in an in-process cache mirrored write-through
// to a KV store. When the store fails, the manager keeps working from the
// cache alone.
type Manager struct {
	kv       storage.KV
	clock    Clock
	cfg      Config
	features *resilience.Features
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewManager creates a Manager over kv.
func NewManager(kv storage.KV, cfg Config) *Manager {
	return NewManagerWithClock(kv, cfg, realClock{})
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(kv storage.KV, cfg Config, clock Clock) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	features := cfg.Features
	if features == nil {
		features = resilience.NewFeatures(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		kv:       kv,
		clock:    clock,
		cfg:      cfg,
		features: features,
		logger:   logger,
		entries:  make(map[string]*Entry),
	}
}

// Load fills the cache from storage. Malformed records are skipped. A
// storage failure leaves the manager in memory-only mode and is not
// returned.
func (m *Manager) Load(ctx context.Context) error {
	pairs, err := resilience.ExecuteFeature(ctx, m.features, FeaturePersistence,
		func(ctx context.Context) ([]storage.Pair, error) { return m.kv.Scan(ctx, keyPrefix) },
		func(context.Context) ([]storage.Pair, error) { return nil, nil },
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		var e Entry
		if err := json.Unmarshal(p.Value, &e); err != nil {
			m.logger.Warn("malformed memory record, skipping", "key", p.Key, "error", err)
			continue
		}
		if cur, ok := m.entries[e.ID]; ok && cur.AccessCount > e.AccessCount {
			continue
		}
		m.entries[e.ID] = &e
	}
	m.logger.Info("memories loaded", "count", len(m.entries), "persistent", m.Persistent())
	m.report()
	return nil
}

// Persistent reports whether writes still reach storage.
func (m *Manager) Persistent() bool {
	return m.features.Enabled(FeaturePersistence)
}

// StoreRequest describes a new memory.
type StoreRequest struct {
	Type       Type
	Importance Importance
	Content    string
	Metadata   Metadata
	// TTL sets ExpiresAt relative to now. Zero means no expiry.
	TTL time.Duration
}

// Store validates, caches and persists a new memory, then prunes.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (Entry, error) {
	now := m.clock.Now()
	e := Entry{
		ID:         storage.NewIDAt("mem", now),
		Type:       req.Type,
		Importance: req.Importance,
		Content:    strings.TrimSpace(req.Content),
		Metadata:   req.Metadata,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		e.ExpiresAt = &exp
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	m.entries[e.ID] = &e
	out := e.clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	if _, err := m.Prune(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// Get returns a memory by id without touching its access statistics.
func (m *Manager) Get(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, storage.ErrNotFound
	}
	return e.clone(), nil
}

// ListOptions filters List and Retrieve.
type ListOptions struct {
	Types         []Type
	MinImportance Importance
	Limit         int
}

func (o ListOptions) admits(e *Entry) bool {
	if !e.Importance.AtLeast(o.MinImportance) {
		return false
	}
	if len(o.Types) == 0 {
		return true
	}
	for _, t := range o.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// List returns memories newest first without touching access statistics.
func (m *Manager) List(opts ListOptions) []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if opts.admits(e) {
			out = append(out, e.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Len returns the number of cached memories.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Delete removes a memory from the cache and storage.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return storage.ErrNotFound
	}
	delete(m.entries, id)
	m.report()
	m.mu.Unlock()

	m.unpersist(ctx, id)
	return nil
}

// Scored is a retrieved memory with its relevance score.
type Scored struct {
	Entry
	Score float64
}

// Retrieve ranks memories against query. Each candidate scores +2 per
// query keyword of at least 3 characters found in its content, plus
// recency, frequency and tier weight. Candidates under 1 are dropped. The
// returned entries have their access time and count bumped.
func (m *Manager) Retrieve(ctx context.Context, query string, opts ListOptions) []Scored {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	keywords := queryKeywords(query)
	now := m.clock.Now()

	m.mu.Lock()
	var ranked []*Entry
	scores := make(map[string]float64)
	for _, e := range m.entries {
		if !opts.admits(e) || e.Expired(now) {
			continue
		}
		s := score(e, keywords, now)
		if s < minScore {
			continue
		}
		scores[e.ID] = s
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Scored, len(ranked))
	for i, e := range ranked {
		out[i] = Scored{Entry: e.clone(), Score: scores[e.ID]}
		e.AccessedAt = now
		e.AccessCount++
	}
	touched := make([]Entry, len(ranked))
	for i, e := range ranked {
		touched[i] = e.clone()
	}
	m.mu.Unlock()

	for _, e := range touched {
		m.persistAccess(ctx, e)
	}
	return out
}

func score(e *Entry, keywords []string, now time.Time) float64 {
	content := strings.ToLower(e.Content)
	var s float64
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			s += 2
		}
	}
	age := now.Sub(e.CreatedAt)
	if recency := 1 - float64(age)/float64(recencySpan); recency > 0 {
		s += recency
	}
	s += min(float64(e.AccessCount)*0.1, 1)
	s += float64(e.Importance.Weight())
	return s
}

func queryKeywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range retrieval.Tokenize(query) {
		if len([]rune(tok)) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Prune removes expired and aged-out memories, then evicts the lowest tier
// with the oldest access time until at most MaxEntries remain. It returns
// how many entries were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	now := m.clock.Now()

	m.mu.Lock()
	var removed []string
	aged := 0
	for id, e := range m.entries {
		if e.Expired(now) || now.Sub(e.CreatedAt) > m.cfg.MaxAge {
			delete(m.entries, id)
			removed = append(removed, id)
			aged++
		}
	}

	evicted := 0
	if excess := len(m.entries) - m.cfg.MaxEntries; excess > 0 {
		victims := make([]*Entry, 0, len(m.entries))
		for _, e := range m.entries {
			victims = append(victims, e)
		}
		sort.Slice(victims, func(i, j int) bool {
			wi, wj := victims[i].Importance.Weight(), victims[j].Importance.Weight()
			if wi != wj {
				return wi < wj
			}
			if !victims[i].AccessedAt.Equal(victims[j].AccessedAt) {
				return victims[i].AccessedAt.Before(victims[j].AccessedAt)
			}
			return victims[i].ID < victims[j].ID
		})
		for _, e := range victims[:excess] {
			delete(m.entries, e.ID)
			removed = append(removed, e.ID)
		}
		evicted = excess
	}
	m.report()
	m.mu.Unlock()

	if m.cfg.Observer != nil {
		if aged > 0 {
			m.cfg.Observer.MemoryEvicted("expired", aged)
		}
		if evicted > 0 {
			m.cfg.Observer.MemoryEvicted("capacity", evicted)
		}
	}
	for _, id := range removed {
		m.unpersist(ctx, id)
	}
	if len(removed) > 0 {
		m.logger.Debug("pruned memories", "expired", aged, "evicted", evicted)
	}
	return len(removed), nil
}

// Flush writes all pending access updates now.
func (m *Manager) Flush() int {
	if m.cfg.Debouncer == nil {
		return 0
	}
	return m.cfg.Debouncer.Flush()
}

// Reset drops the cache and any pending writes. Storage is left untouched.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Debouncer != nil {
		for id := range m.entries {
			m.cfg.Debouncer.Cancel(keyPrefix + id)
		}
	}
	m.entries = make(map[string]*Entry)
	m.report()
}

// report must be called with m.mu held.
func (m *Manager) report() {
	if m.cfg.Observer != nil {
		m.cfg.Observer.MemoryEntries(len(m.entries))
	}
}

func (m *Manager) persistAccess(ctx context.Context, e Entry) {
	if m.cfg.Debouncer == nil {
		m.persist(ctx, e)
		return
	}
	// Persist the latest cached state when the timer fires.
	m.cfg.Debouncer.Schedule(keyPrefix+e.ID, func() error {
		latest, err := m.Get(e.ID)
		if err != nil {
			return nil
		}
		m.persist(context.Background(), latest)
		return nil
	})
}

func (m *Manager) persist(ctx context.Context, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("encoding memory", "id", e.ID, "error", err)
		return
	}
	m.write(ctx, func(ctx context.Context) error {
		if err := m.kv.Put(ctx, keyPrefix+e.ID, data); err != nil {
			return resilience.StorageUnavailable(fmt.Errorf("writing memory %s: %w", e.ID, err))
		}
		return nil
	})
}

func (m *Manager) unpersist(ctx context.Context, id string) {
	m.write(ctx, func(ctx context.Context) error {
		if err := m.kv.Delete(ctx, keyPrefix+id); err != nil {
			return resilience.StorageUnavailable(fmt.Errorf("deleting memory %s: %w", id, err))
		}
		return nil
	})
}

// write runs fn against storage. The cache is already updated, so the write
// outlives the caller's cancellation.
func (m *Manager) write(ctx context.Context, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	resilience.ExecuteFeature(ctx, m.features, FeaturePersistence,
		func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) },
		func(context.Context) (struct{}, error) { return struct{}{}, nil },
	)
}
