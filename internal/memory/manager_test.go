package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskmind/internal/debounce"
	"github.com/kalambet/taskmind/internal/storage"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Counting / failing KV ---

type countingKV struct {
	*storage.MemKV
	mu      sync.Mutex
	puts    int
	deletes int
	fail    bool
}

func newCountingKV() *countingKV {
	return &countingKV{MemKV: storage.NewMemKV()}
}

func (c *countingKV) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	fail := c.fail
	c.puts++
	c.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return c.MemKV.Put(ctx, key, value)
}

func (c *countingKV) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.MemKV.Delete(ctx, key)
}

func (c *countingKV) Scan(ctx context.Context, prefix string) ([]storage.Pair, error) {
	if c.fail {
		return nil, errors.New("database is closed")
	}
	return c.MemKV.Scan(ctx, prefix)
}

func (c *countingKV) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

// --- Manual scheduler ---

type manualTimer struct{ stopped bool }

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualScheduler struct{}

func (manualScheduler) AfterFunc(time.Duration, func()) debounce.Timer { return &manualTimer{} }

func newTestManager(t *testing.T, kv storage.KV, clock Clock, cfg Config) *Manager {
	t.Helper()
	return NewManagerWithClock(kv, cfg, clock)
}

func mustStore(t *testing.T, m *Manager, req StoreRequest) Entry {
	t.Helper()
	e, err := m.Store(context.Background(), req)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return e
}

// --- Tests ---

func TestStore_PersistsAndCaches(t *testing.T) {
	kv := newCountingKV()
	m := newTestManager(t, kv, newMockClock(), Config{})

	e := mustStore(t, m, StoreRequest{
		Type:       UserPreference,
		Importance: Useful,
		Content:    "  Answers in German  ",
		Metadata:   UserPreferenceMeta{Key: "language", Value: "de"},
	})
	if !strings.HasPrefix(e.ID, "mem_") {
		t.Errorf("id %q should start with mem_", e.ID)
	}
	if e.Content != "Answers in German" {
		t.Errorf("content = %q, want trimmed", e.Content)
	}

	raw, err := kv.Get(context.Background(), "mem:"+e.ID)
	if err != nil {
		t.Fatalf("entry not persisted: %v", err)
	}
	if !strings.Contains(string(raw), `"language"`) {
		t.Errorf("persisted record missing metadata: %s", raw)
	}

	got, err := m.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta, ok := got.Metadata.(UserPreferenceMeta); !ok || meta.Value != "de" {
		t.Errorf("metadata = %#v", got.Metadata)
	}
}

func TestStore_Validation(t *testing.T) {
	m := newTestManager(t, storage.NewMemKV(), newMockClock(), Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  StoreRequest
		want error
	}{
		{"bad type", StoreRequest{Type: "gossip", Importance: Useful, Content: "x"}, ErrInvalidType},
		{"bad importance", StoreRequest{Type: LearnedFact, Importance: "huge", Content: "x"}, ErrInvalidImportance},
		{"empty", StoreRequest{Type: LearnedFact, Importance: Useful, Content: "   "}, ErrEmptyContent},
		{"mismatch", StoreRequest{Type: LearnedFact, Importance: Useful, Content: "x", Metadata: ToolCacheMeta{}}, ErrMetadataMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Store(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Store error = %v, want %v", err, tt.want)
			}
		})
	}
	if m.Len() != 0 {
		t.Errorf("invalid requests should not be cached, have %d", m.Len())
	}
}

func TestLoad_RestoresFromStorage(t *testing.T) {
	kv := storage.NewMemKV()
	clock := newMockClock()
	m1 := newTestManager(t, kv, clock, Config{})
	e := mustStore(t, m1, StoreRequest{Type: LearnedFact, Importance: Critical, Content: "Go 1.22 fixed loop vars",
		Metadata: LearnedFactMeta{Source: "chat", Confidence: 0.9}})
	kv.Put(context.Background(), "mem:broken", []byte("{not json"))

	m2 := newTestManager(t, kv, clock, Config{})
	if err := m2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m2.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (malformed record skipped)", m2.Len())
	}
	got, err := m2.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta, ok := got.Metadata.(LearnedFactMeta); !ok || meta.Confidence != 0.9 {
		t.Errorf("metadata = %#v", got.Metadata)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestStorageFailureDegradesToMemory(t *testing.T) {
	kv := newCountingKV()
	kv.fail = true
	m := newTestManager(t, kv, newMockClock(), Config{})

	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load should not fail on storage errors: %v", err)
	}
	if m.Persistent() {
		t.Error("manager should report memory-only mode")
	}

	e, err := m.Store(context.Background(), StoreRequest{Type: LearnedFact, Importance: Useful, Content: "kept in memory"})
	if err != nil {
		t.Fatalf("Store should succeed while degraded: %v", err)
	}
	if _, err := m.Get(e.ID); err != nil {
		t.Errorf("entry should be cached: %v", err)
	}
	if kv.putCount() != 0 {
		t.Errorf("degraded manager attempted %d writes", kv.putCount())
	}
}

func TestStore_CancelledContextStillPersists(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	m := newTestManager(t, store, newMockClock(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first, err := m.Store(ctx, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "plan aborted by the client"})
	if err != nil {
		t.Fatalf("Store with cancelled context: %v", err)
	}
	if !m.Persistent() {
		t.Fatal("cancelled request disabled persistence")
	}
	second := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "stored afterwards"})

	for _, e := range []Entry{first, second} {
		if _, err := store.Get(context.Background(), "mem:"+e.ID); err != nil {
			t.Errorf("%s not persisted: %v", e.ID, err)
		}
	}
}

func TestDelete(t *testing.T) {
	kv := newCountingKV()
	m := newTestManager(t, kv, newMockClock(), Config{})
	e := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "x"})

	if err := m.Delete(context.Background(), e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(context.Background(), "mem:"+e.ID); err != storage.ErrNotFound {
		t.Errorf("record still persisted: %v", err)
	}
	if err := m.Delete(context.Background(), e.ID); err != storage.ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestRetrieve_ScoringAndOrder(t *testing.T) {
	clock := newMockClock()
	m := newTestManager(t, storage.NewMemKV(), clock, Config{})

	old := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Ambient, Content: "The deploy script lives in ops/deploy.sh"})
	clock.Advance(8 * 24 * time.Hour)
	crit := mustStore(t, m, StoreRequest{Type: UserPreference, Importance: Critical, Content: "Never deploy on Fridays"})
	unrelated := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "Coffee machine is on floor 3"})

	got := m.Retrieve(context.Background(), "deploy script steps", ListOptions{})
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}

	// old: 2 keywords (deploy, script) + 0 recency + 0 freq + 1 tier = 5
	// crit: 1 keyword + 1 recency + 0 + 3 = 6
	// unrelated: 0 + 1 + 0 + 2 = 3
	want := []struct {
		id    string
		score float64
	}{{crit.ID, 6}, {old.ID, 5}, {unrelated.ID, 3}}
	for i, w := range want {
		if got[i].ID != w.id {
			t.Errorf("rank %d = %s, want %s", i, got[i].ID, w.id)
		}
		if diff := got[i].Score - w.score; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("rank %d score = %f, want %f", i, got[i].Score, w.score)
		}
	}
}

func TestRetrieve_UpdatesAccessWriteThrough(t *testing.T) {
	kv := newCountingKV()
	clock := newMockClock()
	m := newTestManager(t, kv, clock, Config{})
	e := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "postgres runs on port 5433"})
	writes := kv.putCount()

	clock.Advance(time.Hour)
	m.Retrieve(context.Background(), "postgres port", ListOptions{})
	m.Retrieve(context.Background(), "postgres port", ListOptions{})

	got, _ := m.Get(e.ID)
	if got.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", got.AccessCount)
	}
	if !got.AccessedAt.Equal(clock.Now()) {
		t.Errorf("AccessedAt = %v, want %v", got.AccessedAt, clock.Now())
	}
	if kv.putCount() != writes+2 {
		t.Errorf("writes = %d, want %d (one per retrieval)", kv.putCount(), writes+2)
	}
}

func TestRetrieve_DebouncedAccessUpdates(t *testing.T) {
	kv := newCountingKV()
	deb := debounce.NewWithScheduler(time.Second, manualScheduler{})
	m := newTestManager(t, kv, newMockClock(), Config{Debouncer: deb})
	e := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "redis cache warmup"})
	writes := kv.putCount()

	for i := 0; i < 3; i++ {
		m.Retrieve(context.Background(), "redis", ListOptions{})
	}
	if kv.putCount() != writes {
		t.Fatalf("access updates should wait for flush, got %d extra writes", kv.putCount()-writes)
	}

	if n := m.Flush(); n != 1 {
		t.Errorf("Flush ran %d writes, want 1", n)
	}
	if n := m.Flush(); n != 0 {
		t.Errorf("second Flush ran %d writes, want 0", n)
	}

	m2 := newTestManager(t, kv, newMockClock(), Config{})
	m2.Load(context.Background())
	got, _ := m2.Get(e.ID)
	if got.AccessCount != 3 {
		t.Errorf("persisted AccessCount = %d, want 3", got.AccessCount)
	}
}

func TestRetrieve_FiltersAndLimit(t *testing.T) {
	m := newTestManager(t, storage.NewMemKV(), newMockClock(), Config{})
	for i := 0; i < 4; i++ {
		mustStore(t, m, StoreRequest{Type: ToolCache, Importance: Ambient, Content: fmt.Sprintf("cache %d", i)})
	}
	mustStore(t, m, StoreRequest{Type: TaskSummary, Importance: Useful, Content: "summary"})

	got := m.Retrieve(context.Background(), "", ListOptions{Types: []Type{TaskSummary}})
	if len(got) != 1 || got[0].Type != TaskSummary {
		t.Errorf("type filter returned %+v", got)
	}
	got = m.Retrieve(context.Background(), "", ListOptions{MinImportance: Useful})
	if len(got) != 1 {
		t.Errorf("importance filter returned %d, want 1", len(got))
	}
	got = m.Retrieve(context.Background(), "", ListOptions{Limit: 2})
	if len(got) != 2 {
		t.Errorf("limit returned %d, want 2", len(got))
	}
}

func TestRetrieve_SkipsExpired(t *testing.T) {
	clock := newMockClock()
	m := newTestManager(t, storage.NewMemKV(), clock, Config{})
	mustStore(t, m, StoreRequest{Type: ToolCache, Importance: Useful, Content: "weather sunny", TTL: time.Minute})

	clock.Advance(2 * time.Minute)
	if got := m.Retrieve(context.Background(), "weather", ListOptions{}); len(got) != 0 {
		t.Errorf("expired entry returned: %+v", got)
	}
}

func TestPrune_ExpiredAndAged(t *testing.T) {
	kv := newCountingKV()
	clock := newMockClock()
	m := newTestManager(t, kv, clock, Config{})

	aged := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Critical, Content: "old fact"})
	clock.Advance(29 * 24 * time.Hour)
	expiring := mustStore(t, m, StoreRequest{Type: ToolCache, Importance: Useful, Content: "cached", TTL: time.Hour})
	keep := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Ambient, Content: "fresh"})

	clock.Advance(2 * 24 * time.Hour)
	n, err := m.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	for _, id := range []string{aged.ID, expiring.ID} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("%s should have been pruned", id)
		}
		if _, err := kv.Get(context.Background(), "mem:"+id); err != storage.ErrNotFound {
			t.Errorf("%s still persisted", id)
		}
	}
	if _, err := m.Get(keep.ID); err != nil {
		t.Errorf("fresh entry pruned: %v", err)
	}
}

func TestPrune_CapEvictsLowestTierOldestFirst(t *testing.T) {
	clock := newMockClock()
	m := newTestManager(t, storage.NewMemKV(), clock, Config{})

	var critical, useful []string
	for i := 0; i < 200; i++ {
		clock.Advance(time.Second)
		critical = append(critical, mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Critical, Content: "c"}).ID)
	}
	for i := 0; i < 250; i++ {
		clock.Advance(time.Second)
		useful = append(useful, mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "u"}).ID)
	}
	for i := 0; i < 150; i++ {
		clock.Advance(time.Second)
		mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Ambient, Content: "a"})
	}

	if m.Len() != DefaultMaxEntries {
		t.Fatalf("Len = %d, want %d", m.Len(), DefaultMaxEntries)
	}
	for _, id := range critical {
		if _, err := m.Get(id); err != nil {
			t.Fatalf("critical entry %s evicted while lower tiers remained", id)
		}
	}
	for _, id := range useful {
		if _, err := m.Get(id); err != nil {
			t.Fatalf("useful entry %s evicted while ambient entries remained", id)
		}
	}
	ambient := m.List(ListOptions{Types: []Type{LearnedFact}})
	count := 0
	for _, e := range ambient {
		if e.Importance == Ambient {
			count++
		}
	}
	if count != 50 {
		t.Errorf("ambient remaining = %d, want 50 (newest kept)", count)
	}

	// Overfilling with critical entries eventually evicts the oldest ones.
	for i := 0; i < 400; i++ {
		clock.Advance(time.Second)
		mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Critical, Content: "c2"})
	}
	if m.Len() > DefaultMaxEntries {
		t.Errorf("Len = %d exceeds cap", m.Len())
	}
	if _, err := m.Get(critical[0]); err == nil {
		t.Error("oldest critical entry should be evicted once only critical entries remain")
	}
}

func TestList_NewestFirst(t *testing.T) {
	clock := newMockClock()
	m := newTestManager(t, storage.NewMemKV(), clock, Config{})
	a := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "a"})
	clock.Advance(time.Minute)
	b := mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "b"})

	got := m.List(ListOptions{})
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("List order wrong: %+v", got)
	}
	if m.List(ListOptions{Limit: 1})[0].ID != b.ID {
		t.Error("List limit should keep newest")
	}
}

func TestReset(t *testing.T) {
	kv := storage.NewMemKV()
	m := newTestManager(t, kv, newMockClock(), Config{})
	mustStore(t, m, StoreRequest{Type: LearnedFact, Importance: Useful, Content: "x"})

	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Len after Reset = %d", m.Len())
	}
	if kv.Len() != 1 {
		t.Errorf("Reset should leave storage alone, kv has %d", kv.Len())
	}
}
