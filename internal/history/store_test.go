package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/taskmind/internal/debounce"
	"github.com/kalambet/taskmind/internal/storage"
)

type countingKV struct {
	*storage.MemKV
	mu   sync.Mutex
	puts map[string]int
	fail bool
}

func newCountingKV() *countingKV {
	return &countingKV{MemKV: storage.NewMemKV(), puts: make(map[string]int)}
}

func (c *countingKV) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.puts[key]++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemKV.Put(ctx, key, value)
}

func (c *countingKV) putsFor(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[key]
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

type manualScheduler struct{}

func (manualScheduler) AfterFunc(time.Duration, func()) debounce.Timer { return manualTimer{} }

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(kv storage.KV) *Store {
	clock := &tickingClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(kv, Config{
		Debouncer: debounce.NewWithScheduler(time.Second, manualScheduler{}),
		Now:       clock.Now,
	})
}

func TestSaveConversationDebounced_CoalescesWrites(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	s := newTestStore(kv)

	c, err := s.CreateConversation(ctx, "planning")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	key := convPrefix + c.ID
	if got := kv.putsFor(key); got != 1 {
		t.Fatalf("puts after create = %d, want 1", got)
	}

	for i := 0; i < 3; i++ {
		c.Title = strings.Repeat("x", i+1)
		s.SaveConversationDebounced(c)
	}
	if got := kv.putsFor(key); got != 1 {
		t.Fatalf("puts before flush = %d, want 1", got)
	}

	if n := s.Flush(); n != 1 {
		t.Errorf("first Flush ran %d writes, want 1", n)
	}
	if got := kv.putsFor(key); got != 2 {
		t.Errorf("puts after flush = %d, want 2", got)
	}
	if n := s.Flush(); n != 0 {
		t.Errorf("second Flush ran %d writes, want 0", n)
	}

	raw, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(raw), `"title":"xxx"`) {
		t.Errorf("persisted header %s should carry the latest title", raw)
	}
}

func TestAppendMessage_OrderAndHeader(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	s := newTestStore(kv)

	c, err := s.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, "user", "How do I   rotate the logs?"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, "assistant", "Use logrotate."); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.Messages(c.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}

	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
	if got.Title != "How do I rotate the logs?" {
		t.Errorf("Title = %q", got.Title)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("UpdatedAt should advance on append")
	}

	if _, err := s.AppendMessage(ctx, "conv_missing", "user", "hi"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("append to unknown conversation: err = %v, want ErrNotFound", err)
	}
}

func TestLoad_RestoresFromStorage(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	s := newTestStore(kv)

	c, _ := s.CreateConversation(ctx, "restore me")
	s.AppendMessage(ctx, c.ID, "user", "first")
	s.AppendMessage(ctx, c.ID, "assistant", "second")
	s.Flush()

	fresh := newTestStore(kv)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := fresh.Get(c.ID)
	if err != nil {
		t.Fatalf("Get after load: %v", err)
	}
	if got.MessageCount != 2 || got.Title != "restore me" {
		t.Errorf("restored header = %+v", got)
	}
	msgs, _ := fresh.Messages(c.ID)
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("restored messages = %+v", msgs)
	}
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newCountingKV())

	a, _ := s.CreateConversation(ctx, "a")
	b, _ := s.CreateConversation(ctx, "b")
	s.AppendMessage(ctx, a.ID, "user", "bump")

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, a.ID, b.ID)
	}
}

func TestDelete_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	s := newTestStore(kv)

	c, _ := s.CreateConversation(ctx, "gone")
	s.AppendMessage(ctx, c.ID, "user", "bye")

	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := s.Flush(); n != 0 {
		t.Errorf("Flush after delete ran %d writes, want 0", n)
	}
	if _, err := s.Get(c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
	pairs, _ := kv.Scan(ctx, "")
	if len(pairs) != 0 {
		t.Errorf("storage still holds %d records", len(pairs))
	}
	if err := s.Delete(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}

func TestStorageFailure_DegradesToMemory(t *testing.T) {
	ctx := context.Background()
	kv := newCountingKV()
	kv.fail = true
	s := newTestStore(kv)

	c, err := s.CreateConversation(ctx, "offline")
	if err != nil {
		t.Fatalf("CreateConversation should not fail on storage errors: %v", err)
	}
	if _, err := s.AppendMessage(ctx, c.ID, "user", "still works"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, _ := s.Messages(c.ID)
	if len(msgs) != 1 {
		t.Errorf("in-memory messages = %d, want 1", len(msgs))
	}
	if kv.putsFor(convPrefix+c.ID) != 1 {
		t.Errorf("only the first failing write should reach storage")
	}
}

func TestAppendMessage_CancelledContextStillPersists(t *testing.T) {
	kv := newCountingKV()
	s := newTestStore(kv)
	c, err := s.CreateConversation(context.Background(), "disconnect")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := s.AppendMessage(ctx, c.ID, "assistant", "answer written after the client left")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := kv.Get(context.Background(), messageKey(m)); err != nil {
		t.Errorf("message not persisted: %v", err)
	}

	later, err := s.AppendMessage(context.Background(), c.ID, "user", "next turn")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := kv.Get(context.Background(), messageKey(later)); err != nil {
		t.Errorf("persistence switched off by a cancelled request: %v", err)
	}
}
