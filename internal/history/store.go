// Package history records conversations and their messages over a KV store.
package history

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
	"github.com/kalambet/taskmind/internal/storage"
)

// FeaturePersistence is the degradation flag guarding KV writes.
const FeaturePersistence = "history.persistence"

const (
	convPrefix = "conv:"
	msgPrefix  = "msg:"
)

// Conversation is the header record of one chat.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Config tunes a Store.
type Config struct {
	// Debouncer coalesces conversation header writes. Nil creates one with
	// the default quiet period.
	Debouncer *debounce.Debouncer
	Features  *resilience.Features
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store mirrors conversations in memory and writes them through to kv.
// Header updates are debounced; messages are written immediately.
type Store struct {
	kv       storage.KV
	deb      *debounce.Debouncer
	features *resilience.Features
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	convs    map[string]*Conversation
	messages map[string][]Message
}

func NewStore(kv storage.KV, cfg Config) *Store {
	s := &Store{
		kv:       kv,
		deb:      cfg.Debouncer,
		features: cfg.Features,
		logger:   cfg.Logger,
		now:      cfg.Now,
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]Message),
	}
	if s.deb == nil {
		s.deb = debounce.New(debounce.DefaultDelay)
	}
	if s.features == nil {
		s.features = resilience.NewFeatures(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Load fills the cache from storage. A storage failure leaves the store in
// memory-only mode.
func (s *Store) Load(ctx context.Context) error {
	convs, err := s.scan(ctx, convPrefix)
	if err != nil {
		return err
	}
	msgs, err := s.scan(ctx, msgPrefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range convs {
		var c Conversation
		if err := json.Unmarshal(p.Value, &c); err != nil {
			s.logger.Warn("malformed conversation record, skipping", "key", p.Key, "error", err)
			continue
		}
		s.convs[c.ID] = &c
	}
	for _, p := range msgs {
		var m Message
		if err := json.Unmarshal(p.Value, &m); err != nil {
			s.logger.Warn("malformed message record, skipping", "key", p.Key, "error", err)
			continue
		}
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	}
	for id := range s.messages {
		sortMessages(s.messages[id])
	}
	return nil
}

func (s *Store) scan(ctx context.Context, prefix string) ([]storage.Pair, error) {
	return resilience.ExecuteFeature(ctx, s.features, FeaturePersistence,
		func(ctx context.Context) ([]storage.Pair, error) { return s.kv.Scan(ctx, prefix) },
		func(context.Context) ([]storage.Pair, error) { return nil, nil },
	)
}

// CreateConversation starts a conversation and persists it immediately.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	now := s.now()
	c := Conversation{
		ID:        storage.NewIDAt("conv", now),
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveConversation(ctx, c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// SaveConversation replaces the cached header and writes it now, dropping
// any pending debounced write for it.
func (s *Store) SaveConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	cp := c
	s.convs[c.ID] = &cp
	s.mu.Unlock()

	s.deb.Cancel(convPrefix + c.ID)
	s.writeConversation(ctx, c)
	return nil
}

// SaveConversationDebounced replaces the cached header and schedules a
// write. Repeated calls within the quiet period produce one write of the
// latest state.
func (s *Store) SaveConversationDebounced(c Conversation) {
	s.mu.Lock()
	cp := c
	s.convs[c.ID] = &cp
	s.mu.Unlock()

	s.deb.Schedule(convPrefix+c.ID, func() error {
		latest, err := s.Get(c.ID)
		if err != nil {
			// Deleted in the meantime.
			return nil
		}
		s.writeConversation(context.Background(), latest)
		return nil
	})
}

// AppendMessage stores a message and bumps the conversation header.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (Message, error) {
	now := s.now()

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, storage.ErrNotFound
	}
	m := Message{
		ID:             storage.NewIDAt("msg", now),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.MessageCount++
	c.UpdatedAt = now
	if c.Title == "" && role == "user" {
		c.Title = titleFrom(content)
	}
	header := *c
	s.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("encoding message: %w", err)
	}
	s.write(ctx, func(ctx context.Context) error {
		return s.kv.Put(ctx, messageKey(m), data)
	})
	s.SaveConversationDebounced(header)
	return m, nil
}

func (s *Store) Get(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, storage.ErrNotFound
	}
	return *c, nil
}

// List returns conversations most recently updated first.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Messages returns a conversation's messages oldest first.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, storage.ErrNotFound
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.convs[id]; !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	msgs := s.messages[id]
	delete(s.convs, id)
	delete(s.messages, id)
	s.mu.Unlock()

	s.deb.Cancel(convPrefix + id)
	s.write(ctx, func(ctx context.Context) error {
		for _, m := range msgs {
			if err := s.kv.Delete(ctx, messageKey(m)); err != nil {
				return err
			}
		}
		return s.kv.Delete(ctx, convPrefix+id)
	})
	return nil
}

// Flush performs every pending debounced write now and returns how many
// ran. It is safe to call repeatedly.
func (s *Store) Flush() int {
	return s.deb.Flush()
}

// Reset drops the cache and pending writes without touching storage.
func (s *Store) Reset() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.convs = make(map[string]*Conversation)
	s.messages = make(map[string][]Message)
	s.mu.Unlock()
	for _, id := range ids {
		s.deb.Cancel(convPrefix + id)
	}
}

func (s *Store) writeConversation(ctx context.Context, c Conversation) {
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("encoding conversation", "id", c.ID, "error", err)
		return
	}
	s.write(ctx, func(ctx context.Context) error {
		return s.kv.Put(ctx, convPrefix+c.ID, data)
	})
}

func (s *Store) write(ctx context.Context, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	resilience.ExecuteFeature(ctx, s.features, FeaturePersistence,
		func(ctx context.Context) (struct{}, error) {
			if err := fn(ctx); err != nil {
				return struct{}{}, resilience.StorageUnavailable(err)
			}
			return struct{}{}, nil
		},
		func(context.Context) (struct{}, error) { return struct{}{}, nil },
	)
}

func messageKey(m Message) string {
	return msgPrefix + m.ConversationID + ":" + m.ID
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

const maxTitleRunes = 60

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
	}
	return title
}
