// Package eventbus is the in-process publish/subscribe channel for plan and
// status lifecycle events.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(planID string, t Type, payload any)
}

// Handler receives events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Bus delivers events to subscribers in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	seq    int64
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[int]Handler),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish stamps and delivers an event to every current subscriber.
func (b *Bus) Publish(planID string, t Type, payload any) {
	b.mu.Lock()
	b.seq++
	ev := Event{
		ID:        uuid.New().String(),
		PlanID:    planID,
		Seq:       b.seq,
		Type:      t,
		Timestamp: b.now().UTC(),
		Payload:   payload,
	}
	handlers := make([]Handler, 0, len(b.subs))
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "type", ev.Type, "plan_id", ev.PlanID, "panic", r)
		}
	}()
	h(ev)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Reset drops all subscribers and restarts the sequence counter.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]Handler)
	b.nextID = 0
	b.seq = 0
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, Type, any) {}

// Recorder is a Publisher that keeps every event in memory. Useful for
// callers that need to inspect what a pure operation emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(planID string, t Type, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{PlanID: planID, Seq: int64(len(r.events) + 1), Type: t, Payload: payload})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Reset clears the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
