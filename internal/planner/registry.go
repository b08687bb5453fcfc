package planner

import (
	"sort"
	"sync"
)

// DefaultMaxPlans bounds the in-process plan registry.
const DefaultMaxPlans = 100

// Plans keeps the latest state of live plans in memory. When full, the
// oldest finished plan is evicted.
type Plans struct {
	mu    sync.RWMutex
	plans map[string]Plan
	max   int
}

func NewPlans(max int) *Plans {
	if max <= 0 {
		max = DefaultMaxPlans
	}
	return &Plans{plans: make(map[string]Plan), max: max}
}

func (r *Plans) Put(p Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.ID] = p
	if len(r.plans) > r.max {
		r.evictLocked()
	}
}

func (r *Plans) evictLocked() {
	var victim string
	for id, p := range r.plans {
		if p.Status != StatusComplete && p.Status != StatusFailed {
			continue
		}
		if victim == "" || p.CreatedAt.Before(r.plans[victim].CreatedAt) {
			victim = id
		}
	}
	if victim != "" {
		delete(r.plans, victim)
	}
}

func (r *Plans) Get(id string) (Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	return p, ok
}

// List returns all plans, newest first.
func (r *Plans) List() []Plan {
	r.mu.RLock()
	out := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *Plans) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.plans[id]
	delete(r.plans, id)
	return ok
}

func (r *Plans) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans)
}

func (r *Plans) Reset() {
	r.mu.Lock()
	r.plans = make(map[string]Plan)
	r.mu.Unlock()
}
