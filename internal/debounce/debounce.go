// Package debounce coalesces bursts of writes per key into one delayed write.
package debounce

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultDelay is the quiet period before a pending write runs.
const DefaultDelay = 2 * time.Second

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts time.AfterFunc for testability.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type pending struct {
	gen   uint64
	timer Timer
	fn    func() error
}

// Debouncer holds at most one pending write per key.
type Debouncer struct {
	delay  time.Duration
	sched  Scheduler
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pending
}

// New creates a Debouncer with the given quiet period. A non-positive delay
// uses DefaultDelay.
func New(delay time.Duration) *Debouncer {
	return NewWithScheduler(delay, realScheduler{})
}

// NewWithScheduler creates a Debouncer driven by sched (for testing).
func NewWithScheduler(delay time.Duration, sched Scheduler) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{
		delay:   delay,
		sched:   sched,
		logger:  slog.Default(),
		pending: make(map[string]*pending),
	}
}

// Schedule replaces any pending write for key with fn and restarts the
// quiet period.
func (d *Debouncer) Schedule(key string, fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	p := &pending{gen: gen, fn: fn}
	p.timer = d.sched.AfterFunc(d.delay, func() { d.fire(key, gen) })
	d.pending[key] = p
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.run(key, p.fn)
}

func (d *Debouncer) run(key string, fn func() error) {
	if err := fn(); err != nil {
		d.logger.Warn("debounced write failed", "key", key, "error", err)
	}
}

// Cancel drops the pending write for key without running it.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Flush stops every timer and runs all pending writes now, in key order.
// It returns the number of writes run. Calling it with nothing pending runs
// nothing.
func (d *Debouncer) Flush() int {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k, p := range d.pending {
		p.timer.Stop()
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fns := make([]func() error, len(keys))
	for i, k := range keys {
		fns[i] = d.pending[k].fn
	}
	d.pending = make(map[string]*pending)
	d.mu.Unlock()

	for i, fn := range fns {
		d.run(keys[i], fn)
	}
	return len(fns)
}

// Pending returns the number of queued writes.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
