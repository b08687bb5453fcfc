package resilience

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Strategy pairs a predicate with a corrective action.
type Strategy struct {
	Name   string
	Match  func(error) bool
	Action func(ctx context.Context, ec ErrorContext) error
}

// Registry holds recovery strategies in registration order.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRegistry creates a Registry pre-loaded with strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register appends s. Strategies registered earlier take precedence.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
}

// Find returns the first strategy matching err.
func (r *Registry) Find(err error) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.strategies {
		if s.Match != nil && s.Match(err) {
			return s, true
		}
	}
	return Strategy{}, false
}

// Recover runs the first matching strategy. It reports whether a strategy
// matched; the caller still decides whether to retry.
func (r *Registry) Recover(ctx context.Context, ec ErrorContext) (bool, error) {
	s, ok := r.Find(ec.Err)
	if !ok {
		return false, nil
	}
	slog.Debug("running recovery strategy", "strategy", s.Name, "operation", ec.Operation, "attempt", ec.Attempt)
	if s.Action == nil {
		return true, nil
	}
	return true, s.Action(ctx, ec)
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}

// TimeoutBudget is a per-call timeout that recovery may enlarge.
type TimeoutBudget struct {
	mu      sync.Mutex
	current time.Duration
	max     time.Duration
}

func NewTimeoutBudget(initial, max time.Duration) *TimeoutBudget {
	return &TimeoutBudget{current: initial, max: max}
}

// Current returns the timeout for the next attempt.
func (b *TimeoutBudget) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Grow doubles the timeout, capped at max, and returns the new value.
func (b *TimeoutBudget) Grow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current *= 2
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return b.current
}

// DefaultStrategies returns the stock strategies: enlarge the timeout after
// a deadline, reclaim memory after resource exhaustion, and wait out a
// network outage.
func DefaultStrategies(sleep Sleeper, networkWait time.Duration, budget *TimeoutBudget) []Strategy {
	if sleep == nil {
		sleep = sleepCtx
	}
	return []Strategy{
		{
			Name: "extend_timeout",
			Match: func(err error) bool {
				return budget != nil && errors.Is(err, context.DeadlineExceeded)
			},
			Action: func(_ context.Context, ec ErrorContext) error {
				d := budget.Grow()
				slog.Info("timeout extended", "operation", ec.Operation, "timeout", d.String())
				return nil
			},
		},
		{
			Name:  "reclaim_memory",
			Match: func(err error) bool { return Classify(err) == KindResource },
			Action: func(_ context.Context, ec ErrorContext) error {
				runtime.GC()
				debug.FreeOSMemory()
				slog.Info("memory reclaimed", "operation", ec.Operation)
				return nil
			},
		},
		{
			Name:  "wait_for_network",
			Match: IsNetworkError,
			Action: func(ctx context.Context, _ ErrorContext) error {
				return sleep(ctx, networkWait)
			},
		},
	}
}
