package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Features is a set of named boolean flags. Unknown flags are enabled.
// A flag disabled by ExecuteFeature stays disabled until Enable or Reset.
type Features struct {
	mu       sync.RWMutex
	flags    map[string]bool
	reasons  map[string]string
	observer Observer
}

// NewFeatures creates a flag set. obs may be nil.
func NewFeatures(obs Observer) *Features {
	return &Features{
		flags:    make(map[string]bool),
		reasons:  make(map[string]string),
		observer: obs,
	}
}

// Enabled reports whether name is enabled.
func (f *Features) Enabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.flags[name]
	return !ok || v
}

// Disable turns name off, recording why.
func (f *Features) Disable(name, reason string) {
	f.mu.Lock()
	f.flags[name] = false
	f.reasons[name] = reason
	f.mu.Unlock()
	if f.observer != nil {
		f.observer.FeatureDisabled(name)
	}
}

// Enable turns name back on.
func (f *Features) Enable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[name] = true
	delete(f.reasons, name)
}

// Reason returns why name was disabled, or "".
func (f *Features) Reason(name string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reasons[name]
}

// Snapshot returns every flag that has been touched, sorted by name.
func (f *Features) Snapshot() []FeatureState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FeatureState, 0, len(f.flags))
	for name, on := range f.flags {
		out = append(out, FeatureState{Name: name, Enabled: on, Reason: f.reasons[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FeatureState is one entry of Features.Snapshot.
type FeatureState struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// Reset re-enables everything.
func (f *Features) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = make(map[string]bool)
	f.reasons = make(map[string]string)
}

// ExecuteFeature runs impl while name is enabled. The first failure of impl
// disables name for the rest of the process and falls back. When name is
// already disabled, fallback runs directly.
//
// Cancellation and deadline errors say nothing about the feature itself:
// they are returned as is and leave name enabled.
func ExecuteFeature[T any](ctx context.Context, f *Features, name string, impl, fallback Op[T]) (T, error) {
	if !f.Enabled(name) {
		return fallback(ctx)
	}
	v, err := impl(ctx)
	if err == nil {
		return v, nil
	}
	if interrupted(ctx, err) {
		var zero T
		return zero, err
	}
	f.Disable(name, err.Error())
	slog.Warn("feature disabled after failure", "feature", name, "error", err)
	return fallback(ctx)
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
