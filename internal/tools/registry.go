// Package tools holds the named operations plan steps can invoke.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned by Invoke for names that were never registered.
var ErrUnknownTool = errors.New("unknown tool")

// Func executes one tool call. params always holds the step's own
// parameters plus the executor's context keys (goal, step, previous, ...).
type Func func(ctx context.Context, params map[string]any) (string, error)

// Registry maps tool names to implementations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register adds or replaces the tool called name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke runs the tool called name.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	return fn(ctx, params)
}

// String returns params[key] when it is a non-blank string.
func String(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

// Int returns params[key] as an int. JSON numbers arrive as float64.
func Int(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Strings returns params[key] as a string slice, accepting []string, []any
// and a single string.
func Strings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// firstNonEmpty returns the first non-blank string parameter among keys.
func firstNonEmpty(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := String(params, k); s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "\n\n[output truncated]"
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
