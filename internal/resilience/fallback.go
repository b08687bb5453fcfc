package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrFallbackExhausted is matched by the error returned when the primary
// operation and every fallback failed and no final fallback exists.
var ErrFallbackExhausted = errors.New("all fallbacks failed")

// Op is a fallible operation producing T.
type Op[T any] func(ctx context.Context) (T, error)

// Chain tries Primary, then each of Fallbacks in order, then Final.
type Chain[T any] struct {
	Name      string
	Primary   Op[T]
	Fallbacks []Op[T]
	// Final produces a degraded but valid result. Optional.
	Final func() T
}

// Run executes the chain.
func (c Chain[T]) Run(ctx context.Context) (T, error) {
	var zero T
	ops := make([]Op[T], 0, 1+len(c.Fallbacks))
	if c.Primary != nil {
		ops = append(ops, c.Primary)
	}
	ops = append(ops, c.Fallbacks...)

	var last error
	for i, op := range ops {
		v, err := op(ctx)
		if err == nil {
			if i > 0 {
				slog.Info("fallback succeeded", "chain", c.Name, "index", i)
			}
			return v, nil
		}
		last = err
		slog.Warn("operation failed, trying next fallback", "chain", c.Name, "index", i, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	if c.Final != nil {
		slog.Warn("using final fallback", "chain", c.Name)
		return c.Final(), nil
	}
	if last == nil {
		return zero, fmt.Errorf("%s: %w", c.Name, ErrFallbackExhausted)
	}
	return zero, fmt.Errorf("%s: %w: %w", c.Name, ErrFallbackExhausted, last)
}
