// Package resilience wraps fallible operations with retries, fallback chains,
// recovery strategies and feature-level degradation.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/kalambet/taskmind/internal/eventbus"
)

// Config is a static retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	Jitter      bool
	// Retryable decides whether a failed attempt may be repeated.
	// Nil means every error except permanent ones.
	Retryable func(error) bool
}

// DefaultConfig is used for tool and inference calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponential: true,
		Jitter:      true,
	}
}

// Backoff returns the delay to wait after failed attempt n (1-based) and
// before attempt n+1. rnd must return a value in [0, 1).
func Backoff(cfg Config, n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	var d float64
	if cfg.Exponential {
		d = float64(cfg.BaseDelay) * math.Pow(2, float64(n-1))
	} else {
		d = float64(cfg.BaseDelay) * float64(n)
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && rnd != nil {
		d *= 0.5 + 0.5*rnd()
	}
	return time.Duration(d)
}

// ErrorContext is one failed attempt, handed to recovery strategies.
type ErrorContext struct {
	Operation string
	Err       error
	Attempt   int
	Timestamp time.Time
}

// ExhaustedError is the terminal failure of a retried operation.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Observer receives resilience telemetry. Implemented by the metrics package.
type Observer interface {
	RetryAttempt(operation string, attempt int, delay time.Duration)
	FeatureDisabled(name string)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier executes operations under a retry policy and reports waits on
// the event bus.
type Retrier struct {
	bus      eventbus.Publisher
	recovery *Registry
	observer Observer
	sleep    Sleeper
	rand     func() float64
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

func WithSleeper(s Sleeper) Option          { return func(r *Retrier) { r.sleep = s } }
func WithRand(f func() float64) Option      { return func(r *Retrier) { r.rand = f } }
func WithRecovery(reg *Registry) Option     { return func(r *Retrier) { r.recovery = reg } }
func WithObserver(o Observer) Option        { return func(r *Retrier) { r.observer = o } }
func WithLogger(l *slog.Logger) Option      { return func(r *Retrier) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Retrier) { r.now = now } }

// NewRetrier creates a Retrier publishing to bus. A nil bus discards events.
func NewRetrier(bus eventbus.Publisher, opts ...Option) *Retrier {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	r := &Retrier{
		bus:    bus,
		sleep:  sleepCtx,
		rand:   rand.Float64,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do runs fn until it succeeds or the policy is exhausted.
func (r *Retrier) Do(ctx context.Context, cfg Config, op string, fn func(context.Context) error) error {
	_, err := Retry(ctx, r, cfg, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is the value-returning form of Retrier.Do.
func Retry[T any](ctx context.Context, r *Retrier, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return !IsPermanent(err) }
	}

	var last error
	for n := 1; n <= attempts; n++ {
		v, err := fn(ctx)
		if err == nil {
			if n > 1 {
				r.logger.Debug("retry succeeded", "operation", op, "attempt", n)
			}
			return v, nil
		}
		last = err

		if ctx.Err() != nil {
			return zero, &ExhaustedError{Operation: op, Attempts: n, Err: err}
		}
		if !retryable(err) {
			r.logger.Debug("error is not retryable", "operation", op, "error", err)
			return zero, &ExhaustedError{Operation: op, Attempts: n, Err: err}
		}
		if n == attempts {
			break
		}

		if r.recovery != nil {
			ec := ErrorContext{Operation: op, Err: err, Attempt: n, Timestamp: r.now()}
			if _, recErr := r.recovery.Recover(ctx, ec); recErr != nil {
				r.logger.Warn("recovery strategy failed", "operation", op, "error", recErr)
			}
		}

		delay := Backoff(cfg, n, r.rand)
		r.bus.Publish(PlanIDFrom(ctx), eventbus.StatusChange, eventbus.StatusChangePayload{
			Status:    "retrying",
			Operation: op,
			Attempt:   n,
			DelayMs:   delay.Milliseconds(),
		})
		if r.observer != nil {
			r.observer.RetryAttempt(op, n, delay)
		}
		r.logger.Debug("retrying operation",
			"operation", op,
			"attempt", n,
			"max_attempts", attempts,
			"delay", delay.String(),
			"previous_error", err)

		if err := r.sleep(ctx, delay); err != nil {
			return zero, &ExhaustedError{Operation: op, Attempts: n, Err: last}
		}
	}

	return zero, &ExhaustedError{Operation: op, Attempts: attempts, Err: last}
}

type planKey struct{}

// WithPlanID tags ctx so retry status events carry the owning plan id.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planKey{}, planID)
}

// PlanIDFrom returns the plan id stored by WithPlanID, or "".
func PlanIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(planKey{}).(string); ok {
		return v
	}
	return ""
}
