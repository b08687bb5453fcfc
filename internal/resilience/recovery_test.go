package resilience

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestRegistryFirstMatchWins(t *testing.T) {
	var ran []string
	reg := NewRegistry(
		Strategy{Name: "never", Match: func(error) bool { return false }},
		Strategy{Name: "first", Match: func(error) bool { return true }, Action: func(context.Context, ErrorContext) error {
			ran = append(ran, "first")
			return nil
		}},
		Strategy{Name: "second", Match: func(error) bool { return true }, Action: func(context.Context, ErrorContext) error {
			ran = append(ran, "second")
			return nil
		}},
	)

	ok, err := reg.Recover(context.Background(), ErrorContext{Err: errors.New("x")})
	if !ok || err != nil {
		t.Fatalf("Recover = %v, %v", ok, err)
	}
	if len(ran) != 1 || ran[0] != "first" {
		t.Errorf("ran = %v", ran)
	}
}

func TestRegistryNoMatch(t *testing.T) {
	reg := NewRegistry()
	ok, err := reg.Recover(context.Background(), ErrorContext{Err: errors.New("x")})
	if ok || err != nil {
		t.Errorf("Recover = %v, %v, want false, nil", ok, err)
	}
}

func TestDefaultStrategies(t *testing.T) {
	var waited time.Duration
	sleep := func(_ context.Context, d time.Duration) error { waited = d; return nil }
	budget := NewTimeoutBudget(time.Second, 3*time.Second)
	reg := NewRegistry(DefaultStrategies(sleep, 250*time.Millisecond, budget)...)

	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	if _, err := reg.Recover(context.Background(), ErrorContext{Err: context.DeadlineExceeded}); err != nil {
		t.Fatal(err)
	}
	if got := budget.Current(); got != 2*time.Second {
		t.Errorf("budget after one grow = %v, want 2s", got)
	}
	budget.Grow()
	if got := budget.Current(); got != 3*time.Second {
		t.Errorf("budget should cap at 3s, got %v", got)
	}

	s, ok := reg.Find(&net.OpError{Op: "dial", Err: errors.New("refused")})
	if !ok || s.Name != "wait_for_network" {
		t.Fatalf("network error matched %q, %v", s.Name, ok)
	}
	if _, err := reg.Recover(context.Background(), ErrorContext{Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}); err != nil {
		t.Fatal(err)
	}
	if waited != 250*time.Millisecond {
		t.Errorf("waited %v, want 250ms", waited)
	}

	s, ok = reg.Find(errors.New("cannot allocate memory"))
	if !ok || s.Name != "reclaim_memory" {
		t.Errorf("resource error matched %q, %v", s.Name, ok)
	}
}
