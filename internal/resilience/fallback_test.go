package resilience

import (
	"context"
	"errors"
	"testing"
)

func failing(msg string) Op[string] {
	return func(context.Context) (string, error) { return "", errors.New(msg) }
}

func succeeding(v string) Op[string] {
	return func(context.Context) (string, error) { return v, nil }
}

func TestChainPrimary(t *testing.T) {
	c := Chain[string]{Name: "t", Primary: succeeding("primary"), Fallbacks: []Op[string]{succeeding("fb")}}
	got, err := c.Run(context.Background())
	if err != nil || got != "primary" {
		t.Errorf("Run = %q, %v", got, err)
	}
}

func TestChainFallsBackInOrder(t *testing.T) {
	var order []string
	mk := func(name string, ok bool) Op[string] {
		return func(context.Context) (string, error) {
			order = append(order, name)
			if ok {
				return name, nil
			}
			return "", errors.New(name)
		}
	}
	c := Chain[string]{Name: "t", Primary: mk("p", false), Fallbacks: []Op[string]{mk("a", false), mk("b", true), mk("c", true)}}
	got, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "b" {
		t.Errorf("got %q, want b", got)
	}
	if len(order) != 3 || order[0] != "p" || order[1] != "a" || order[2] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestChainFinalFallback(t *testing.T) {
	c := Chain[string]{
		Name:      "t",
		Primary:   failing("p"),
		Fallbacks: []Op[string]{failing("a")},
		Final:     func() string { return "degraded" },
	}
	got, err := c.Run(context.Background())
	if err != nil || got != "degraded" {
		t.Errorf("Run = %q, %v", got, err)
	}
}

func TestChainExhausted(t *testing.T) {
	c := Chain[string]{Name: "t", Primary: failing("p"), Fallbacks: []Op[string]{failing("last")}}
	_, err := c.Run(context.Background())
	if !errors.Is(err, ErrFallbackExhausted) {
		t.Fatalf("err = %v, want ErrFallbackExhausted", err)
	}
	if got := err.Error(); got != "t: all fallbacks failed: last" {
		t.Errorf("error text = %q", got)
	}
}
