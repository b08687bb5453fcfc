package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExecuteFeatureDisablesOnFailure(t *testing.T) {
	obs := &countingObserver{}
	f := NewFeatures(obs)
	implCalls, fbCalls := 0, 0
	impl := func(context.Context) (string, error) {
		implCalls++
		return "", errors.New("gpu missing")
	}
	fb := func(context.Context) (string, error) {
		fbCalls++
		return "fallback", nil
	}

	for i := 0; i < 3; i++ {
		got, err := ExecuteFeature(context.Background(), f, "semantic", impl, fb)
		if err != nil || got != "fallback" {
			t.Fatalf("call %d: %q, %v", i, got, err)
		}
	}
	if implCalls != 1 {
		t.Errorf("impl called %d times, want 1", implCalls)
	}
	if fbCalls != 3 {
		t.Errorf("fallback called %d times, want 3", fbCalls)
	}
	if f.Enabled("semantic") {
		t.Error("feature should be disabled")
	}
	if f.Reason("semantic") != "gpu missing" {
		t.Errorf("Reason = %q", f.Reason("semantic"))
	}
	if len(obs.disabled) != 1 || obs.disabled[0] != "semantic" {
		t.Errorf("observer saw %v", obs.disabled)
	}
}

func TestExecuteFeatureSuccessKeepsEnabled(t *testing.T) {
	f := NewFeatures(nil)
	got, err := ExecuteFeature(context.Background(), f, "x",
		func(context.Context) (int, error) { return 1, nil },
		func(context.Context) (int, error) { return 2, nil })
	if err != nil || got != 1 {
		t.Errorf("got %d, %v", got, err)
	}
	if !f.Enabled("x") {
		t.Error("feature should stay enabled")
	}
}

func TestExecuteFeatureInterruptionKeepsEnabled(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
	}{
		{"cancelled context", cancelled, errors.New("sql: database is closed")},
		{"wrapped canceled", context.Background(), fmt.Errorf("writing: %w", context.Canceled)},
		{"deadline", context.Background(), fmt.Errorf("run: %w", context.DeadlineExceeded)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &countingObserver{}
			f := NewFeatures(obs)
			fbCalls := 0
			_, err := ExecuteFeature(tt.ctx, f, "persistence",
				func(context.Context) (int, error) { return 0, tt.err },
				func(context.Context) (int, error) {
					fbCalls++
					return 2, nil
				})
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if !f.Enabled("persistence") {
				t.Error("feature disabled by an interrupted call")
			}
			if fbCalls != 0 || len(obs.disabled) != 0 {
				t.Errorf("fallback calls = %d, disabled = %v", fbCalls, obs.disabled)
			}
		})
	}
}

func TestFeaturesDefaultsAndReset(t *testing.T) {
	f := NewFeatures(nil)
	if !f.Enabled("unknown") {
		t.Error("unknown features default to enabled")
	}
	f.Disable("a", "r")
	f.Enable("b")
	snap := f.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[0].Enabled || !snap[1].Enabled {
		t.Errorf("Snapshot = %+v", snap)
	}
	f.Reset()
	if !f.Enabled("a") {
		t.Error("Reset should re-enable")
	}
}
