package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/taskmind/internal/composer"
	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/resilience"
)

type mockEngine struct {
	mu      sync.Mutex
	answer  string
	err     error
	model   string
	history [][]engine.Message
}

func (m *mockEngine) Chat(_ context.Context, model string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	m.history = append(m.history, msgs)
	return m.answer, m.err
}
func (m *mockEngine) Embed(context.Context, string, string) ([]float32, error) { return nil, nil }
func (m *mockEngine) IsRunning(context.Context) bool                           { return true }
func (m *mockEngine) ListModels(context.Context) ([]string, error)             { return nil, nil }
func (m *mockEngine) HasModel(context.Context, string) bool                    { return true }
func (m *mockEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func (m *mockEngine) last() []engine.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

func TestLLM_DirectPrompt(t *testing.T) {
	eng := &mockEngine{answer: "  Hello!  "}
	l := LLM{Engine: eng, Model: "llama3.2"}

	got, err := l.Call(context.Background(), map[string]any{
		"prompt": "Hi there",
		"memory": "- Preference: answer in German",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "Hello!" {
		t.Errorf("answer = %q, want trimmed", got)
	}
	if eng.model != "llama3.2" {
		t.Errorf("model = %q", eng.model)
	}

	msgs := eng.last()
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Content != "Hi there" {
		t.Errorf("user content = %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[0].Content, "answer in German") {
		t.Errorf("system prompt missing memory: %q", msgs[0].Content)
	}
}

func TestLLM_StepInputAndToolResults(t *testing.T) {
	eng := &mockEngine{answer: "done"}
	l := LLM{Engine: eng}

	_, err := l.Call(context.Background(), map[string]any{
		"task":        TaskSummarize,
		"goal":        "Compare two databases",
		"step":        "Summary",
		"description": "Summarize the work",
		"previous":    "last step output",
		"deliverable": "## Research\n\nfindings",
		"knowledge":   "[doc#0] chunk",
		"history":     []composer.Turn{{Role: "user", Content: "earlier question"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	msgs := eng.last()
	user := msgs[len(msgs)-1].Content
	if !strings.Contains(user, "Request: Compare two databases") || !strings.Contains(user, "Current step: Summary (Summarize the work)") {
		t.Errorf("user input = %q", user)
	}
	sys := msgs[0].Content
	for _, want := range []string{"findings", "[doc#0] chunk", "earlier question"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system message missing %q", want)
		}
	}
	if strings.Contains(sys, "last step output") {
		t.Error("summarize should use the deliverable, not the previous result")
	}
}

func TestLLM_PrepareTargets(t *testing.T) {
	eng := &mockEngine{answer: "```python\nprint(1)\n```"}
	l := LLM{Engine: eng}

	if _, err := l.Call(context.Background(), map[string]any{"task": TaskPrepare, "target": "python", "goal": "fib"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sys := eng.last()[0].Content; !strings.Contains(sys, "```python") {
		t.Errorf("prepare prompt = %q", sys)
	}

	_, err := l.Call(context.Background(), map[string]any{"task": TaskPrepare, "target": "cobol"})
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("unsupported target err = %v, want permanent", err)
	}
	_, err = l.Call(context.Background(), map[string]any{"task": "dance"})
	if err == nil || !resilience.IsPermanent(err) {
		t.Errorf("unknown task err = %v, want permanent", err)
	}
}

func TestLLM_Errors(t *testing.T) {
	boom := errors.New("connection refused")
	l := LLM{Engine: &mockEngine{err: boom}}
	if _, err := l.Call(context.Background(), map[string]any{"prompt": "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want engine error", err)
	}

	l = LLM{Engine: &mockEngine{answer: "   "}}
	_, err := l.Call(context.Background(), map[string]any{"prompt": "x"})
	if !errors.Is(err, errEmptyAnswer) || !resilience.IsTransient(err) {
		t.Errorf("empty answer err = %v, want transient errEmptyAnswer", err)
	}
}
