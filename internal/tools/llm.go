package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/taskmind/internal/composer"
	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/resilience"
)

// Task values understood by the llm tool.
const (
	TaskChat      = ""
	TaskAnalyze   = "analyze"
	TaskCompose   = "compose"
	TaskPrepare   = "prepare"
	TaskSummarize = "summarize"
)

var errEmptyAnswer = errors.New("model returned an empty answer")

const chatPrompt = `You are a helpful assistant running locally on the user's machine.
Answer directly and concisely. Use the memory and tool results when they are relevant.`

var taskPrompts = map[string]string{
	TaskAnalyze: `Break the request into the facts, data and steps the final answer needs.
Reply with a short bullet list.`,
	TaskCompose: `Write the answer to the request. Build on the analysis and context provided
and do not repeat the instructions.`,
	TaskSummarize: `Summarize what was done for the request and present the final result.
Mention failed or skipped steps in one sentence each. Use markdown.`,
}

var languageLabels = map[string]string{
	"python":     "Python",
	"javascript": "JavaScript",
	"sql":        "SQLite SQL",
}

// LLM answers prompts with the inference engine inside a budgeted context
// window.
type LLM struct {
	Engine       engine.Engine
	Model        string
	WindowTokens int
}

// Call implements Func.
func (l LLM) Call(ctx context.Context, params map[string]any) (string, error) {
	task := String(params, "task")
	system, err := systemPrompt(task, String(params, "target"))
	if err != nil {
		return "", err
	}

	var history []composer.Turn
	if h, ok := params["history"].([]composer.Turn); ok {
		history = h
	}

	w := composer.BuildWindow(composer.WindowInput{
		System:      system,
		History:     history,
		Memory:      String(params, "memory"),
		ToolResults: toolResults(task, params),
		TotalTokens: l.WindowTokens,
	})

	answer, err := l.Engine.Chat(ctx, l.Model, w.Messages(userInput(params)), nil)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", resilience.Transient(errEmptyAnswer)
	}
	return answer, nil
}

func systemPrompt(task, target string) (string, error) {
	switch task {
	case TaskChat:
		return chatPrompt, nil
	case TaskPrepare:
		label, ok := languageLabels[target]
		if !ok {
			return "", resilience.Permanent(fmt.Errorf("prepare: unsupported target %q", target))
		}
		return fmt.Sprintf("Write a complete %s program for the current step. It must print its result to standard output. "+
			"Reply with exactly one fenced ```%s code block and nothing else.", label, target), nil
	}
	p, ok := taskPrompts[task]
	if !ok {
		return "", resilience.Permanent(fmt.Errorf("unknown llm task %q", task))
	}
	return p, nil
}

func userInput(params map[string]any) string {
	if prompt := String(params, "prompt"); prompt != "" {
		return prompt
	}
	var b strings.Builder
	if goal := String(params, "goal"); goal != "" {
		fmt.Fprintf(&b, "Request: %s\n", goal)
	}
	if step := String(params, "step"); step != "" {
		fmt.Fprintf(&b, "Current step: %s", step)
		if d := String(params, "description"); d != "" {
			fmt.Fprintf(&b, " (%s)", d)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func toolResults(task string, params map[string]any) string {
	var parts []string
	if k := String(params, "knowledge"); k != "" {
		parts = append(parts, "Knowledge base:\n"+k)
	}
	work := String(params, "previous")
	if task == TaskSummarize {
		work = firstNonEmpty(params, "deliverable", "previous")
	}
	if work != "" {
		parts = append(parts, "Work so far:\n"+work)
	}
	return strings.Join(parts, "\n\n")
}
