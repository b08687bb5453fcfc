package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// ContextTokenBudget bounds BuildMemoryContext output.
	ContextTokenBudget = 2048
	// CharsPerToken is the token estimate used for every budget.
	CharsPerToken = 4

	contextLimit = 5
)

var contextTypes = []Type{TaskSummary, UserPreference, LearnedFact}

// BuildMemoryContext renders up to five useful-or-better task summaries,
// preferences and learned facts relevant to query as bullet lines. Lines are
// appended while they fit the token budget; the first line that would
// overflow ends the list.
func (m *Manager) BuildMemoryContext(ctx context.Context, query string) string {
	found := m.Retrieve(ctx, query, ListOptions{
		Types:         contextTypes,
		MinImportance: Useful,
		Limit:         contextLimit,
	})

	budget := ContextTokenBudget * CharsPerToken
	used := 0
	var b strings.Builder
	for _, s := range found {
		line := formatLine(s.Entry)
		n := utf8.RuneCountInString(line)
		if used+n > budget {
			break
		}
		used += n
		b.WriteString(line)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatLine(e Entry) string {
	var label string
	switch e.Type {
	case TaskSummary:
		label = "Previous task"
	case UserPreference:
		label = "Preference"
	case LearnedFact:
		label = "Fact"
	case ToolCache:
		label = "Cached result"
	case ContextSnapshot:
		label = "Earlier context"
	}
	content := strings.Join(strings.Fields(e.Content), " ")
	return fmt.Sprintf("- %s: %s\n", label, content)
}
