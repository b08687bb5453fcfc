package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/taskmind/internal/engine"
)

const (
	// DefaultWindowTokens is the total budget used when none is given.
	DefaultWindowTokens = 4000
	// CharsPerToken converts token budgets to character budgets.
	CharsPerToken = 4

	// Percentages of the total budget.
	systemShare  = 30
	historyShare = 40
	memoryShare  = 15
	toolShare    = 15

	truncationMarker = "\n[...truncated]"
)

// Turn is one past conversation message.
type Turn struct {
	Role    string
	Content string
}

// WindowInput is the raw material for one inference call.
type WindowInput struct {
	System      string
	History     []Turn // oldest first
	Memory      string
	ToolResults string
	TotalTokens int
}

// Window is an assembled, budgeted context.
type Window struct {
	System      string
	History     string
	Memory      string
	ToolResults string
	TotalTokens int
}

// Budget is the character allowance of each window segment.
type Budget struct {
	System      int
	History     int
	Memory      int
	ToolResults int
}

// SplitBudget divides totalTokens 30/40/15/15 and converts each share to
// characters.
func SplitBudget(totalTokens int) Budget {
	if totalTokens <= 0 {
		totalTokens = DefaultWindowTokens
	}
	chars := func(share int) int {
		return totalTokens * share / 100 * CharsPerToken
	}
	return Budget{
		System:      chars(systemShare),
		History:     chars(historyShare),
		Memory:      chars(memoryShare),
		ToolResults: chars(toolShare),
	}
}

// BuildWindow fits each segment into its share of in.TotalTokens. The
// system text is cut with a marker, history keeps the most recent whole
// turns, memory keeps its beginning and tool results keep their end.
func BuildWindow(in WindowInput) Window {
	b := SplitBudget(in.TotalTokens)
	w := Window{
		System:      truncateWithMarker(in.System, b.System),
		History:     recentHistory(in.History, b.History),
		Memory:      keepHead(in.Memory, b.Memory),
		ToolResults: keepTail(in.ToolResults, b.ToolResults),
	}
	w.TotalTokens = EstimateTokens(w.System) + EstimateTokens(w.History) +
		EstimateTokens(w.Memory) + EstimateTokens(w.ToolResults)
	return w
}

// Messages renders the window as a chat transcript ending with userMessage.
func (w Window) Messages(userMessage string) []engine.Message {
	var sys strings.Builder
	sys.WriteString(w.System)
	if w.Memory != "" {
		sys.WriteString("\n\n[Memory]\n")
		sys.WriteString(w.Memory)
	}
	if w.ToolResults != "" {
		sys.WriteString("\n\n[Tool Results]\n")
		sys.WriteString(w.ToolResults)
	}
	if w.History != "" {
		sys.WriteString("\n\n[Conversation So Far]\n")
		sys.WriteString(w.History)
	}

	var msgs []engine.Message
	if s := strings.TrimSpace(sys.String()); s != "" {
		msgs = append(msgs, engine.SystemMessage(s))
	}
	return append(msgs, engine.UserMessage(userMessage))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

func truncateWithMarker(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= len(truncationMarker) {
		return keepHead(truncationMarker, limit)
	}
	return keepHead(s, limit-len(truncationMarker)) + truncationMarker
}

func recentHistory(turns []Turn, limit int) string {
	var kept []string
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s\n", turns[i].Role, turns[i].Content)
		if used+len(line) > limit {
			break
		}
		kept = append(kept, line)
		used += len(line)
	}
	var b strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString(kept[i])
	}
	return b.String()
}

// keepHead returns the longest prefix of s within limit bytes that does not
// split a UTF-8 sequence.
func keepHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// keepTail returns the longest suffix of s within limit bytes that does not
// split a UTF-8 sequence.
func keepTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
