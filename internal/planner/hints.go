package planner

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed hints.yaml
var defaultHintsYAML []byte

// Tool kinds in the hint table.
const (
	KindResearch = "research"
	KindCompute  = "compute"
	KindOutput   = "output"
)

// ToolHint routes messages containing any of Keywords to Tool.
type ToolHint struct {
	Tool     string   `yaml:"tool"`
	Kind     string   `yaml:"kind"`
	Title    string   `yaml:"title"`
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// FormatHint selects an export format.
type FormatHint struct {
	Format   string   `yaml:"format"`
	Keywords []string `yaml:"keywords"`
}

// Hints is the keyword table used by CreatePlan.
type Hints struct {
	Tools           []ToolHint   `yaml:"tools"`
	ImpliesResearch []string     `yaml:"implies_research"`
	Formats         []FormatHint `yaml:"formats"`
}

// ParseHints decodes a YAML hint table.
func ParseHints(data []byte) (*Hints, error) {
	var h Hints
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parsing tool hints: %w", err)
	}
	for i, t := range h.Tools {
		if t.Tool == "" {
			return nil, fmt.Errorf("tool hint %d: missing tool name", i)
		}
		switch t.Kind {
		case KindResearch, KindCompute, KindOutput:
		default:
			return nil, fmt.Errorf("tool hint %q: unknown kind %q", t.Tool, t.Kind)
		}
	}
	return &h, nil
}

// DefaultHints returns the built-in English and German hint table.
func DefaultHints() *Hints {
	h, err := ParseHints(defaultHintsYAML)
	if err != nil {
		panic(err)
	}
	return h
}

// matcher answers keyword queries against one message.
type matcher struct {
	lower string
	words []string
}

func newMatcher(message string) matcher {
	return matcher{lower: strings.ToLower(message), words: words(message)}
}

func (m matcher) any(keywords []string) bool {
	for _, k := range keywords {
		if m.match(k) {
			return true
		}
	}
	return false
}

func (m matcher) match(keyword string) bool {
	keyword = strings.ToLower(keyword)
	if strings.HasSuffix(keyword, "*") {
		prefix := strings.TrimSuffix(keyword, "*")
		for _, w := range m.words {
			if strings.HasPrefix(w, prefix) {
				return true
			}
		}
		return false
	}
	if strings.ContainsFunc(keyword, isSeparator) {
		return strings.Contains(m.lower, keyword)
	}
	for _, w := range m.words {
		if w == keyword {
			return true
		}
	}
	return false
}

// Match returns the hints whose keywords occur in message, in table order.
func (h *Hints) Match(message string) []ToolHint {
	m := newMatcher(message)
	var out []ToolHint
	for _, t := range h.Tools {
		if m.any(t.Keywords) {
			out = append(out, t)
		}
	}
	return out
}

// ImpliesResearchFor reports whether message asks for comparisons or current
// facts.
func (h *Hints) ImpliesResearchFor(message string) bool {
	return newMatcher(message).any(h.ImpliesResearch)
}

// Format returns the export format requested by message, "markdown" when
// none is named.
func (h *Hints) Format(message string) string {
	m := newMatcher(message)
	for _, f := range h.Formats {
		if m.any(f.Keywords) {
			return f.Format
		}
	}
	return "markdown"
}
