package planner

import (
	"strings"
	"testing"
)

func TestDefaultHints_Parse(t *testing.T) {
	h := DefaultHints()
	if len(h.Tools) == 0 || len(h.ImpliesResearch) == 0 || len(h.Formats) == 0 {
		t.Fatalf("hints = %+v", h)
	}
}

func TestParseHints_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "tools: [",
		"missing tool": "tools:\n  - kind: compute\n",
		"unknown kind": "tools:\n  - tool: x\n    kind: magic\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseHints([]byte(data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHints_Match(t *testing.T) {
	h := DefaultHints()
	tests := []struct {
		message string
		want    []string
	}{
		{"berechne die Statistik in Python", []string{"python"}},
		{"plot the data as a chart", []string{"python"}},
		{"read https://go.dev and export a pdf", []string{"web_fetch", "export"}},
		{"write a json parser in node", []string{"javascript", "export"}},
		{"tell me a joke", nil},
	}
	for _, tc := range tests {
		var got []string
		for _, m := range h.Match(tc.message) {
			got = append(got, m.Tool)
		}
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Errorf("Match(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestHints_ExactWordsDoNotMatchPrefixes(t *testing.T) {
	h := DefaultHints()
	for _, m := range h.Match("the jsx component") {
		if m.Tool == "javascript" {
			t.Error("\"js\" must only match the whole word")
		}
	}
}

func TestHints_Format(t *testing.T) {
	h := DefaultHints()
	tests := map[string]string{
		"export as html page":     "html",
		"save it as JSON":         "json",
		"write a plain text file": "text",
		"save a report":           "markdown",
	}
	for msg, want := range tests {
		if got := h.Format(msg); got != want {
			t.Errorf("Format(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestHints_ImpliesResearch(t *testing.T) {
	h := DefaultHints()
	if !h.ImpliesResearchFor("compare the latest GPU prices") {
		t.Error("comparison should imply research")
	}
	if h.ImpliesResearchFor("write a poem about autumn") {
		t.Error("plain writing should not imply research")
	}
}
