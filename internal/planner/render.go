package planner

import (
	"fmt"
	"strings"
	"time"
)

var checkbox = map[StepStatus]string{
	StepDone:    "[x]",
	StepRunning: "[~]",
	StepFailed:  "[!]",
	StepSkipped: "[-]",
	StepPending: "[ ]",
}

// RenderTaskPlan renders the plan as a markdown checklist. Running steps
// show the seconds elapsed up to now.
func RenderTaskPlan(p Plan, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	fmt.Fprintf(&b, "**Goal:** %s\n\n", p.Goal)
	done, failed, skipped := p.Counts()
	fmt.Fprintf(&b, "**Status:** %s (%d/%d steps finished)\n\n", p.Status, done+failed+skipped, len(p.Steps))

	b.WriteString("## Steps\n\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "- %s %d. %s", checkbox[s.Status], i+1, s.Title)
		if s.Tool != "" {
			fmt.Fprintf(&b, " `%s`", s.Tool)
		}
		switch {
		case s.Status == StepRunning && s.StartedAt != nil:
			fmt.Fprintf(&b, " (%.1fs)", now.Sub(*s.StartedAt).Seconds())
		case (s.Status == StepDone || s.Status == StepFailed) && s.StartedAt != nil:
			fmt.Fprintf(&b, " (%.1fs)", float64(s.DurationMs)/1000)
		}
		if s.RetryCount > 0 {
			fmt.Fprintf(&b, " retries: %d", s.RetryCount)
		}
		b.WriteString("\n")
		if s.Error != "" {
			fmt.Fprintf(&b, "  - Error: %s\n", s.Error)
		}
	}
	return b.String()
}
