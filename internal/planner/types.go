// Package planner decides whether a request needs multi-step execution,
// decomposes it into tool-backed steps and tracks their progress.
package planner

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Plan.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether no further automatic transition is expected.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepDone, StepFailed, StepSkipped:
		return true
	}
	return false
}

const (
	// MaxSteps caps the length of a generated plan, summary included.
	MaxSteps = 8
	// MaxRetries caps how often a failed step may be run again.
	MaxRetries = 2
	// SkippedResult is the result recorded for skipped steps.
	SkippedResult = "(skipped)"
)

var (
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrCannotRetry       = errors.New("step cannot be retried")
)

// Step is one unit of plan execution.
type Step struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Status      StepStatus     `json:"status"`
	RetryCount  int            `json:"retry_count"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Documents are the three working documents carried by a plan.
type Documents struct {
	TaskPlan    string `json:"task_plan"`
	Notes       string `json:"notes"`
	Deliverable string `json:"deliverable"`
}

// Plan is the execution plan of one request. Plans are values: every
// update returns a new Plan and leaves its input untouched.
type Plan struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Goal            string     `json:"goal"`
	Steps           []Step     `json:"steps"`
	Status          Status     `json:"status"`
	Context         Documents  `json:"context"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalDurationMs int64      `json:"total_duration_ms,omitempty"`
}

// clone copies the step slice so the result can be mutated freely.
func (p Plan) clone() Plan {
	p.Steps = append([]Step(nil), p.Steps...)
	return p
}

func (p Plan) stepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Step returns the step with the given id.
func (p Plan) Step(id string) (Step, bool) {
	if i := p.stepIndex(id); i >= 0 {
		return p.Steps[i], true
	}
	return Step{}, false
}

// Counts returns how many steps are done, failed and skipped.
func (p Plan) Counts() (done, failed, skipped int) {
	for _, s := range p.Steps {
		switch s.Status {
		case StepDone:
			done++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return done, failed, skipped
}

// Tools lists the distinct tools used by the plan in step order.
func (p Plan) Tools() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Tool == "" || seen[s.Tool] {
			continue
		}
		seen[s.Tool] = true
		out = append(out, s.Tool)
	}
	return out
}

// CanRetry reports whether a failed step may be run again.
func CanRetry(s Step) bool {
	return s.Status == StepFailed && s.RetryCount < MaxRetries
}

// GetNextStep returns the first pending step.
func GetNextStep(p Plan) (Step, bool) {
	for _, s := range p.Steps {
		if s.Status == StepPending {
			return s, true
		}
	}
	return Step{}, false
}

// GetProgress is the fraction of steps in a terminal state, 0 for an empty
// plan.
func GetProgress(p Plan) float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done, failed, skipped := p.Counts()
	return float64(done+failed+skipped) / float64(len(p.Steps))
}

// NoteSeparator divides entries of the notes document.
const NoteSeparator = "\n\n---\n\n"

// AddNotes appends a note to the plan's notes document.
func AddNotes(p Plan, note string) Plan {
	p = p.clone()
	if p.Context.Notes == "" {
		p.Context.Notes = note
	} else {
		p.Context.Notes += NoteSeparator + note
	}
	return p
}

// AddDeliverable appends content verbatim to the deliverable.
func AddDeliverable(p Plan, content string) Plan {
	p = p.clone()
	p.Context.Deliverable += content
	return p
}
