package planner

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/taskmind/internal/eventbus"
	"github.com/kalambet/taskmind/internal/storage"
)

// Tool names referenced by generated steps that are not in the hint table.
const (
	ToolLLM       = "llm"
	ToolWebSearch = "web_search"
	ToolWebFetch  = "web_fetch"
)

const maxTitleRunes = 60

// Planner builds plans and applies step transitions, publishing lifecycle
// events on the bus.
type Planner struct {
	bus        eventbus.Publisher
	hints      *Hints
	classifier Classifier
	now        func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }
func WithHints(h *Hints) Option             { return func(p *Planner) { p.hints = h } }
func WithThreshold(t float64) Option        { return func(p *Planner) { p.classifier.Threshold = t } }

// New creates a Planner. A nil bus discards events.
func New(bus eventbus.Publisher, opts ...Option) *Planner {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	p := &Planner{
		bus:        bus,
		classifier: DefaultClassifier,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.hints == nil {
		p.hints = DefaultHints()
	}
	return p
}

func (p *Planner) ShouldPlan(message string) bool {
	return p.classifier.ShouldPlan(message)
}

func (p *Planner) Assess(message string) Assessment {
	return p.classifier.Assess(message)
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// CreatePlan decomposes message into steps without consulting a model.
// Research comes first, then a preparation and an execution step per
// computational tool, then file output, and always a closing summary.
func (p *Planner) CreatePlan(message string) Plan {
	goal := strings.TrimSpace(message)
	now := p.now()

	matched := p.hints.Match(goal)
	var research, compute []ToolHint
	var output *ToolHint
	for i, h := range matched {
		switch h.Kind {
		case KindResearch:
			research = append(research, h)
		case KindCompute:
			compute = append(compute, h)
		case KindOutput:
			if output == nil {
				output = &matched[i]
			}
		}
	}
	if len(research) == 0 && p.hints.ImpliesResearchFor(goal) {
		research = append(research, ToolHint{Tool: ToolWebSearch, Kind: KindResearch, Title: "Research"})
	}

	var body []Step
	for _, h := range research {
		body = append(body, researchStep(h, goal))
	}
	for _, h := range compute {
		label := h.Label
		if label == "" {
			label = h.Tool
		}
		body = append(body,
			Step{
				Title:       "Prepare " + label + " input",
				Description: fmt.Sprintf("Write the %s input needed for: %s", label, goal),
				Tool:        ToolLLM,
				Params:      map[string]any{"task": "prepare", "target": h.Tool},
			},
			Step{
				Title:       "Run " + label,
				Description: fmt.Sprintf("Execute the prepared %s input and capture its output", label),
				Tool:        h.Tool,
			},
		)
	}
	if len(body) == 0 {
		body = append(body,
			Step{
				Title:       "Analysis",
				Description: "Break down the request and identify what the answer needs",
				Tool:        ToolLLM,
				Params:      map[string]any{"task": "analyze"},
			},
			Step{
				Title:       "Compose answer",
				Description: "Write the answer based on the analysis",
				Tool:        ToolLLM,
				Params:      map[string]any{"task": "compose"},
			},
		)
	}
	if output != nil {
		title := output.Title
		if title == "" {
			title = "Write output file"
		}
		format := p.hints.Format(goal)
		body = append(body, Step{
			Title:       title,
			Description: fmt.Sprintf("Save the result as a %s file", format),
			Tool:        output.Tool,
			Params:      map[string]any{"format": format},
		})
	}

	if len(body) > MaxSteps-1 {
		body = body[:MaxSteps-1]
	}
	steps := append(body, Step{
		Title:       "Summary",
		Description: "Summarize what was done and present the result",
		Tool:        ToolLLM,
		Params:      map[string]any{"task": "summarize"},
	})
	for i := range steps {
		steps[i].ID = fmt.Sprintf("step_%d", i+1)
		steps[i].Status = StepPending
		steps[i].RetryCount = 0
	}

	plan := Plan{
		ID:        storage.NewIDAt("plan", now),
		Title:     titleFrom(goal),
		Goal:      goal,
		Steps:     steps,
		Status:    StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	plan.Context.TaskPlan = RenderTaskPlan(plan, now)

	p.bus.Publish(plan.ID, eventbus.PlanStart, eventbus.PlanStartPayload{
		Title:     plan.Title,
		Goal:      plan.Goal,
		StepCount: len(plan.Steps),
	})
	for i, s := range plan.Steps {
		p.bus.Publish(plan.ID, eventbus.StepAdd, eventbus.StepAddPayload{
			StepID: s.ID,
			Title:  s.Title,
			Tool:   s.Tool,
			Index:  i,
		})
	}
	return plan
}

func researchStep(h ToolHint, goal string) Step {
	title := h.Title
	if title == "" {
		title = "Research"
	}
	s := Step{
		Title:       title,
		Description: "Gather current information relevant to the request",
		Tool:        h.Tool,
		Params:      map[string]any{"query": goal},
	}
	if h.Tool == ToolWebFetch {
		s.Description = "Download the referenced pages and extract their text"
		s.Params = map[string]any{"urls": urlPattern.FindAllString(goal, -1)}
	}
	return s
}

// UpdateStepStatus applies one transition to the step with id stepID and
// returns the updated plan. result is recorded for done steps and errMsg
// for failed ones. The input plan is never modified.
func (p *Planner) UpdateStepStatus(plan Plan, stepID string, status StepStatus, result, errMsg string) (Plan, error) {
	i := plan.stepIndex(stepID)
	if i < 0 {
		return plan, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if !status.Valid() {
		return plan, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	now := p.now()
	next := plan.clone()
	s := &next.Steps[i]
	from := s.Status

	switch {
	case status == StepSkipped:
		s.Status = StepSkipped
		s.Result = SkippedResult
		s.CompletedAt = &now
		p.bus.Publish(plan.ID, eventbus.StepComplete, eventbus.StepCompletePayload{
			StepID: s.ID,
			Result: SkippedResult,
		})

	case from == StepPending && status == StepRunning,
		from == StepFailed && status == StepRunning && CanRetry(*s):
		s.Status = StepRunning
		s.StartedAt = &now
		s.CompletedAt = nil
		s.DurationMs = 0
		s.Error = ""
		p.bus.Publish(plan.ID, eventbus.StepStart, eventbus.StepStartPayload{
			StepID: s.ID,
			Title:  s.Title,
			Tool:   s.Tool,
		})

	case from == StepRunning && status == StepDone:
		s.Status = StepDone
		s.Result = result
		s.CompletedAt = &now
		s.DurationMs = elapsed(s.StartedAt, now)
		p.bus.Publish(plan.ID, eventbus.StepComplete, eventbus.StepCompletePayload{
			StepID:     s.ID,
			Result:     result,
			DurationMs: s.DurationMs,
		})

	case from == StepRunning && status == StepFailed:
		s.Status = StepFailed
		s.Error = errMsg
		s.CompletedAt = &now
		s.DurationMs = elapsed(s.StartedAt, now)
		s.RetryCount++
		p.bus.Publish(plan.ID, eventbus.StepFail, eventbus.StepFailPayload{
			StepID:     s.ID,
			Error:      errMsg,
			CanRetry:   CanRetry(*s),
			RetryCount: s.RetryCount,
		})

	default:
		return plan, fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, stepID, from, status)
	}

	next.UpdatedAt = now
	p.recomputeStatus(&next, now)
	next.Context.TaskPlan = RenderTaskPlan(next, now)
	return next, nil
}

func (p *Planner) recomputeStatus(plan *Plan, now time.Time) {
	allTerminal := len(plan.Steps) > 0
	anyStarted := false
	for _, s := range plan.Steps {
		if !s.Status.Terminal() {
			allTerminal = false
		}
		if s.Status != StepPending {
			anyStarted = true
		}
	}

	switch {
	case allTerminal && plan.Status != StatusComplete && plan.Status != StatusFailed:
		plan.Status = StatusComplete
		plan.CompletedAt = &now
		plan.TotalDurationMs = now.Sub(plan.CreatedAt).Milliseconds()
		done, failed, _ := plan.Counts()
		p.setStatus(plan, StatusComplete)
		p.bus.Publish(plan.ID, eventbus.PlanComplete, eventbus.PlanCompletePayload{
			TotalDurationMs: plan.TotalDurationMs,
			DoneCount:       done,
			FailedCount:     failed,
		})
	case !allTerminal && anyStarted && plan.Status != StatusExecuting:
		plan.CompletedAt = nil
		plan.TotalDurationMs = 0
		p.setStatus(plan, StatusExecuting)
	}
}

func (p *Planner) setStatus(plan *Plan, status Status) {
	plan.Status = status
	p.bus.Publish(plan.ID, eventbus.StatusChange, eventbus.StatusChangePayload{Status: string(status)})
}

// Abort skips every unfinished step. The plan then completes like any
// other, with the reason kept in its notes.
func (p *Planner) Abort(plan Plan, reason string) Plan {
	now := p.now()
	next := plan.clone()
	for i := range next.Steps {
		s := &next.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		s.Status = StepSkipped
		s.Result = SkippedResult
		s.CompletedAt = &now
		p.bus.Publish(plan.ID, eventbus.StepComplete, eventbus.StepCompletePayload{
			StepID: s.ID,
			Result: SkippedResult,
		})
	}
	if reason != "" {
		next = AddNotes(next, "Aborted: "+reason)
	}
	next.UpdatedAt = now
	p.recomputeStatus(&next, now)
	next.Context.TaskPlan = RenderTaskPlan(next, now)
	return next
}

func elapsed(start *time.Time, now time.Time) int64 {
	if start == nil {
		return 0
	}
	return now.Sub(*start).Milliseconds()
}

func titleFrom(goal string) string {
	title := strings.Join(strings.Fields(goal), " ")
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
	}
	if title == "" {
		title = "Untitled task"
	}
	return title
}
