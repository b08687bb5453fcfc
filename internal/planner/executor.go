package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/taskmind/internal/composer"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
)

// ToolInvoker runs a named tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (string, error)
}

// MemoryStore is the part of the memory manager the executor uses.
type MemoryStore interface {
	BuildMemoryContext(ctx context.Context, query string) string
	Store(ctx context.Context, req memory.StoreRequest) (memory.Entry, error)
}

// KnowledgeSearcher finds indexed document chunks for a query.
type KnowledgeSearcher interface {
	HybridSearch(ctx context.Context, query string, topK int) ([]retrieval.ScoredEntry, error)
}

// StepObserver receives execution telemetry. Implemented by the metrics
// package.
type StepObserver interface {
	StepFinished(tool string, status StepStatus, d time.Duration)
	PlanFinished(status Status, d time.Duration)
}

// DefaultKnowledgeResults is how many chunks are handed to each step.
const DefaultKnowledgeResults = 3

// ExecutorConfig wires an Executor. Tools is required; everything else is
// optional.
type ExecutorConfig struct {
	Tools            ToolInvoker
	Memory           MemoryStore
	Search           KnowledgeSearcher
	Retrier          *resilience.Retrier
	Policy           resilience.Config
	Plans            *Plans
	Observer         StepObserver
	KnowledgeResults int
	Logger           *slog.Logger
}

// Executor drives plans step by step. Steps of one plan never run
// concurrently; different plans may.
type Executor struct {
	planner  *Planner
	tools    ToolInvoker
	memory   MemoryStore
	search   KnowledgeSearcher
	retrier  *resilience.Retrier
	policy   resilience.Config
	plans    *Plans
	observer StepObserver
	topK     int
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*planLock
}

// planLock is held per plan while a run or retry is in flight. Entries go
// away with their last holder.
type planLock struct {
	mu   sync.Mutex
	refs int
}

func NewExecutor(p *Planner, cfg ExecutorConfig) *Executor {
	e := &Executor{
		planner:  p,
		tools:    cfg.Tools,
		memory:   cfg.Memory,
		search:   cfg.Search,
		retrier:  cfg.Retrier,
		policy:   cfg.Policy,
		plans:    cfg.Plans,
		observer: cfg.Observer,
		topK:     cfg.KnowledgeResults,
		logger:   cfg.Logger,
		locks:    make(map[string]*planLock),
	}
	if e.retrier == nil {
		e.retrier = resilience.NewRetrier(nil)
	}
	if e.policy.MaxAttempts == 0 {
		e.policy = resilience.DefaultConfig()
	}
	if e.plans == nil {
		e.plans = NewPlans(0)
	}
	if e.topK <= 0 {
		e.topK = DefaultKnowledgeResults
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *Executor) Planner() *Planner { return e.planner }
func (e *Executor) Plans() *Plans     { return e.plans }

// Outcome is the result of handling one inbound message.
type Outcome struct {
	Planned    bool       `json:"planned"`
	Answer     string     `json:"answer"`
	Plan       *Plan      `json:"plan,omitempty"`
	Assessment Assessment `json:"assessment"`
}

// Handle answers message directly or, when it warrants a plan, creates and
// runs one. history holds the earlier turns of the conversation, oldest
// first, and reaches every model call made for message.
func (e *Executor) Handle(ctx context.Context, message string, history ...composer.Turn) (Outcome, error) {
	a := e.planner.Assess(message)
	if !a.Plan {
		bg := e.background(ctx, message)
		bg.history = history
		params := map[string]any{"prompt": message}
		bg.apply(params)
		answer, err := resilience.Retry(ctx, e.retrier, e.policy, "chat", func(ctx context.Context) (string, error) {
			return e.tools.Invoke(ctx, ToolLLM, params)
		})
		if err != nil {
			return Outcome{Assessment: a}, fmt.Errorf("answering message: %w", err)
		}
		return Outcome{Answer: answer, Assessment: a}, nil
	}

	plan := e.planner.CreatePlan(message)
	e.plans.Put(plan)
	plan, err := e.run(ctx, plan, history)
	return Outcome{Planned: true, Answer: finalAnswer(plan), Plan: &plan, Assessment: a}, err
}

// Run executes every pending step of plan in order. Step failures are
// recorded on the step and never returned. A cancelled ctx aborts the
// plan, skipping the remaining steps, and returns ctx.Err().
func (e *Executor) Run(ctx context.Context, plan Plan) (Plan, error) {
	return e.run(ctx, plan, nil)
}

func (e *Executor) run(ctx context.Context, plan Plan, history []composer.Turn) (Plan, error) {
	unlock := e.lock(plan.ID)
	defer unlock()

	ctx = resilience.WithPlanID(ctx, plan.ID)
	e.plans.Put(plan)
	bg := e.background(ctx, plan.Goal)
	bg.history = history
	e.logger.Info("running plan", "plan_id", plan.ID, "steps", len(plan.Steps))

	previous := ""
	for {
		step, ok := GetNextStep(plan)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			plan = e.planner.Abort(plan, err.Error())
			e.plans.Put(plan)
			e.finish(ctx, plan)
			return plan, err
		}
		var result string
		plan, result = e.runStep(ctx, plan, step, previous, bg)
		if result != "" {
			previous = result
		}
	}

	e.finish(ctx, plan)
	return plan, nil
}

// RetryStep runs a failed step again if CanRetry allows it.
func (e *Executor) RetryStep(ctx context.Context, planID, stepID string) (Plan, error) {
	unlock := e.lock(planID)
	defer unlock()

	plan, ok := e.plans.Get(planID)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	step, ok := plan.Step(stepID)
	if !ok {
		return plan, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if !CanRetry(step) {
		return plan, fmt.Errorf("%w: %s is %s after %d retries", ErrCannotRetry, stepID, step.Status, step.RetryCount)
	}

	ctx = resilience.WithPlanID(ctx, planID)
	bg := e.background(ctx, plan.Goal)
	plan, _ = e.runStep(ctx, plan, step, previousResult(plan, stepID), bg)
	e.finish(ctx, plan)
	return plan, nil
}

func (e *Executor) lock(planID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[planID]
	if !ok {
		l = &planLock{}
		e.locks[planID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.locks, planID)
		}
		e.locksMu.Unlock()
	}
}

// runStep executes one step and returns the updated plan and the step's
// result, empty when it failed.
func (e *Executor) runStep(ctx context.Context, plan Plan, step Step, previous string, bg background) (Plan, string) {
	plan, err := e.planner.UpdateStepStatus(plan, step.ID, StepRunning, "", "")
	if err != nil {
		e.logger.Error("starting step", "plan_id", plan.ID, "step_id", step.ID, "error", err)
		return plan, ""
	}
	e.plans.Put(plan)

	tool := step.Tool
	if tool == "" {
		tool = ToolLLM
	}
	params := stepParams(plan, step, previous, bg)

	start := time.Now()
	result, err := resilience.Retry(ctx, e.retrier, e.policy, "step:"+tool, func(ctx context.Context) (string, error) {
		return e.tools.Invoke(ctx, tool, params)
	})
	took := time.Since(start)

	if err != nil {
		terr := &resilience.ToolError{Tool: tool, Err: err}
		e.logger.Warn("step failed",
			"plan_id", plan.ID,
			"step_id", step.ID,
			"tool", tool,
			"error", err)
		plan, _ = e.planner.UpdateStepStatus(plan, step.ID, StepFailed, "", terr.Error())
		plan = AddNotes(plan, fmt.Sprintf("%s failed: %v", step.Title, err))
		e.plans.Put(plan)
		e.observeStep(tool, StepFailed, took)
		return plan, ""
	}

	result = strings.TrimSpace(result)
	plan, _ = e.planner.UpdateStepStatus(plan, step.ID, StepDone, result, "")
	plan = AddDeliverable(plan, fmt.Sprintf("## %s\n\n%s\n\n", step.Title, result))
	e.plans.Put(plan)
	e.observeStep(tool, StepDone, took)
	e.logger.Debug("step done", "plan_id", plan.ID, "step_id", step.ID, "tool", tool, "duration", took.String())
	return plan, result
}

func (e *Executor) observeStep(tool string, status StepStatus, d time.Duration) {
	if e.observer != nil {
		e.observer.StepFinished(tool, status, d)
	}
}

// finish records a finished plan as a task summary memory.
func (e *Executor) finish(ctx context.Context, plan Plan) {
	if plan.Status != StatusComplete {
		return
	}
	done, failed, _ := plan.Counts()
	e.logger.Info("plan finished",
		"plan_id", plan.ID,
		"status", plan.Status,
		"done", done,
		"failed", failed,
		"duration_ms", plan.TotalDurationMs)
	if e.observer != nil {
		e.observer.PlanFinished(plan.Status, time.Duration(plan.TotalDurationMs)*time.Millisecond)
	}
	if e.memory == nil {
		return
	}

	content := fmt.Sprintf("Task %q %s: %d of %d steps done, %d failed.", plan.Title, plan.Status, done, len(plan.Steps), failed)
	if answer := finalAnswer(plan); answer != "" {
		content += " " + truncateRunes(answer, summaryRunes)
	}
	importance := memory.Useful
	if done == 0 {
		importance = memory.Ambient
	}
	// A plan aborted by its caller still leaves a summary behind.
	_, err := e.memory.Store(context.WithoutCancel(ctx), memory.StoreRequest{
		Type:       memory.TaskSummary,
		Importance: importance,
		Content:    content,
		Metadata: memory.TaskSummaryMeta{
			PlanID:      plan.ID,
			StepCount:   len(plan.Steps),
			FailedCount: failed,
			Tools:       plan.Tools(),
		},
	})
	if err != nil {
		e.logger.Warn("storing task summary", "plan_id", plan.ID, "error", err)
	}
}

const summaryRunes = 400

// background is the memory and knowledge context shared by a plan's steps.
type background struct {
	memory    string
	knowledge string
	history   []composer.Turn
}

func (b background) apply(params map[string]any) {
	if len(b.history) > 0 {
		params["history"] = b.history
	}
	if b.memory != "" {
		params["memory"] = b.memory
	}
	if b.knowledge != "" {
		params["knowledge"] = b.knowledge
	}
}

func (e *Executor) background(ctx context.Context, query string) background {
	var bg background
	if e.memory != nil {
		bg.memory = e.memory.BuildMemoryContext(ctx, query)
	}
	if e.search != nil {
		results, err := e.search.HybridSearch(ctx, query, e.topK)
		if err != nil {
			e.logger.Warn("knowledge search failed, continuing without it", "error", err)
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "[%s#%d] %s\n", r.DocumentID, r.Position, r.Text)
		}
		bg.knowledge = b.String()
	}
	return bg
}

func stepParams(plan Plan, step Step, previous string, bg background) map[string]any {
	params := make(map[string]any, len(step.Params)+6)
	for k, v := range step.Params {
		params[k] = v
	}
	params["goal"] = plan.Goal
	params["step"] = step.Title
	params["description"] = step.Description
	if previous != "" {
		params["previous"] = previous
	}
	if plan.Context.Deliverable != "" {
		params["deliverable"] = plan.Context.Deliverable
	}
	bg.apply(params)
	return params
}

// previousResult is the result of the nearest done step before stepID.
func previousResult(plan Plan, stepID string) string {
	last := ""
	for _, s := range plan.Steps {
		if s.ID == stepID {
			break
		}
		if s.Status == StepDone {
			last = s.Result
		}
	}
	return last
}

// finalAnswer is the summary result, or the deliverable when the summary
// did not run.
func finalAnswer(plan Plan) string {
	if n := len(plan.Steps); n > 0 && plan.Steps[n-1].Status == StepDone {
		return plan.Steps[n-1].Result
	}
	return strings.TrimSpace(plan.Context.Deliverable)
}

func truncateRunes(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
