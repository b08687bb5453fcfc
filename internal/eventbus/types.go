package eventbus

import "time"

// Type identifies a lifecycle event.
type Type string

const (
	PlanStart    Type = "PLAN_START"
	StepAdd      Type = "STEP_ADD"
	StepStart    Type = "STEP_START"
	StepComplete Type = "STEP_COMPLETE"
	StepFail     Type = "STEP_FAIL"
	PlanComplete Type = "PLAN_COMPLETE"
	StatusChange Type = "STATUS_CHANGE"
)

// Event is one published lifecycle notification. Seq is assigned by the bus
// and increases monotonically for the lifetime of the bus (until Reset).
type Event struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id,omitempty"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type PlanStartPayload struct {
	Title     string `json:"title"`
	Goal      string `json:"goal"`
	StepCount int    `json:"step_count"`
}

type StepAddPayload struct {
	StepID string `json:"step_id"`
	Title  string `json:"title"`
	Tool   string `json:"tool,omitempty"`
	Index  int    `json:"index"`
}

type StepStartPayload struct {
	StepID string `json:"step_id"`
	Title  string `json:"title"`
	Tool   string `json:"tool,omitempty"`
}

type StepCompletePayload struct {
	StepID     string `json:"step_id"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

type StepFailPayload struct {
	StepID     string `json:"step_id"`
	Error      string `json:"error"`
	CanRetry   bool   `json:"can_retry"`
	RetryCount int    `json:"retry_count"`
}

type PlanCompletePayload struct {
	TotalDurationMs int64 `json:"total_duration_ms"`
	DoneCount       int   `json:"done_count"`
	FailedCount     int   `json:"failed_count"`
}

// StatusChangePayload reports a status transition of a long-running operation,
// e.g. "retrying" before a backoff wait.
type StatusChangePayload struct {
	Status    string `json:"status"`
	Operation string `json:"operation,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	DelayMs   int64  `json:"delay_ms,omitempty"`
}
