package models

// Task outcome classifications.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// TaskOutcome is an append-only analytics record written when a worker
// session ends. It is never read back by task-state logic.
type TaskOutcome struct {
	ID              int64   `json:"id"               db:"id"`
	TaskID          string  `json:"task_id"          db:"task_id"`
	AgentID         string  `json:"agent_id"         db:"agent_id"`
	TaskType        string  `json:"task_type"        db:"task_type"`
	Outcome         string  `json:"outcome"          db:"outcome"`
	DurationSeconds float64 `json:"duration_seconds" db:"duration_seconds"`
	ErrorSummary    string  `json:"error_summary"    db:"error_summary"`
	ContextSummary  string  `json:"context_summary"  db:"context_summary"`
	CreatedAt       string  `json:"created_at"       db:"created_at"`
}
