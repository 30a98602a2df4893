package models

// Task statuses. A task is terminal once it reaches Completed, Failed or
// Cancelled; terminal rows are immutable apart from bookkeeping notes.
const (
	TaskPending    = "pending"
	TaskClaimed    = "claimed"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Priority bounds for tasks. CreateTask clamps into this range.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Task is a unit of agent work on the shared queue.
//
// Timestamps are RFC 3339 UTC strings with fixed nanosecond width so that
// lexicographic ordering in SQL matches chronological ordering on every
// backend.
type Task struct {
	ID           string `json:"id"             db:"id"`
	RepoID       string `json:"repo_id"        db:"repo_id"` // empty for global maintenance tasks
	Type         string `json:"type"           db:"type"`
	Priority     int    `json:"priority"       db:"priority"`
	Payload      string `json:"payload"        db:"payload"` // opaque JSON
	Status       string `json:"status"         db:"status"`
	AssignedTo   string `json:"assigned_to"    db:"assigned_to"` // when set, only this agent may claim
	CreatedBy    string `json:"created_by"     db:"created_by"`
	CreatedAt    string `json:"created_at"     db:"created_at"`
	ClaimedAt    string `json:"claimed_at"     db:"claimed_at"`
	CompletedAt  string `json:"completed_at"   db:"completed_at"`
	Result       string `json:"result"         db:"result"` // JSON
	Error        string `json:"error"          db:"error"`
	ParentTaskID string `json:"parent_task_id" db:"parent_task_id"`

	NeedsApproval   bool   `json:"needs_approval"   db:"needs_approval"`
	ApprovalStatus  string `json:"approval_status"  db:"approval_status"`
	ApprovalType    string `json:"approval_type"    db:"approval_type"`
	ApprovedBy      string `json:"approved_by"      db:"approved_by"`
	ApprovedAt      string `json:"approved_at"      db:"approved_at"`
	RejectionReason string `json:"rejection_reason" db:"rejection_reason"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}
