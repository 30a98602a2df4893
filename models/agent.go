package models

// Runner-reported agent statuses.
const (
	AgentIdle        = "idle"
	AgentRunning     = "running"
	AgentError       = "error"
	AgentStopped     = "stopped"
	AgentRateLimited = "rate_limited"
	AgentWaiting     = "waiting"
	AgentDisabled    = "disabled"
	AgentOverBudget  = "budget_exceeded"
)

// AgentStatus is the fleet-visible heartbeat row for one agent type.
// A row whose LastHeartbeat is older than the offline threshold is treated
// as offline regardless of Status.
type AgentStatus struct {
	AgentID        string `json:"agent_id"        db:"agent_id"`
	RepoID         string `json:"repo_id"         db:"repo_id"`
	Status         string `json:"status"          db:"status"`
	CurrentTaskID  string `json:"current_task_id" db:"current_task_id"`
	LastHeartbeat  string `json:"last_heartbeat"  db:"last_heartbeat"`
	TasksCompleted int    `json:"tasks_completed" db:"tasks_completed"`
	TokensUsed     int64  `json:"tokens_used"     db:"tokens_used"`
}
