package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/autodev-ai/autodev/models"
)

// AgentOfflineAfter is how stale a heartbeat may be before the agent row is
// treated as offline by readers.
const AgentOfflineAfter = 5 * time.Minute

// UpdateAgentStatus upserts the heartbeat row for one agent. Called by the
// runner on every loop transition.
func (o *Orchestrator) UpdateAgentStatus(ctx context.Context, st models.AgentStatus) error {
	if st.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	st.LastHeartbeat = models.Now()
	if err := o.db.Upsert(ctx, "agent_status", &st, []string{"agent_id", "repo_id"}); err != nil {
		return fmt.Errorf("updating status for %s: %w", st.AgentID, err)
	}
	return nil
}

// AddAgentUsage accumulates counters on an agent's status row without
// disturbing the rest of it.
func (o *Orchestrator) AddAgentUsage(ctx context.Context, agentID, repoID string, tasksCompleted int, tokensUsed int64) error {
	n, err := o.db.ExecAffected(ctx,
		`UPDATE agent_status
		    SET tasks_completed = tasks_completed + ?, tokens_used = tokens_used + ?, last_heartbeat = ?
		  WHERE agent_id = ? AND repo_id = ?`,
		tasksCompleted, tokensUsed, models.Now(), agentID, repoID)
	if err != nil {
		return fmt.Errorf("accumulating usage for %s: %w", agentID, err)
	}
	if n == 0 {
		return o.UpdateAgentStatus(ctx, models.AgentStatus{
			AgentID: agentID, RepoID: repoID, Status: models.AgentIdle,
			TasksCompleted: tasksCompleted, TokensUsed: tokensUsed,
		})
	}
	return nil
}

// ListAgentStatuses returns every agent row. Rows older than
// AgentOfflineAfter should be rendered as offline by callers.
func (o *Orchestrator) ListAgentStatuses(ctx context.Context) ([]models.AgentStatus, error) {
	var rows []models.AgentStatus
	err := o.db.Select(ctx, &rows,
		`SELECT agent_id, repo_id, status, current_task_id, last_heartbeat,
		        tasks_completed, tokens_used
		   FROM agent_status ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agent statuses: %w", err)
	}
	return rows, nil
}

// AgentOffline reports whether a status row's heartbeat has gone stale.
func AgentOffline(st models.AgentStatus) bool {
	t, err := models.ParseTime(st.LastHeartbeat)
	if err != nil {
		return true
	}
	return time.Since(t) > AgentOfflineAfter
}
