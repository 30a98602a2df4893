package orchestrator

import (
	"context"
	"fmt"

	"github.com/autodev-ai/autodev/models"
)

// RecordOutcome appends one analytics row for a finished worker session.
// Outcomes are write-only from the orchestrator's point of view and are
// never consulted by task-state logic.
func (o *Orchestrator) RecordOutcome(ctx context.Context, out models.TaskOutcome) error {
	if out.TaskID == "" || out.AgentID == "" {
		return fmt.Errorf("outcome requires task_id and agent_id")
	}
	if out.CreatedAt == "" {
		out.CreatedAt = models.Now()
	}
	if _, err := o.db.Insert(ctx, "task_outcomes", &out); err != nil {
		return fmt.Errorf("recording outcome for %s: %w", out.TaskID, err)
	}
	return nil
}

// OutcomesForTask returns the outcome history of a task, oldest first.
func (o *Orchestrator) OutcomesForTask(ctx context.Context, taskID string) ([]models.TaskOutcome, error) {
	var rows []models.TaskOutcome
	err := o.db.Select(ctx, &rows,
		`SELECT id, task_id, agent_id, task_type, outcome, duration_seconds,
		        error_summary, context_summary, created_at
		   FROM task_outcomes WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes for %s: %w", taskID, err)
	}
	return rows, nil
}
