package notify

import (
	"context"
	"fmt"

	"github.com/autodev-ai/autodev/models"
)

// OrchestratorNotifier adapts the Dispatcher to the orchestrator's advisory
// alert hooks.
type OrchestratorNotifier struct {
	d *Dispatcher
}

// NewOrchestratorNotifier wraps d.
func NewOrchestratorNotifier(d *Dispatcher) *OrchestratorNotifier {
	return &OrchestratorNotifier{d: d}
}

func (n *OrchestratorNotifier) TaskFailed(ctx context.Context, task *models.Task) {
	n.d.Notify(ctx, Event{
		Type:  "task_failed",
		Title: fmt.Sprintf("Task %s failed", task.Type),
		Body:  task.Error,
		Metadata: map[string]any{
			"task_id": task.ID,
			"repo_id": task.RepoID,
			"agent":   task.AssignedTo,
		},
	})
}

func (n *OrchestratorNotifier) ApprovalRequested(ctx context.Context, a *models.Approval) {
	n.d.Notify(ctx, Event{
		Type:  "approval_requested",
		Title: fmt.Sprintf("Approval needed: %s", a.Title),
		Body:  a.Description,
		Metadata: map[string]any{
			"approval_id":   a.ID,
			"approval_type": a.ApprovalType,
			"repo_id":       a.RepoID,
		},
	})
}
