package orchestrator

import (
	"context"
	"fmt"

	"github.com/autodev-ai/autodev/models"
)

// EventSeen reports whether the (event_id, repo_id, action) triple was
// already processed. Used by the webhook router and the issue poller.
func (o *Orchestrator) EventSeen(ctx context.Context, eventID, repoID, action string) (bool, error) {
	var rows []models.ProcessedEvent
	err := o.db.Select(ctx, &rows,
		`SELECT id, event_id, repo_id, action, processed_at FROM processed_events
		  WHERE event_id = ? AND repo_id = ? AND action = ?`,
		eventID, repoID, action)
	if err != nil {
		return false, fmt.Errorf("checking processed event: %w", err)
	}
	return len(rows) > 0, nil
}

// MarkEventProcessed records the triple. The unique constraint serialises
// concurrent writers; a duplicate collapses into an upsert and is not an
// error.
func (o *Orchestrator) MarkEventProcessed(ctx context.Context, eventID, repoID, action string) error {
	ev := models.ProcessedEvent{
		EventID:     eventID,
		RepoID:      repoID,
		Action:      action,
		ProcessedAt: models.Now(),
	}
	if err := o.db.Upsert(ctx, "processed_events", &ev, []string{"event_id", "repo_id", "action"}); err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	return nil
}
