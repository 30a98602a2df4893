package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

// Result is the webhook response body.
type Result struct {
	Status  string   `json:"status"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Message string   `json:"message,omitempty"`
}

func ignored(msg string) *Result { return &Result{Status: "ignored", Message: msg} }

// route looks up the trigger table, evaluates conditions and creates one task
// per matching route.
func (s *Server) route(ctx context.Context, repo *models.Repo, ev *Event) *Result {
	routes, ok := s.lookupRoutes(ev)
	if !ok {
		return ignored("no route for " + ev.RouteKey())
	}
	if len(routes) == 0 {
		return ignored("route disabled for " + ev.RouteKey())
	}

	// Issue events are deduplicated across redeliveries, keyed by issue id
	// and action. The key is only recorded once a task was actually created,
	// so a delivery that fails its conditions stays re-routable.
	var dedupID string
	if ev.Type == "issue" {
		if eventID := issueEventID(ev); eventID != "" {
			seen, err := s.orch.EventSeen(ctx, eventID, repo.ID, ev.Action)
			if err != nil {
				slog.Warn("event dedup lookup failed", "repo", repo.Slug, "error", err)
			} else if seen {
				return ignored("duplicate delivery")
			}
			dedupID = eventID
		}
	}

	cc := condContextFor(ev, repo.AutonomyMode)
	priority := eventPriority(ev)

	var taskIDs []string
	for _, rt := range routes {
		if !evalCondition(rt.Condition, cc) {
			continue
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			slog.Error("encoding webhook payload", "repo", repo.Slug, "error", err)
			continue
		}
		task, err := s.orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
			RepoID:     repo.ID,
			Type:       rt.TaskType,
			Payload:    payload,
			Priority:   priority,
			CreatedBy:  "webhook",
			AssignedTo: rt.Agent,
		})
		if err != nil {
			slog.Error("creating task from webhook", "repo", repo.Slug, "task_type", rt.TaskType, "error", err)
			continue
		}
		slog.Info("webhook routed",
			"repo", repo.Slug, "event", ev.RouteKey(),
			"task_id", task.ID, "agent", rt.Agent, "priority", priority)
		taskIDs = append(taskIDs, task.ID)
	}

	if len(taskIDs) == 0 {
		return ignored("conditions not met for " + ev.RouteKey())
	}
	if dedupID != "" {
		if err := s.orch.MarkEventProcessed(ctx, dedupID, repo.ID, ev.Action); err != nil {
			slog.Warn("marking event processed failed", "repo", repo.Slug, "error", err)
		}
	}
	return &Result{
		Status:  "accepted",
		TaskIDs: taskIDs,
		Message: fmt.Sprintf("%d task(s) created", len(taskIDs)),
	}
}

// lookupRoutes resolves the trigger entry for the event. The exact
// "type:action" key wins; the bare "type" key only applies when no action-
// qualified entry claimed the event. A present-but-null entry is an explicit
// ignore and returns (nil, true) with no routes.
func (s *Server) lookupRoutes(ev *Event) ([]config.RouteConfig, bool) {
	triggers := s.cfg.Webhook.Triggers
	rc, ok := triggers[ev.RouteKey()]
	if !ok && ev.Action != "" {
		rc, ok = triggers[ev.Type]
	}
	if !ok {
		return nil, false
	}
	if rc == nil {
		return nil, true
	}
	var routes []config.RouteConfig
	if rc.TaskType != "" {
		routes = append(routes, config.RouteConfig{
			Agent:     rc.Agent,
			TaskType:  rc.TaskType,
			Condition: rc.Condition,
		})
	}
	routes = append(routes, rc.Parallel...)
	return routes, true
}

// issueEventID extracts a stable per-issue identifier for dedup.
func issueEventID(ev *Event) string {
	attrs, _ := ev.Payload["object_attributes"].(map[string]any)
	if attrs == nil {
		return ""
	}
	if id, ok := attrs["id"].(float64); ok {
		return fmt.Sprintf("issue-%.0f", id)
	}
	if iid, ok := attrs["iid"].(float64); ok {
		return fmt.Sprintf("issue-iid-%.0f", iid)
	}
	return ""
}
