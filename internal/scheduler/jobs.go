package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

// pollIssues backstops webhooks: it lists open issues updated since each
// repo's polling cursor and emits triage tasks for any the webhook path
// missed. The processed-events table keeps the two paths from double-filing.
func (s *Scheduler) pollIssues(ctx context.Context) error {
	repos, err := s.orch.ListRepos(ctx, true)
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}

	for i := range repos {
		repo := &repos[i]
		if !jobEnabledForRepo(repo, jobPollIssues) {
			continue
		}
		if err := s.pollRepoIssues(ctx, repo); err != nil {
			slog.Warn("scheduler: polling issues failed", "repo", repo.Slug, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) pollRepoIssues(ctx context.Context, repo *models.Repo) error {
	provider, err := s.forgeFor(repo)
	if err != nil {
		return err
	}

	var since time.Time
	if cursor := repo.ParsedSettings().Polling.LastPolledAt; cursor != "" {
		since, _ = models.ParseTime(cursor)
	}
	pollStart := time.Now().UTC()

	issues, err := provider.ListOpenIssues(ctx, repo.ProjectRef, since)
	if err != nil {
		return err
	}

	created := 0
	for _, issue := range issues {
		eventID := fmt.Sprintf("issue-%d", issue.ID)
		seen, err := s.orch.EventSeen(ctx, eventID, repo.ID, "open")
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"source":      "poller",
			"issue_id":    issue.ID,
			"issue_iid":   issue.Number,
			"title":       issue.Title,
			"description": issue.Body,
			"labels":      issue.Labels,
			"web_url":     issue.WebURL,
			"author":      issue.Author,
		})
		task, err := s.orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
			RepoID:     repo.ID,
			Type:       "triage_issue",
			Payload:    payload,
			Priority:   scheduledTaskPriority + 1,
			CreatedBy:  "scheduler",
			AssignedTo: "pm",
		})
		if err != nil {
			return err
		}
		if err := s.orch.MarkEventProcessed(ctx, eventID, repo.ID, "open"); err != nil {
			return err
		}
		if task != nil {
			// Best-effort acknowledgement so issue authors see the pickup.
			ack := fmt.Sprintf("autodev queued this issue for triage (task `%s`).", task.ID)
			if err := provider.CommentOnIssue(ctx, repo.ProjectRef, issue.Number, ack); err != nil {
				slog.Debug("scheduler: ack comment failed", "repo", repo.Slug, "issue", issue.Number, "error", err)
			}
			created++
		}
	}

	// Advance the cursor only after a fully successful pass, so a failed run
	// gets retried from the same point.
	err = s.orch.UpdateRepoSettings(ctx, repo.ID, func(settings *models.RepoSettings) {
		settings.Polling.LastPolledAt = models.FormatTime(pollStart)
	})
	if err != nil {
		return err
	}

	if created > 0 {
		slog.Info("scheduler: polled issues", "repo", repo.Slug, "new_tasks", created)
	}
	return nil
}

// autoFeature emits feature-brief tasks while the product guidance checklist
// still has unchecked items and the forge issue backlog is under the cap.
func (s *Scheduler) autoFeature(ctx context.Context, at time.Time) error {
	cfg := s.cfg.Product.AutoFeatureCreation
	if !cfg.Enabled {
		return nil
	}

	remaining, err := uncheckedItems(cfg.GuidancePath)
	if err != nil {
		return fmt.Errorf("reading guidance checklist: %w", err)
	}
	if len(remaining) == 0 {
		slog.Debug("scheduler: guidance checklist complete, skipping auto feature creation")
		return nil
	}

	repos, err := s.orch.ListRepos(ctx, true)
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}

	for i := range repos {
		repo := &repos[i]
		if !jobEnabledForRepo(repo, jobAutoFeature) {
			continue
		}

		provider, err := s.forgeFor(repo)
		if err != nil {
			slog.Warn("scheduler: no forge client", "repo", repo.Slug, "error", err)
			continue
		}
		var labels []string
		if cfg.Label != "" {
			labels = []string{cfg.Label}
		}
		open, err := provider.CountOpenIssues(ctx, repo.ProjectRef, labels)
		if err != nil {
			slog.Warn("scheduler: counting open issues failed", "repo", repo.Slug, "error", err)
			continue
		}
		if cfg.MaxOpenIssues > 0 && open >= cfg.MaxOpenIssues {
			slog.Debug("scheduler: open issue cap reached", "repo", repo.Slug, "open", open)
			continue
		}

		maxNew := cfg.MaxNewIssuesPerRun
		if maxNew <= 0 {
			maxNew = 1
		}
		payload, _ := json.Marshal(map[string]any{
			"source":          "scheduler",
			"job_name":        jobAutoFeature,
			"scheduled_time":  at.Format(time.RFC3339),
			"guidance_items":  remaining,
			"max_new_issues":  maxNew,
			"issue_label":     cfg.Label,
			"open_issues_now": open,
		})
		_, err = s.orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
			RepoID:     repo.ID,
			Type:       "auto_feature_creation",
			Payload:    payload,
			Priority:   scheduledTaskPriority,
			CreatedBy:  "scheduler",
			AssignedTo: "pm",
		})
		if err != nil {
			slog.Warn("scheduler: creating feature task failed", "repo", repo.Slug, "error", err)
		}
	}
	return nil
}

// uncheckedItems returns the "- [ ]" entries remaining in a markdown
// checklist.
func uncheckedItems(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var items []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "- [ ]"); ok {
			if item := strings.TrimSpace(rest); item != "" {
				items = append(items, item)
			}
		}
	}
	return items, nil
}
