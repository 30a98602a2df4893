// Package scheduler runs the cron job catalog: recurring tasks for agents
// plus internal maintenance jobs like issue polling.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/forge"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

// internal jobs run maintenance in-process; anything else on the catalog
// emits a task for the named agent.
const (
	jobPollIssues  = "poll_gitlab_issues"
	jobAutoFeature = "auto_feature_creation"
)

// scheduledTaskPriority is the priority of routine cron-emitted tasks; low
// enough that webhook-driven work always preempts them.
const scheduledTaskPriority = 3

// Scheduler evaluates the job catalog once per minute and fires due jobs.
type Scheduler struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator

	mu      sync.Mutex
	lastRun map[string]time.Time // job name → minute it last fired
	forges  map[string]forge.Provider
}

// New creates a Scheduler.
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		orch:    orch,
		lastRun: make(map[string]time.Time),
		forges:  make(map[string]forge.Provider),
	}
}

// Start runs the minute loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Scheduling.Enabled {
		slog.Info("scheduler disabled")
		<-ctx.Done()
		return nil
	}
	slog.Info("scheduler started", "jobs", len(s.cfg.Scheduling.Jobs))

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.Tick(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick evaluates every enabled job against the given instant. Exposed for
// tests; Start calls it once per minute.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for name, job := range s.cfg.Scheduling.Jobs {
		if !job.Enabled {
			continue
		}
		due, err := dueAt(job.Cron, minute)
		if err != nil {
			slog.Warn("scheduler: invalid cron expression", "job", name, "cron", job.Cron, "error", err)
			continue
		}
		if !due || !s.markFired(ctx, name, minute) {
			continue
		}
		s.runJob(ctx, name, job, minute)
	}
}

// markFired records the firing minute, returning false when the job already
// fired this minute. The processed-events table backs the in-memory map so a
// scheduler restarted inside the same minute cannot re-fire a job.
func (s *Scheduler) markFired(ctx context.Context, name string, minute time.Time) bool {
	s.mu.Lock()
	if prev, ok := s.lastRun[name]; ok && prev.Equal(minute) {
		s.mu.Unlock()
		return false
	}
	s.lastRun[name] = minute
	s.mu.Unlock()

	stamp := minute.UTC().Format("2006-01-02T15:04")
	seen, err := s.orch.EventSeen(ctx, "cron-"+name, "", stamp)
	if err != nil {
		slog.Warn("scheduler: fire dedup check failed", "job", name, "error", err)
		return true
	}
	if seen {
		return false
	}
	if err := s.orch.MarkEventProcessed(ctx, "cron-"+name, "", stamp); err != nil {
		slog.Debug("scheduler: recording job fire failed", "job", name, "error", err)
	}
	return true
}

// dueAt reports whether a 5-field cron expression matches the given minute.
func dueAt(expr string, minute time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

func (s *Scheduler) runJob(ctx context.Context, name string, job config.JobConfig, at time.Time) {
	slog.Info("scheduler: job due", "job", name, "agent", job.Agent)
	var err error
	switch name {
	case jobPollIssues:
		err = s.pollIssues(ctx)
	case jobAutoFeature:
		err = s.autoFeature(ctx, at)
	default:
		err = s.emitTasks(ctx, name, job, at)
	}
	if err != nil {
		slog.Error("scheduler: job failed", "job", name, "error", err)
	}
}

// emitTasks creates one task per active repo that has not disabled the job.
func (s *Scheduler) emitTasks(ctx context.Context, name string, job config.JobConfig, at time.Time) error {
	repos, err := s.orch.ListRepos(ctx, true)
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}
	for _, repo := range repos {
		if !jobEnabledForRepo(&repo, name) {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"source":         "scheduler",
			"job_name":       name,
			"scheduled_time": at.Format(time.RFC3339),
			"description":    job.Description,
		})
		task, err := s.orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
			RepoID:     repo.ID,
			Type:       job.TaskType,
			Payload:    payload,
			Priority:   scheduledTaskPriority,
			CreatedBy:  "scheduler",
			AssignedTo: job.Agent,
		})
		if err != nil {
			slog.Warn("scheduler: creating task failed", "job", name, "repo", repo.Slug, "error", err)
			continue
		}
		if task != nil {
			slog.Debug("scheduler: task emitted", "job", name, "repo", repo.Slug, "task_id", task.ID)
		}
	}
	return nil
}

// jobEnabledForRepo honours the repo's per-job override; absent means
// enabled.
func jobEnabledForRepo(repo *models.Repo, jobName string) bool {
	overrides := repo.ParsedSettings().JobOverrides
	if overrides == nil {
		return true
	}
	enabled, ok := overrides[jobName]
	return !ok || enabled
}

// forgeFor returns a cached forge client for the repo's provider.
func (s *Scheduler) forgeFor(repo *models.Repo) (forge.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.forges[repo.Provider]; ok {
		return p, nil
	}
	p, err := forge.New(repo.Provider, s.cfg.Forge)
	if err != nil {
		return nil, err
	}
	s.forges[repo.Provider] = p
	return p, nil
}
