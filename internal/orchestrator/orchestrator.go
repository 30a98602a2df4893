// Package orchestrator implements the task queue protocol: race-free
// claiming, idempotent de-duplication, abandonment recovery, cancellation,
// approvals and outcome recording, all atop the relational store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/models"
)

// DefaultAbandonAfter is how long a claim may sit without progress before
// any eligible claimer recovers it.
const DefaultAbandonAfter = 2 * time.Hour

// claimRetries bounds how often a single ClaimTask call replays its CAS
// after losing a race. Each retry selects a fresh candidate.
const claimRetries = 5

// Notifier receives advisory alerts. Implementations must be best-effort;
// the orchestrator ignores their failures.
type Notifier interface {
	TaskFailed(ctx context.Context, task *models.Task)
	ApprovalRequested(ctx context.Context, a *models.Approval)
}

// Orchestrator is the single authority over task and approval state.
// Constructed once per process and passed to components explicitly.
type Orchestrator struct {
	db           database.DB
	bus          *bus.Bus
	notifier     Notifier
	abandonAfter time.Duration
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithBus attaches the Redis side channels for advisory notifications.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithNotifier attaches an alert sink for failures and approval requests.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithAbandonAfter overrides the claim abandonment timeout.
func WithAbandonAfter(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.abandonAfter = d
		}
	}
}

// New creates an Orchestrator over db.
func New(db database.DB, opts ...Option) *Orchestrator {
	o := &Orchestrator{db: db, abandonAfter: DefaultAbandonAfter}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// taskColumns is the canonical select list, matching models.Task field order.
const taskColumns = `id, repo_id, type, priority, payload, status, assigned_to, created_by,
	created_at, claimed_at, completed_at, result, error, parent_task_id,
	needs_approval, approval_status, approval_type, approved_by, approved_at, rejection_reason`

// CreateTaskOptions parameterises CreateTask. Payload must be valid JSON
// (or empty); the orchestrator treats it as opaque bytes.
type CreateTaskOptions struct {
	RepoID          string
	Type            string
	Payload         json.RawMessage
	Priority        int
	CreatedBy       string
	AssignedTo      string
	ParentTaskID    string
	AllowDuplicates bool
}

// CreateTask inserts a pending task. Priority is clamped to [1,10].
// When AllowDuplicates is false and the payload carries a deduplication
// identifier, creation is rejected (nil, nil) if a pending or claimed task
// of the same type already carries the same identifier.
func (o *Orchestrator) CreateTask(ctx context.Context, opts CreateTaskOptions) (*models.Task, error) {
	if opts.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}

	priority := opts.Priority
	if priority < models.MinPriority {
		priority = models.MinPriority
	}
	if priority > models.MaxPriority {
		priority = models.MaxPriority
	}

	payload := string(opts.Payload)
	if !opts.AllowDuplicates {
		if ident := payloadIdentifier(payload); ident != "" {
			dup, err := o.findDuplicate(ctx, opts.Type, ident)
			if err != nil {
				return nil, err
			}
			if dup {
				slog.Info("task creation rejected as duplicate",
					"type", opts.Type, "identifier", ident)
				return nil, nil
			}
		}
	}

	task := &models.Task{
		ID:           uuid.NewString(),
		RepoID:       opts.RepoID,
		Type:         opts.Type,
		Priority:     priority,
		Payload:      payload,
		Status:       models.TaskPending,
		AssignedTo:   opts.AssignedTo,
		CreatedBy:    opts.CreatedBy,
		CreatedAt:    models.Now(),
		ParentTaskID: opts.ParentTaskID,
	}
	if _, err := o.db.Insert(ctx, "tasks", task); err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	o.bus.PublishTaskCreated(ctx, task.RepoID, task.ID, task.Type)
	slog.Info("task created",
		"task_id", task.ID, "type", task.Type, "repo_id", task.RepoID,
		"priority", task.Priority, "created_by", task.CreatedBy)
	return task, nil
}

// findDuplicate reports whether a pending or claimed task of the same type
// carries the same payload identifier. Payload is opaque to SQL, so
// candidates are compared in memory.
func (o *Orchestrator) findDuplicate(ctx context.Context, taskType, ident string) (bool, error) {
	var rows []models.Task
	err := o.db.Select(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE type = ? AND status IN (?, ?)`,
		taskType, models.TaskPending, models.TaskClaimed)
	if err != nil {
		return false, fmt.Errorf("querying duplicates: %w", err)
	}
	for _, t := range rows {
		if payloadIdentifier(t.Payload) == ident {
			return true, nil
		}
	}
	return false, nil
}

// dedupKeys are the payload fields that identify a task for de-duplication,
// probed in order.
var dedupKeys = []string{"title", "product_name", "name", "product"}

// payloadIdentifier extracts the deduplication identifier from a payload,
// accepting either structured JSON or a bare string value.
func payloadIdentifier(payload string) string {
	if payload == "" {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return ""
	}
	for _, key := range dedupKeys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// ClaimTask atomically transfers one pending task to agentID. Tasks directly
// assigned to the agent bypass the type filter; unassigned tasks must match
// taskTypes. Returns (nil, nil) when nothing is claimable.
//
// Candidates are ordered priority DESC, created_at ASC. The claim itself is
// a conditional update guarded by status = pending; a caller that loses the
// race sees zero rows affected and moves to the next candidate.
func (o *Orchestrator) ClaimTask(ctx context.Context, agentID, repoID string, taskTypes []string) (*models.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	if err := o.RecoverAbandoned(ctx); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < claimRetries; attempt++ {
		candidate, err := o.nextCandidate(ctx, agentID, repoID, taskTypes)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		claimedAt := models.Now()
		n, err := o.db.ExecAffected(ctx,
			`UPDATE tasks SET status = ?, assigned_to = ?, claimed_at = ?
			  WHERE id = ? AND status = ?`,
			models.TaskClaimed, agentID, claimedAt, candidate.ID, models.TaskPending)
		if err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", candidate.ID, err)
		}
		if n == 0 {
			// Lost the race; another claimer got there first.
			continue
		}

		candidate.Status = models.TaskClaimed
		candidate.AssignedTo = agentID
		candidate.ClaimedAt = claimedAt
		slog.Info("task claimed",
			"task_id", candidate.ID, "type", candidate.Type, "agent", agentID)
		return candidate, nil
	}
	return nil, nil
}

// nextCandidate selects the highest-priority oldest pending task matching
// the claim predicate.
func (o *Orchestrator) nextCandidate(ctx context.Context, agentID, repoID string, taskTypes []string) (*models.Task, error) {
	var (
		conds []string
		args  []interface{}
	)
	conds = append(conds, "status = ?")
	args = append(args, models.TaskPending)

	if repoID != "" {
		conds = append(conds, "repo_id = ?")
		args = append(args, repoID)
	}

	if len(taskTypes) > 0 {
		placeholders := strings.Repeat("?, ", len(taskTypes)-1) + "?"
		conds = append(conds, "(assigned_to = ? OR (assigned_to = '' AND type IN ("+placeholders+")))")
		args = append(args, agentID)
		for _, tt := range taskTypes {
			args = append(args, tt)
		}
	} else {
		conds = append(conds, "assigned_to = ?")
		args = append(args, agentID)
	}

	var rows []models.Task
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY priority DESC, created_at ASC LIMIT 1`
	if err := o.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("selecting claim candidate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RecoverAbandoned resets claimed tasks whose stored claimed_at is older
// than the abandonment timeout. Idempotent: the update predicate only
// matches rows still in the abandoned state.
func (o *Orchestrator) RecoverAbandoned(ctx context.Context) error {
	cutoff := models.FormatTime(time.Now().Add(-o.abandonAfter))
	n, err := o.db.ExecAffected(ctx,
		`UPDATE tasks SET status = ?, assigned_to = '', claimed_at = ''
		  WHERE status = ? AND claimed_at <> '' AND claimed_at < ?`,
		models.TaskPending, models.TaskClaimed, cutoff)
	if err != nil {
		return fmt.Errorf("recovering abandoned tasks: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered abandoned tasks", "count", n, "older_than", o.abandonAfter)
	}
	return nil
}

// MarkInProgress records that a worker has started on a claimed task.
// Only the claim owner may transition it.
func (o *Orchestrator) MarkInProgress(ctx context.Context, taskID, agentID string) (bool, error) {
	n, err := o.db.ExecAffected(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND assigned_to = ? AND status = ?`,
		models.TaskInProgress, taskID, agentID, models.TaskClaimed)
	if err != nil {
		return false, fmt.Errorf("marking task %s in progress: %w", taskID, err)
	}
	return n > 0, nil
}

// CompleteTask finishes a task the caller owns: failed when errMsg is
// non-empty, completed otherwise. Returns false when the task is not owned
// by agentID or already terminal (a cancelled task swallows the late
// completion as a no-op).
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, agentID, result, errMsg string) (bool, error) {
	status := models.TaskCompleted
	if errMsg != "" {
		status = models.TaskFailed
	}

	n, err := o.db.ExecAffected(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = ?
		  WHERE id = ? AND assigned_to = ? AND status IN (?, ?)`,
		status, models.Now(), result, errMsg,
		taskID, agentID, models.TaskClaimed, models.TaskInProgress)
	if err != nil {
		return false, fmt.Errorf("completing task %s: %w", taskID, err)
	}
	if n == 0 {
		return false, nil
	}

	slog.Info("task completed", "task_id", taskID, "agent", agentID, "status", status)
	if status == models.TaskFailed {
		if task, err := o.GetTask(ctx, taskID); err == nil && task != nil {
			o.bus.PublishAlert(ctx, "task_failed", map[string]string{
				"task_id": taskID, "type": task.Type, "agent": agentID, "error": errMsg,
			})
			if o.notifier != nil {
				o.notifier.TaskFailed(ctx, task)
			}
		}
	}
	return true, nil
}

// CancelTask cancels a non-terminal task, encoding the reason in error.
// Cancellation is advisory against a live worker: the worker's eventual
// CompleteTask fails its CAS and is treated as a no-op.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason, cancelledBy string) (bool, error) {
	msg := "cancelled"
	if cancelledBy != "" {
		msg += " by " + cancelledBy
	}
	if reason != "" {
		msg += ": " + reason
	}
	n, err := o.db.ExecAffected(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, error = ?
		  WHERE id = ? AND status IN (?, ?, ?)`,
		models.TaskCancelled, models.Now(), msg,
		taskID, models.TaskPending, models.TaskClaimed, models.TaskInProgress)
	if err != nil {
		return false, fmt.Errorf("cancelling task %s: %w", taskID, err)
	}
	if n > 0 {
		slog.Info("task cancelled", "task_id", taskID, "reason", reason, "by", cancelledBy)
	}
	return n > 0, nil
}

// CancelDuplicateTasks cancels all but one pending task whose payload
// identifier equals identifier. The keeper is keepID when given, otherwise
// the highest-priority entry (FIFO tiebreak). Returns how many were
// cancelled.
func (o *Orchestrator) CancelDuplicateTasks(ctx context.Context, identifier, keepID string) (int, error) {
	var rows []models.Task
	err := o.db.Select(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?
		  ORDER BY priority DESC, created_at ASC`,
		models.TaskPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending tasks: %w", err)
	}

	var matches []models.Task
	for _, t := range rows {
		if payloadIdentifier(t.Payload) == identifier {
			matches = append(matches, t)
		}
	}
	if len(matches) <= 1 {
		return 0, nil
	}

	keeper := matches[0].ID
	if keepID != "" {
		for _, t := range matches {
			if t.ID == keepID {
				keeper = keepID
				break
			}
		}
	}

	cancelled := 0
	for _, t := range matches {
		if t.ID == keeper {
			continue
		}
		ok, err := o.CancelTask(ctx, t.ID, fmt.Sprintf("duplicate of %s", keeper), "orchestrator")
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// GetTask fetches one task by id, or nil when absent.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var rows []models.Task
	err := o.db.Select(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// TasksByStatus lists tasks for an agent in the given statuses, oldest claim
// first. Used by runners recovering their own claims after a restart.
func (o *Orchestrator) TasksByStatus(ctx context.Context, agentID string, statuses ...string) ([]models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := []interface{}{agentID}
	for _, s := range statuses {
		args = append(args, s)
	}
	var rows []models.Task
	err := o.db.Select(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks
		  WHERE assigned_to = ? AND status IN (`+placeholders+`)
		  ORDER BY claimed_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s tasks for %s: %w", strings.Join(statuses, "/"), agentID, err)
	}
	return rows, nil
}

// ListTasks returns recent tasks, newest first, optionally filtered by repo.
func (o *Orchestrator) ListTasks(ctx context.Context, repoID string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Task
	var err error
	if repoID != "" {
		err = o.db.Select(ctx, &rows,
			`SELECT `+taskColumns+` FROM tasks WHERE repo_id = ?
			  ORDER BY created_at DESC LIMIT ?`, repoID, limit)
	} else {
		err = o.db.Select(ctx, &rows,
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return rows, nil
}
