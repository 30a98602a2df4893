package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/models"
)

// Default auto-approval thresholds for full-autonomy repos, overridable per
// repo via settings.auto_approve.
const (
	defaultSpecMinConfidence = 8.0
	defaultMergeMinScore     = 9.0
	defaultMergeMinCoverage  = 80.0
)

const approvalColumns = `id, repo_id, approval_type, title, description, context,
	submitted_by, status, reviewer_notes, forge_ref, created_at, reviewed_at`

// CreateApproval inserts a pending approval. For repos in full autonomy
// mode the auto-approval policy is evaluated here, at the create boundary:
// an eligible approval is approved immediately (with its follow-up effects)
// before anyone can observe it as pending.
func (o *Orchestrator) CreateApproval(ctx context.Context, a models.Approval) (*models.Approval, error) {
	if a.ApprovalType == "" {
		return nil, fmt.Errorf("approval type is required")
	}
	a.ID = uuid.NewString()
	a.Status = models.ApprovalPending
	a.CreatedAt = models.Now()

	if _, err := o.db.Insert(ctx, "approvals", &a); err != nil {
		return nil, fmt.Errorf("inserting approval: %w", err)
	}
	slog.Info("approval created",
		"approval_id", a.ID, "type", a.ApprovalType, "repo_id", a.RepoID, "title", a.Title)

	if o.autoApproveEligible(ctx, &a) {
		if err := o.Approve(ctx, a.ID, "auto-approved: thresholds met", "auto-approval"); err != nil {
			slog.Warn("auto-approval failed, approval left pending",
				"approval_id", a.ID, "error", err)
		} else {
			a.Status = models.ApprovalApproved
			return &a, nil
		}
	}

	if o.notifier != nil {
		o.notifier.ApprovalRequested(ctx, &a)
	}
	return &a, nil
}

// autoApproveEligible applies the repo's thresholds to the approval context.
// Guided repos never auto-approve.
func (o *Orchestrator) autoApproveEligible(ctx context.Context, a *models.Approval) bool {
	if a.RepoID == "" {
		return false
	}
	repo, err := o.GetRepo(ctx, a.RepoID)
	if err != nil || repo == nil || repo.AutonomyMode != models.AutonomyFull {
		return false
	}

	thresholds := repo.ParsedSettings().AutoApprove
	specMin := thresholds.SpecMinConfidence
	if specMin == 0 {
		specMin = defaultSpecMinConfidence
	}
	mergeMinScore := thresholds.MergeMinScore
	if mergeMinScore == 0 {
		mergeMinScore = defaultMergeMinScore
	}
	mergeMinCoverage := thresholds.MergeMinCoverage
	if mergeMinCoverage == 0 {
		mergeMinCoverage = defaultMergeMinCoverage
	}

	var fields struct {
		Confidence   float64 `json:"confidence"`
		Score        float64 `json:"score"`
		TestCoverage float64 `json:"test_coverage"`
	}
	if a.Context != "" {
		if err := json.Unmarshal([]byte(a.Context), &fields); err != nil {
			return false
		}
	}

	switch a.ApprovalType {
	case models.ApprovalSpec:
		return fields.Confidence >= specMin
	case models.ApprovalMerge:
		return fields.Score >= mergeMinScore && fields.TestCoverage >= mergeMinCoverage
	}
	return false
}

// Approve flips a pending approval to approved. For spec approvals the
// follow-up implementation task is created in the same transaction, so an
// approved spec can never be observed without it. Merge approvals publish a
// notification only.
func (o *Orchestrator) Approve(ctx context.Context, approvalID, notes, approvedBy string) error {
	approval, err := o.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval == nil {
		return fmt.Errorf("approval %s not found", approvalID)
	}

	var implTask *models.Task
	err = o.db.Tx(ctx, func(q database.Querier) error {
		n, err := q.ExecAffected(ctx,
			`UPDATE approvals SET status = ?, reviewer_notes = ?, reviewed_at = ?
			  WHERE id = ? AND status = ?`,
			models.ApprovalApproved, notes, models.Now(),
			approvalID, models.ApprovalPending)
		if err != nil {
			return fmt.Errorf("approving %s: %w", approvalID, err)
		}
		if n == 0 {
			return fmt.Errorf("approval %s is not pending", approvalID)
		}

		if approval.ApprovalType == models.ApprovalSpec {
			payload, _ := json.Marshal(map[string]string{
				"title":       approval.Title,
				"approval_id": approval.ID,
				"forge_ref":   approval.ForgeRef,
			})
			implTask = &models.Task{
				ID:           uuid.NewString(),
				RepoID:       approval.RepoID,
				Type:         "implement_spec",
				Priority:     7,
				Payload:      string(payload),
				Status:       models.TaskPending,
				CreatedBy:    approvedBy,
				CreatedAt:    models.Now(),
				ParentTaskID: approval.ID,
			}
			if _, err := q.Insert(ctx, "tasks", implTask); err != nil {
				return fmt.Errorf("creating implementation task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("approval approved",
		"approval_id", approvalID, "type", approval.ApprovalType, "by", approvedBy)
	if implTask != nil {
		o.bus.PublishTaskCreated(ctx, implTask.RepoID, implTask.ID, implTask.Type)
	}
	if approval.ApprovalType == models.ApprovalMerge {
		o.bus.PublishAlert(ctx, "merge_approved", map[string]string{
			"approval_id": approvalID, "repo_id": approval.RepoID, "forge_ref": approval.ForgeRef,
		})
	}
	return nil
}

// Reject flips a pending approval to rejected with reviewer notes.
func (o *Orchestrator) Reject(ctx context.Context, approvalID, notes, rejectedBy string) error {
	n, err := o.db.ExecAffected(ctx,
		`UPDATE approvals SET status = ?, reviewer_notes = ?, reviewed_at = ?
		  WHERE id = ? AND status = ?`,
		models.ApprovalRejected, notes, models.Now(),
		approvalID, models.ApprovalPending)
	if err != nil {
		return fmt.Errorf("rejecting %s: %w", approvalID, err)
	}
	if n == 0 {
		return fmt.Errorf("approval %s is not pending", approvalID)
	}
	slog.Info("approval rejected", "approval_id", approvalID, "by", rejectedBy)
	return nil
}

// GetApproval fetches one approval by id, or nil when absent.
func (o *Orchestrator) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	var rows []models.Approval
	err := o.db.Select(ctx, &rows,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("fetching approval %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PendingApprovals lists approvals awaiting review, oldest first.
func (o *Orchestrator) PendingApprovals(ctx context.Context, repoID string) ([]models.Approval, error) {
	var rows []models.Approval
	var err error
	if repoID != "" {
		err = o.db.Select(ctx, &rows,
			`SELECT `+approvalColumns+` FROM approvals
			  WHERE status = ? AND repo_id = ? ORDER BY created_at ASC`,
			models.ApprovalPending, repoID)
	} else {
		err = o.db.Select(ctx, &rows,
			`SELECT `+approvalColumns+` FROM approvals
			  WHERE status = ? ORDER BY created_at ASC`, models.ApprovalPending)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	return rows, nil
}
