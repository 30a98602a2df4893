package models

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Approval types for decisions that must not auto-execute.
const (
	ApprovalIssueCreation = "issue_creation"
	ApprovalSpec          = "spec_approval"
	ApprovalMerge         = "merge_approval"
	ApprovalDeploy        = "deploy_approval"
)

// Approval is a decision gate awaiting human (or threshold-based) sign-off.
type Approval struct {
	ID            string `json:"id"             db:"id"`
	RepoID        string `json:"repo_id"        db:"repo_id"`
	ApprovalType  string `json:"approval_type"  db:"approval_type"`
	Title         string `json:"title"          db:"title"`
	Description   string `json:"description"    db:"description"`
	Context       string `json:"context"        db:"context"` // JSON from the submitting agent
	SubmittedBy   string `json:"submitted_by"   db:"submitted_by"`
	Status        string `json:"status"         db:"status"`
	ReviewerNotes string `json:"reviewer_notes" db:"reviewer_notes"`
	ForgeRef      string `json:"forge_ref"      db:"forge_ref"` // issue / MR identifier
	CreatedAt     string `json:"created_at"     db:"created_at"`
	ReviewedAt    string `json:"reviewed_at"    db:"reviewed_at"`
}
