package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Autonomy modes. Guided repos require a human for every approval; full
// autonomy repos may auto-approve when configured thresholds are met.
const (
	AutonomyGuided = "guided"
	AutonomyFull   = "full"
)

// Repo is a tenant: one registered source-forge project that agents work on.
type Repo struct {
	ID            string `json:"id"             db:"id"`
	Name          string `json:"name"           db:"name"`
	Provider      string `json:"provider"       db:"provider"` // gitlab | github
	ForgeBaseURL  string `json:"forge_base_url" db:"forge_base_url"`
	ProjectRef    string `json:"project_ref"    db:"project_ref"` // forge project path or numeric id
	Slug          string `json:"slug"           db:"slug"`        // unique, URL-safe
	DefaultBranch string `json:"default_branch" db:"default_branch"`
	AutonomyMode  string `json:"autonomy_mode"  db:"autonomy_mode"`
	Settings      string `json:"settings"       db:"settings"` // JSON: RepoSettings
	Active        bool   `json:"active"         db:"active"`
	CreatedAt     string `json:"created_at"     db:"created_at"`
	UpdatedAt     string `json:"updated_at"     db:"updated_at"`
}

// RepoSettings is the parsed form of Repo.Settings. Unknown keys are
// preserved by callers that round-trip the raw JSON.
type RepoSettings struct {
	WebhookSecret string                     `json:"webhook_secret,omitempty"`
	Polling       PollingState               `json:"polling,omitempty"`
	AutoApprove   AutoApproveThresholds      `json:"auto_approve,omitempty"`
	JobOverrides  map[string]bool            `json:"job_overrides,omitempty"` // job name → enabled
	Extra         map[string]json.RawMessage `json:"-"`
}

// PollingState tracks the issue-polling cursor for a repo.
type PollingState struct {
	LastPolledAt string `json:"last_polled_at,omitempty"`
}

// AutoApproveThresholds gate auto-approval for full-autonomy repos.
// Zero values disable the corresponding gate.
type AutoApproveThresholds struct {
	SpecMinConfidence float64 `json:"spec_min_confidence,omitempty"` // architect confidence, 0-10
	MergeMinScore     float64 `json:"merge_min_score,omitempty"`     // reviewer score, 0-10
	MergeMinCoverage  float64 `json:"merge_min_coverage,omitempty"`  // test coverage percent
}

// CloneURL builds the HTTPS clone URL from the forge base URL and project
// path.
func (r *Repo) CloneURL() string {
	base := strings.TrimSuffix(r.ForgeBaseURL, "/")
	if base == "" {
		switch r.Provider {
		case "github":
			base = "https://github.com"
		default:
			base = "https://gitlab.com"
		}
	}
	return base + "/" + r.ProjectRef + ".git"
}

// ParsedSettings decodes Settings, tolerating an empty or malformed column.
func (r *Repo) ParsedSettings() RepoSettings {
	var s RepoSettings
	if r.Settings != "" {
		_ = json.Unmarshal([]byte(r.Settings), &s)
	}
	return s
}

// MatchesProjectRef reports whether ref (a forge project path like
// "group/app" or a numeric project id) identifies this repo.
func (r *Repo) MatchesProjectRef(ref string) bool {
	if ref == "" {
		return false
	}
	if r.ProjectRef == ref {
		return true
	}
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if m, err2 := strconv.ParseInt(r.ProjectRef, 10, 64); err2 == nil {
			return n == m
		}
	}
	return false
}
