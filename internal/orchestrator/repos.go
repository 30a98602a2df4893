package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/autodev-ai/autodev/models"
)

const repoColumns = `id, name, provider, forge_base_url, project_ref, slug,
	default_branch, autonomy_mode, settings, active, created_at, updated_at`

// CreateRepo registers a new tenant. Slug must be unique.
func (o *Orchestrator) CreateRepo(ctx context.Context, repo models.Repo) (*models.Repo, error) {
	if repo.Slug == "" || repo.Provider == "" {
		return nil, fmt.Errorf("repo requires slug and provider")
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.AutonomyMode == "" {
		repo.AutonomyMode = models.AutonomyGuided
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	repo.Active = true
	repo.CreatedAt = models.Now()
	repo.UpdatedAt = repo.CreatedAt

	if _, err := o.db.Insert(ctx, "repos", &repo); err != nil {
		return nil, fmt.Errorf("inserting repo %s: %w", repo.Slug, err)
	}
	return &repo, nil
}

// UpdateRepo persists mutable repo fields.
func (o *Orchestrator) UpdateRepo(ctx context.Context, repo *models.Repo) error {
	repo.UpdatedAt = models.Now()
	n, err := o.db.ExecAffected(ctx,
		`UPDATE repos SET name = ?, forge_base_url = ?, project_ref = ?, default_branch = ?,
		        autonomy_mode = ?, settings = ?, active = ?, updated_at = ?
		  WHERE id = ?`,
		repo.Name, repo.ForgeBaseURL, repo.ProjectRef, repo.DefaultBranch,
		repo.AutonomyMode, repo.Settings, repo.Active, repo.UpdatedAt, repo.ID)
	if err != nil {
		return fmt.Errorf("updating repo %s: %w", repo.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %s not found", repo.ID)
	}
	return nil
}

// UpdateRepoSettings merges fn's changes into the repo's settings JSON.
func (o *Orchestrator) UpdateRepoSettings(ctx context.Context, repoID string, fn func(*models.RepoSettings)) error {
	repo, err := o.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("repo %s not found", repoID)
	}
	settings := repo.ParsedSettings()
	fn(&settings)
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	repo.Settings = string(data)
	return o.UpdateRepo(ctx, repo)
}

// DeactivateRepo soft-deletes a repo; its rows remain for history.
func (o *Orchestrator) DeactivateRepo(ctx context.Context, repoID string) error {
	n, err := o.db.ExecAffected(ctx,
		`UPDATE repos SET active = 0, updated_at = ? WHERE id = ?`, models.Now(), repoID)
	if err != nil {
		return fmt.Errorf("deactivating repo %s: %w", repoID, err)
	}
	if n == 0 {
		return fmt.Errorf("repo %s not found", repoID)
	}
	return nil
}

// DeleteRepo hard-deletes a repo row.
func (o *Orchestrator) DeleteRepo(ctx context.Context, repoID string) error {
	return o.db.Exec(ctx, `DELETE FROM repos WHERE id = ?`, repoID)
}

// GetRepo fetches a repo by id, or nil when absent.
func (o *Orchestrator) GetRepo(ctx context.Context, id string) (*models.Repo, error) {
	var rows []models.Repo
	if err := o.db.Select(ctx, &rows,
		`SELECT `+repoColumns+` FROM repos WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("fetching repo %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetRepoBySlug fetches a repo by its unique slug, or nil when absent.
func (o *Orchestrator) GetRepoBySlug(ctx context.Context, slug string) (*models.Repo, error) {
	var rows []models.Repo
	if err := o.db.Select(ctx, &rows,
		`SELECT `+repoColumns+` FROM repos WHERE slug = ?`, slug); err != nil {
		return nil, fmt.Errorf("fetching repo by slug %s: %w", slug, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetRepoByProjectRef resolves a forge project path or numeric id to an
// active repo. Used by the webhook router; nil means unknown tenant.
func (o *Orchestrator) GetRepoByProjectRef(ctx context.Context, ref string) (*models.Repo, error) {
	repos, err := o.ListRepos(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].MatchesProjectRef(ref) {
			return &repos[i], nil
		}
	}
	return nil, nil
}

// ListRepos returns repos, optionally only active ones.
func (o *Orchestrator) ListRepos(ctx context.Context, activeOnly bool) ([]models.Repo, error) {
	query := `SELECT ` + repoColumns + ` FROM repos ORDER BY slug`
	if activeOnly {
		query = `SELECT ` + repoColumns + ` FROM repos WHERE active = 1 ORDER BY slug`
	}
	var rows []models.Repo
	if err := o.db.Select(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	return rows, nil
}
