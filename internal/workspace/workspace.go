// Package workspace prepares per-session working copies of managed
// repositories. Workers receive a fresh shallow clone so concurrent sessions
// never share a checkout.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/autodev-ai/autodev/models"
)

// Manager clones repos under a base directory, one subdirectory per session.
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Checkout holds information about a prepared working copy.
type Checkout struct {
	Path   string
	Branch string
	Commit string
}

// Prepare shallow-clones repo's default branch into a session-scoped
// directory and returns the checkout. token is used for HTTPS auth when
// non-empty.
func (m *Manager) Prepare(ctx context.Context, repo *models.Repo, sessionID, token string) (*Checkout, error) {
	dest := filepath.Join(m.baseDir, repo.Slug, sessionID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace parent: %w", err)
	}
	// A leftover directory from a crashed session is stale, not reusable.
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("clearing stale workspace: %w", err)
	}

	cloneOpts := &gogit.CloneOptions{
		URL:   repo.CloneURL(),
		Depth: 1,
	}
	if token != "" {
		cloneOpts.Auth = &githttp.BasicAuth{Username: "autodev", Password: token}
	}
	if repo.DefaultBranch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(repo.DefaultBranch)
		cloneOpts.SingleBranch = true
	}

	slog.Debug("cloning workspace", "repo", repo.Slug, "branch", repo.DefaultBranch, "dest", dest)

	r, err := gogit.PlainCloneContext(ctx, dest, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("cloning %s: %w", repo.Slug, err)
	}
	head, err := r.Head()
	if err != nil {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("resolving HEAD for %s: %w", repo.Slug, err)
	}

	return &Checkout{
		Path:   dest,
		Branch: head.Name().Short(),
		Commit: head.Hash().String(),
	}, nil
}

// Cleanup removes a checkout. Failures are logged, not fatal.
func (m *Manager) Cleanup(co *Checkout) {
	if co == nil || co.Path == "" {
		return
	}
	if err := os.RemoveAll(co.Path); err != nil {
		slog.Warn("failed to clean up workspace", "path", co.Path, "error", err)
	}
}
