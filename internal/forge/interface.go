package forge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autodev-ai/autodev/internal/config"
)

// Issue is a provider-neutral view of a forge issue.
type Issue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	Labels    []string
	WebURL    string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MergeRequest is a provider-neutral view of a merge/pull request.
type MergeRequest struct {
	ID           int64
	Number       int
	Title        string
	WebURL       string
	State        string
	SourceBranch string
	TargetBranch string
}

// IssueOptions contains the fields for creating an issue.
type IssueOptions struct {
	Title  string
	Body   string
	Labels []string
}

// MergeRequestOptions contains the fields for opening a merge request.
type MergeRequestOptions struct {
	Title        string
	Body         string
	SourceBranch string
	TargetBranch string
	Draft        bool
}

// Provider abstracts operations against a Git hosting platform.
// Implementations: GitHub, GitLab.
type Provider interface {
	// Name identifies the provider ("github" or "gitlab").
	Name() string

	// ListOpenIssues returns open issues updated at or after since.
	ListOpenIssues(ctx context.Context, project string, since time.Time) ([]Issue, error)

	// CountOpenIssues returns the number of open issues, optionally
	// restricted to those carrying all of the given labels.
	CountOpenIssues(ctx context.Context, project string, labels []string) (int, error)

	// CreateIssue opens a new issue.
	CreateIssue(ctx context.Context, project string, opts IssueOptions) (*Issue, error)

	// CommentOnIssue posts a comment on an existing issue.
	CommentOnIssue(ctx context.Context, project string, number int, body string) error

	// CreateMergeRequest opens a merge request.
	CreateMergeRequest(ctx context.Context, project string, opts MergeRequestOptions) (*MergeRequest, error)

	// CommentOnMergeRequest posts a comment on a merge request.
	CommentOnMergeRequest(ctx context.Context, project string, number int, body string) error

	// CreateBranch creates branch from the given ref.
	CreateBranch(ctx context.Context, project string, branch, fromRef string) error

	// GetFile returns the raw contents of path at ref.
	GetFile(ctx context.Context, project string, path, ref string) ([]byte, error)

	// AuthToken returns the credential used for git clone.
	AuthToken() string
}

// DetectProvider infers the hosting platform from a repository URL.
func DetectProvider(repoURL string) (string, error) {
	lower := strings.ToLower(repoURL)
	switch {
	case strings.Contains(lower, "github."):
		return "github", nil
	case strings.Contains(lower, "gitlab."):
		return "gitlab", nil
	default:
		return "", fmt.Errorf("cannot detect provider from URL %q", repoURL)
	}
}

// New returns the appropriate Provider for the given platform, reading the
// token from the env var named in cfg.
func New(provider string, cfg config.ForgeConfig) (Provider, error) {
	switch provider {
	case "github":
		token := os.Getenv(cfg.GitHubTokenEnv)
		if token == "" {
			return nil, fmt.Errorf("no GitHub token in $%s", cfg.GitHubTokenEnv)
		}
		return NewGitHub(token), nil
	case "gitlab":
		token := os.Getenv(cfg.GitLabTokenEnv)
		if token == "" {
			return nil, fmt.Errorf("no GitLab token in $%s", cfg.GitLabTokenEnv)
		}
		return NewGitLab(token, "")
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// withRetry runs op with exponential backoff for transient forge errors.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(op, bo)
}

// splitProject splits "owner/name" into its parts.
func splitProject(project string) (string, string, error) {
	owner, name, ok := strings.Cut(project, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid project reference %q, want owner/name", project)
	}
	return owner, name, nil
}
