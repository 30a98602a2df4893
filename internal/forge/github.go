package forge

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHubProvider implements Provider for GitHub.
type GitHubProvider struct {
	client *gogithub.Client
	token  string
}

// NewGitHub creates a GitHubProvider authenticated with token.
func NewGitHub(token string) *GitHubProvider {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &GitHubProvider{client: gogithub.NewClient(tc), token: token}
}

func (g *GitHubProvider) Name() string      { return "github" }
func (g *GitHubProvider) AuthToken() string { return g.token }

func (g *GitHubProvider) ListOpenIssues(ctx context.Context, project string, since time.Time) ([]Issue, error) {
	owner, name, err := splitProject(project)
	if err != nil {
		return nil, err
	}

	var out []Issue
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		var issues []*gogithub.Issue
		err := withRetry(ctx, func() error {
			var apiErr error
			issues, _, apiErr = g.client.Issues.ListByRepo(ctx, owner, name, opts)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing GitHub issues for %s: %w", project, err)
		}
		for _, is := range issues {
			// Pull requests surface in the issues API too.
			if is == nil || is.PullRequestLinks != nil {
				continue
			}
			out = append(out, convertGitHubIssue(is))
		}
		if len(issues) < 100 {
			return out, nil
		}
		opts.Page++
	}
}

func (g *GitHubProvider) CountOpenIssues(ctx context.Context, project string, labels []string) (int, error) {
	owner, name, err := splitProject(project)
	if err != nil {
		return 0, err
	}
	count := 0
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		issues, _, err := g.client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return 0, fmt.Errorf("counting GitHub issues for %s: %w", project, err)
		}
		for _, is := range issues {
			if is != nil && is.PullRequestLinks == nil {
				count++
			}
		}
		if len(issues) < 100 {
			return count, nil
		}
		opts.Page++
	}
}

func (g *GitHubProvider) CreateIssue(ctx context.Context, project string, opts IssueOptions) (*Issue, error) {
	owner, name, err := splitProject(project)
	if err != nil {
		return nil, err
	}
	req := &gogithub.IssueRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
	}
	if len(opts.Labels) > 0 {
		req.Labels = &opts.Labels
	}
	var is *gogithub.Issue
	err = withRetry(ctx, func() error {
		var apiErr error
		is, _, apiErr = g.client.Issues.Create(ctx, owner, name, req)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("creating GitHub issue on %s: %w", project, err)
	}
	issue := convertGitHubIssue(is)
	return &issue, nil
}

func (g *GitHubProvider) CommentOnIssue(ctx context.Context, project string, number int, body string) error {
	owner, name, err := splitProject(project)
	if err != nil {
		return err
	}
	err = withRetry(ctx, func() error {
		_, _, apiErr := g.client.Issues.CreateComment(ctx, owner, name, number,
			&gogithub.IssueComment{Body: gogithub.Ptr(body)})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", project, number, err)
	}
	return nil
}

func (g *GitHubProvider) CreateMergeRequest(ctx context.Context, project string, opts MergeRequestOptions) (*MergeRequest, error) {
	owner, name, err := splitProject(project)
	if err != nil {
		return nil, err
	}
	pr, _, err := g.client.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title:               gogithub.Ptr(opts.Title),
		Body:                gogithub.Ptr(opts.Body),
		Head:                gogithub.Ptr(opts.SourceBranch),
		Base:                gogithub.Ptr(opts.TargetBranch),
		Draft:               gogithub.Ptr(opts.Draft),
		MaintainerCanModify: gogithub.Ptr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating PR on %s: %w", project, err)
	}
	return &MergeRequest{
		ID:           pr.GetID(),
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		WebURL:       pr.GetHTMLURL(),
		State:        pr.GetState(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
	}, nil
}

func (g *GitHubProvider) CommentOnMergeRequest(ctx context.Context, project string, number int, body string) error {
	// PR conversation comments go through the issues API.
	return g.CommentOnIssue(ctx, project, number, body)
}

func (g *GitHubProvider) CreateBranch(ctx context.Context, project string, branch, fromRef string) error {
	owner, name, err := splitProject(project)
	if err != nil {
		return err
	}
	base, _, err := g.client.Git.GetRef(ctx, owner, name, "refs/heads/"+fromRef)
	if err != nil {
		return fmt.Errorf("resolving %s@%s: %w", project, fromRef, err)
	}
	_, _, err = g.client.Git.CreateRef(ctx, owner, name, &gogithub.Reference{
		Ref:    gogithub.Ptr("refs/heads/" + branch),
		Object: base.Object,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s on %s: %w", branch, project, err)
	}
	return nil
}

func (g *GitHubProvider) GetFile(ctx context.Context, project string, path, ref string) ([]byte, error) {
	owner, name, err := splitProject(project)
	if err != nil {
		return nil, err
	}
	fc, _, _, err := g.client.Repositories.GetContents(ctx, owner, name, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("fetching %s:%s: %w", project, path, err)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s:%s: %w", project, path, err)
	}
	return []byte(content), nil
}

func convertGitHubIssue(is *gogithub.Issue) Issue {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		ID:        is.GetID(),
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		Labels:    labels,
		WebURL:    is.GetHTMLURL(),
		Author:    is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
		UpdatedAt: is.GetUpdatedAt().Time,
	}
}
