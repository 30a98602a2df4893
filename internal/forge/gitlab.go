package forge

import (
	"context"
	"fmt"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitLabProvider implements Provider for GitLab (cloud and self-hosted).
type GitLabProvider struct {
	client *gitlab.Client
	token  string
	host   string
}

// NewGitLab creates a GitLabProvider. An empty host means gitlab.com.
func NewGitLab(token, host string) (*GitLabProvider, error) {
	opts := []gitlab.ClientOptionFunc{}
	if host != "" && host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4/", host)))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	return &GitLabProvider{client: client, token: token, host: host}, nil
}

func (g *GitLabProvider) Name() string      { return "gitlab" }
func (g *GitLabProvider) AuthToken() string { return g.token }

func (g *GitLabProvider) ListOpenIssues(ctx context.Context, project string, since time.Time) ([]Issue, error) {
	var out []Issue
	opts := &gitlab.ListProjectIssuesOptions{
		State:       gitlab.Ptr("opened"),
		ListOptions: gitlab.ListOptions{PerPage: 100, Page: 1},
	}
	if !since.IsZero() {
		opts.UpdatedAfter = &since
	}
	for {
		var issues []*gitlab.Issue
		err := withRetry(ctx, func() error {
			var apiErr error
			issues, _, apiErr = g.client.Issues.ListProjectIssues(project, opts, gitlab.WithContext(ctx))
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing GitLab issues for %s: %w", project, err)
		}
		for _, is := range issues {
			if is != nil {
				out = append(out, convertGitLabIssue(is))
			}
		}
		if len(issues) < 100 {
			return out, nil
		}
		opts.Page++
	}
}

func (g *GitLabProvider) CountOpenIssues(ctx context.Context, project string, labels []string) (int, error) {
	opts := &gitlab.ListProjectIssuesOptions{
		State:       gitlab.Ptr("opened"),
		ListOptions: gitlab.ListOptions{PerPage: 100, Page: 1},
	}
	if len(labels) > 0 {
		lo := gitlab.LabelOptions(labels)
		opts.Labels = &lo
	}
	count := 0
	for {
		issues, _, err := g.client.Issues.ListProjectIssues(project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("counting GitLab issues for %s: %w", project, err)
		}
		count += len(issues)
		if len(issues) < 100 {
			return count, nil
		}
		opts.Page++
	}
}

func (g *GitLabProvider) CreateIssue(ctx context.Context, project string, opts IssueOptions) (*Issue, error) {
	createOpts := &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(opts.Title),
		Description: gitlab.Ptr(opts.Body),
	}
	if len(opts.Labels) > 0 {
		lo := gitlab.LabelOptions(opts.Labels)
		createOpts.Labels = &lo
	}
	var is *gitlab.Issue
	err := withRetry(ctx, func() error {
		var apiErr error
		is, _, apiErr = g.client.Issues.CreateIssue(project, createOpts, gitlab.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("creating GitLab issue on %s: %w", project, err)
	}
	issue := convertGitLabIssue(is)
	return &issue, nil
}

func (g *GitLabProvider) CommentOnIssue(ctx context.Context, project string, number int, body string) error {
	err := withRetry(ctx, func() error {
		_, _, apiErr := g.client.Notes.CreateIssueNote(project, int64(number),
			&gitlab.CreateIssueNoteOptions{Body: gitlab.Ptr(body)}, gitlab.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", project, number, err)
	}
	return nil
}

func (g *GitLabProvider) CreateMergeRequest(ctx context.Context, project string, opts MergeRequestOptions) (*MergeRequest, error) {
	mr, _, err := g.client.MergeRequests.CreateMergeRequest(project, &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(opts.Title),
		Description:  gitlab.Ptr(opts.Body),
		SourceBranch: gitlab.Ptr(opts.SourceBranch),
		TargetBranch: gitlab.Ptr(opts.TargetBranch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating MR on %s: %w", project, err)
	}
	return &MergeRequest{
		ID:           int64(mr.ID),
		Number:       int(mr.IID),
		Title:        mr.Title,
		WebURL:       mr.WebURL,
		State:        mr.State,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
	}, nil
}

func (g *GitLabProvider) CommentOnMergeRequest(ctx context.Context, project string, number int, body string) error {
	err := withRetry(ctx, func() error {
		_, _, apiErr := g.client.Notes.CreateMergeRequestNote(project, int64(number),
			&gitlab.CreateMergeRequestNoteOptions{Body: gitlab.Ptr(body)}, gitlab.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("commenting on %s!%d: %w", project, number, err)
	}
	return nil
}

func (g *GitLabProvider) CreateBranch(ctx context.Context, project string, branch, fromRef string) error {
	_, _, err := g.client.Branches.CreateBranch(project, &gitlab.CreateBranchOptions{
		Branch: gitlab.Ptr(branch),
		Ref:    gitlab.Ptr(fromRef),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("creating branch %s on %s: %w", branch, project, err)
	}
	return nil
}

func (g *GitLabProvider) GetFile(ctx context.Context, project string, path, ref string) ([]byte, error) {
	opts := &gitlab.GetRawFileOptions{}
	if ref != "" {
		opts.Ref = gitlab.Ptr(ref)
	}
	raw, _, err := g.client.RepositoryFiles.GetRawFile(project, path, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching %s:%s: %w", project, path, err)
	}
	return raw, nil
}

func convertGitLabIssue(is *gitlab.Issue) Issue {
	issue := Issue{
		ID:     int64(is.ID),
		Number: int(is.IID),
		Title:  is.Title,
		Body:   is.Description,
		Labels: []string(is.Labels),
		WebURL: is.WebURL,
	}
	if is.Author != nil {
		issue.Author = is.Author.Username
	}
	if is.CreatedAt != nil {
		issue.CreatedAt = *is.CreatedAt
	}
	if is.UpdatedAt != nil {
		issue.UpdatedAt = *is.UpdatedAt
	}
	return issue
}
