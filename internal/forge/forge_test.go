package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

func newGitHubTestProvider(t *testing.T, handler http.Handler) *GitHubProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := gogithub.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	client.BaseURL = base
	return &GitHubProvider{client: client, token: "gh-token"}
}

func TestGitHubListOpenIssuesFiltersPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		fmt.Fprint(w, `[
			{"id":101,"number":5,"title":"Crash on start","body":"stack trace",
			 "labels":[{"name":"bug"}],"html_url":"https://github.com/acme/app/issues/5",
			 "user":{"login":"sam"},
			 "created_at":"2026-05-01T10:00:00Z","updated_at":"2026-05-02T10:00:00Z"},
			{"id":102,"number":6,"title":"Not an issue","pull_request":{"url":"https://api.github.com/repos/acme/app/pulls/6"}}
		]`)
	})
	p := newGitHubTestProvider(t, mux)

	issues, err := p.ListOpenIssues(context.Background(), "acme/app", time.Time{})
	if err != nil {
		t.Fatalf("ListOpenIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue after PR filtering, got %d", len(issues))
	}
	is := issues[0]
	if is.Number != 5 || is.Title != "Crash on start" || is.Author != "sam" {
		t.Errorf("unexpected issue mapping: %+v", is)
	}
	if len(is.Labels) != 1 || is.Labels[0] != "bug" {
		t.Errorf("labels = %v, want [bug]", is.Labels)
	}
}

func TestGitHubWriteOperations(t *testing.T) {
	var (
		issueReq map[string]any
		prReq    map[string]any
		refReq   map[string]any
		comments []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&issueReq)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":11,"number":3,"title":"Add caching","html_url":"https://github.com/acme/app/issues/3"}`)
	})
	mux.HandleFunc("/repos/acme/app/issues/3/comments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		comments = append(comments, body["body"])
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":1}`)
	})
	mux.HandleFunc("/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&prReq)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":21,"number":9,"title":"Add caching","state":"open",
			"html_url":"https://github.com/acme/app/pull/9",
			"head":{"ref":"feat/caching"},"base":{"ref":"main"}}`)
	})
	mux.HandleFunc("/repos/acme/app/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/acme/app/git/refs", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&refReq)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ref":"refs/heads/feat/caching","object":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("/repos/acme/app/contents/docs/plan.md", func(w http.ResponseWriter, r *http.Request) {
		content := base64.StdEncoding.EncodeToString([]byte("# Plan\n"))
		fmt.Fprintf(w, `{"type":"file","name":"plan.md","path":"docs/plan.md","encoding":"base64","content":%q}`, content)
	})
	p := newGitHubTestProvider(t, mux)
	ctx := context.Background()

	issue, err := p.CreateIssue(ctx, "acme/app", IssueOptions{
		Title: "Add caching", Body: "details", Labels: []string{"feature"},
	})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 3 {
		t.Errorf("issue number = %d, want 3", issue.Number)
	}
	if issueReq["title"] != "Add caching" {
		t.Errorf("posted title = %v", issueReq["title"])
	}

	if err := p.CommentOnIssue(ctx, "acme/app", 3, "on it"); err != nil {
		t.Fatalf("CommentOnIssue: %v", err)
	}
	// PR conversation comments route through the issues comment API.
	if err := p.CommentOnMergeRequest(ctx, "acme/app", 3, "review follows"); err != nil {
		t.Fatalf("CommentOnMergeRequest: %v", err)
	}
	if len(comments) != 2 || comments[0] != "on it" || comments[1] != "review follows" {
		t.Errorf("comments = %v", comments)
	}

	mr, err := p.CreateMergeRequest(ctx, "acme/app", MergeRequestOptions{
		Title: "Add caching", Body: "body", SourceBranch: "feat/caching", TargetBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateMergeRequest: %v", err)
	}
	if mr.Number != 9 || mr.SourceBranch != "feat/caching" {
		t.Errorf("unexpected MR mapping: %+v", mr)
	}
	if prReq["head"] != "feat/caching" || prReq["base"] != "main" {
		t.Errorf("posted PR head/base = %v/%v", prReq["head"], prReq["base"])
	}

	if err := p.CreateBranch(ctx, "acme/app", "feat/caching", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if refReq["ref"] != "refs/heads/feat/caching" {
		t.Errorf("posted ref = %v", refReq["ref"])
	}

	data, err := p.GetFile(ctx, "acme/app", "docs/plan.md", "main")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(data) != "# Plan\n" {
		t.Errorf("file content = %q", data)
	}

	if p.AuthToken() != "gh-token" {
		t.Errorf("AuthToken = %q", p.AuthToken())
	}
}

func TestGitHubRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/issues", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message":"boom"}`)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	p := newGitHubTestProvider(t, mux)

	if _, err := p.ListOpenIssues(context.Background(), "acme/app", time.Time{}); err != nil {
		t.Fatalf("ListOpenIssues after retry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func newGitLabTestProvider(t *testing.T, handler http.Handler) *GitLabProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := gitlab.NewClient("gl-token", gitlab.WithBaseURL(srv.URL+"/api/v4"))
	if err != nil {
		t.Fatalf("creating GitLab client: %v", err)
	}
	return &GitLabProvider{client: client, token: "gl-token"}
}

func TestGitLabProviderOperations(t *testing.T) {
	var notes []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(p, "/issues"):
			fmt.Fprint(w, `[
				{"id":201,"iid":4,"title":"Slow query","description":"details",
				 "labels":["perf"],"web_url":"https://gitlab.com/group/app/-/issues/4",
				 "author":{"username":"rae"}}
			]`)
		case r.Method == http.MethodPost && strings.HasSuffix(p, "/issues"):
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":202,"iid":5,"title":"New feature","labels":["feature"]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(p, "/issues/4/notes"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			notes = append(notes, body["body"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":1}`)
		case r.Method == http.MethodPost && strings.HasSuffix(p, "/merge_requests"):
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":301,"iid":2,"title":"Add caching","state":"opened",
				"web_url":"https://gitlab.com/group/app/-/merge_requests/2",
				"source_branch":"feat/caching","target_branch":"main"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(p, "/merge_requests/2/notes"):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			notes = append(notes, body["body"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":2}`)
		case r.Method == http.MethodPost && strings.HasSuffix(p, "/repository/branches"):
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"name":"feat/caching","commit":{"id":"abc123"}}`)
		case r.Method == http.MethodGet && strings.HasSuffix(p, "/raw"):
			fmt.Fprint(w, "# Plan\n")
		default:
			t.Errorf("unexpected request %s %s", r.Method, p)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	p := newGitLabTestProvider(t, handler)
	ctx := context.Background()

	issues, err := p.ListOpenIssues(ctx, "group/app", time.Time{})
	if err != nil {
		t.Fatalf("ListOpenIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Number != 4 || issues[0].Author != "rae" {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	issue, err := p.CreateIssue(ctx, "group/app", IssueOptions{Title: "New feature", Labels: []string{"feature"}})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 5 {
		t.Errorf("issue number = %d, want 5", issue.Number)
	}

	if err := p.CommentOnIssue(ctx, "group/app", 4, "triaged"); err != nil {
		t.Fatalf("CommentOnIssue: %v", err)
	}

	mr, err := p.CreateMergeRequest(ctx, "group/app", MergeRequestOptions{
		Title: "Add caching", SourceBranch: "feat/caching", TargetBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateMergeRequest: %v", err)
	}
	if mr.Number != 2 || mr.State != "opened" {
		t.Errorf("unexpected MR mapping: %+v", mr)
	}

	if err := p.CommentOnMergeRequest(ctx, "group/app", 2, "looks good"); err != nil {
		t.Fatalf("CommentOnMergeRequest: %v", err)
	}
	if len(notes) != 2 || notes[0] != "triaged" || notes[1] != "looks good" {
		t.Errorf("notes = %v", notes)
	}

	if err := p.CreateBranch(ctx, "group/app", "feat/caching", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	data, err := p.GetFile(ctx, "group/app", "docs/plan.md", "main")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(data) != "# Plan\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestDetectProvider(t *testing.T) {
	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://github.com/acme/app", "github", false},
		{"https://gitlab.com/group/app", "gitlab", false},
		{"https://gitlab.example.com/group/app", "gitlab", false},
		{"https://GITHUB.example.com/acme/app", "github", false},
		{"https://forge.example.com/acme/app", "", true},
	}
	for _, tc := range cases {
		got, err := DetectProvider(tc.url)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DetectProvider(%q) expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("DetectProvider(%q): %v", tc.url, err)
			continue
		}
		if got != tc.want {
			t.Errorf("DetectProvider(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestSplitProject(t *testing.T) {
	owner, name, err := splitProject("acme/app")
	if err != nil {
		t.Fatalf("splitProject: %v", err)
	}
	if owner != "acme" || name != "app" {
		t.Errorf("got %s/%s", owner, name)
	}
	for _, bad := range []string{"acme", "/app", "acme/", ""} {
		if _, _, err := splitProject(bad); err == nil {
			t.Errorf("splitProject(%q) expected error", bad)
		}
	}
}
