package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/forge"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

func newTestScheduler(t *testing.T, cfg *config.Config) (*Scheduler, *orchestrator.Orchestrator) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scheduler-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	orch := orchestrator.New(db)
	return New(cfg, orch), orch
}

func TestDueAt(t *testing.T) {
	cases := []struct {
		expr   string
		minute string
		want   bool
	}{
		{"* * * * *", "2026-08-26T10:30:00Z", true},
		{"0 * * * *", "2026-08-26T10:00:00Z", true},
		{"0 * * * *", "2026-08-26T10:30:00Z", false},
		{"0 2 * * *", "2026-08-26T02:00:00Z", true},
		{"0 2 * * *", "2026-08-26T03:00:00Z", false},
		{"*/15 * * * *", "2026-08-26T10:45:00Z", true},
		{"*/15 * * * *", "2026-08-26T10:50:00Z", false},
		{"0 9 * * 1", "2026-08-24T09:00:00Z", true}, // a Monday
		{"0 9 * * 1", "2026-08-26T09:00:00Z", false},
	}
	for _, tc := range cases {
		minute, err := time.Parse(time.RFC3339, tc.minute)
		if err != nil {
			t.Fatalf("bad test time %s: %v", tc.minute, err)
		}
		got, err := dueAt(tc.expr, minute)
		if err != nil {
			t.Fatalf("dueAt(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("dueAt(%q, %s) = %v, want %v", tc.expr, tc.minute, got, tc.want)
		}
	}

	if _, err := dueAt("not a cron", time.Now()); err == nil {
		t.Fatalf("invalid expression accepted")
	}
}

func TestTickEmitsTaskOncePerMinute(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduling.Enabled = true
	cfg.Scheduling.Jobs = map[string]config.JobConfig{
		"nightly_review": {
			Agent:    "reviewer",
			TaskType: "code_review",
			Cron:     "0 2 * * *",
			Enabled:  true,
		},
	}
	s, orch := newTestScheduler(t, cfg)
	ctx := context.Background()

	repo, err := orch.CreateRepo(ctx, models.Repo{
		Name: "acme-app", Provider: "gitlab", ProjectRef: "group/acme-app", Slug: "acme-app",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}

	due := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	s.Tick(ctx, due)
	// Re-evaluating the same minute must not double-fire.
	s.Tick(ctx, due.Add(30*time.Second))

	tasks, err := orch.ListTasks(ctx, repo.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Type != "code_review" || task.AssignedTo != "reviewer" || task.CreatedBy != "scheduler" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Priority != scheduledTaskPriority {
		t.Fatalf("expected priority %d, got %d", scheduledTaskPriority, task.Priority)
	}

	// An off-schedule minute does nothing.
	s.Tick(ctx, due.Add(time.Hour))
	tasks, _ = orch.ListTasks(ctx, repo.ID, 10)
	if len(tasks) != 1 {
		t.Fatalf("off-schedule tick created tasks: %d", len(tasks))
	}

	// The next scheduled day fires again.
	s.Tick(ctx, due.AddDate(0, 0, 1))
	tasks, _ = orch.ListTasks(ctx, repo.ID, 10)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after second day, got %d", len(tasks))
	}
}

func TestTickSurvivesRestartWithinMinute(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduling.Enabled = true
	cfg.Scheduling.Jobs = map[string]config.JobConfig{
		"nightly_review": {
			Agent:    "reviewer",
			TaskType: "code_review",
			Cron:     "0 2 * * *",
			Enabled:  true,
		},
	}
	s, orch := newTestScheduler(t, cfg)
	ctx := context.Background()

	repo, err := orch.CreateRepo(ctx, models.Repo{
		Name: "acme-app", Provider: "gitlab", ProjectRef: "group/acme-app", Slug: "acme-app",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}

	due := time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC)
	s.Tick(ctx, due)

	// A replacement scheduler over the same store must not re-fire inside
	// the minute it lost its memory for.
	restarted := New(cfg, orch)
	restarted.Tick(ctx, due.Add(20*time.Second))

	tasks, err := orch.ListTasks(ctx, repo.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after restart, got %d", len(tasks))
	}
}

func TestTickHonoursRepoJobOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduling.Enabled = true
	cfg.Scheduling.Jobs = map[string]config.JobConfig{
		"nightly_review": {
			Agent:    "reviewer",
			TaskType: "code_review",
			Cron:     "* * * * *",
			Enabled:  true,
		},
	}
	s, orch := newTestScheduler(t, cfg)
	ctx := context.Background()

	optedOut, err := orch.CreateRepo(ctx, models.Repo{
		Name: "quiet-app", Provider: "gitlab", ProjectRef: "group/quiet-app", Slug: "quiet-app",
		Settings: `{"job_overrides": {"nightly_review": false}}`,
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	optedIn, err := orch.CreateRepo(ctx, models.Repo{
		Name: "busy-app", Provider: "gitlab", ProjectRef: "group/busy-app", Slug: "busy-app",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}

	s.Tick(ctx, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC))

	quiet, _ := orch.ListTasks(ctx, optedOut.ID, 10)
	if len(quiet) != 0 {
		t.Fatalf("opted-out repo received %d tasks", len(quiet))
	}
	busy, _ := orch.ListTasks(ctx, optedIn.ID, 10)
	if len(busy) != 1 {
		t.Fatalf("expected 1 task for opted-in repo, got %d", len(busy))
	}
}

func TestTickSkipsDisabledJobs(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduling.Enabled = true
	cfg.Scheduling.Jobs = map[string]config.JobConfig{
		"paused_job": {
			Agent:    "tester",
			TaskType: "run_tests",
			Cron:     "* * * * *",
			Enabled:  false,
		},
	}
	s, orch := newTestScheduler(t, cfg)
	ctx := context.Background()

	repo, err := orch.CreateRepo(ctx, models.Repo{
		Name: "acme-app", Provider: "gitlab", ProjectRef: "group/acme-app", Slug: "acme-app",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}

	s.Tick(ctx, time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC))
	tasks, _ := orch.ListTasks(ctx, repo.ID, 10)
	if len(tasks) != 0 {
		t.Fatalf("disabled job emitted %d tasks", len(tasks))
	}
}

func TestUncheckedItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidance.md")
	content := `# Product guidance

- [x] Ship the login flow
- [ ] Add CSV export
 - [ ] Bulk invite flow
- [ ]
- [x] Dark mode
Some prose in between.
- [ ] Audit log viewer
`
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write guidance: %v", err)
	}

	items, err := uncheckedItems(path)
	if err != nil {
		t.Fatalf("unchecked items: %v", err)
	}
	want := []string{"Add CSV export", "Bulk invite flow", "Audit log viewer"}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %v", len(want), items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("item %d: expected %q, got %q", i, want[i], items[i])
		}
	}

	// A missing checklist is not an error; the job just has nothing to do.
	items, err = uncheckedItems(filepath.Join(t.TempDir(), "absent.md"))
	if err != nil || items != nil {
		t.Fatalf("missing file should yield (nil, nil), got %v / %v", items, err)
	}
	items, err = uncheckedItems("")
	if err != nil || items != nil {
		t.Fatalf("empty path should yield (nil, nil), got %v / %v", items, err)
	}
}

// stubForge satisfies forge.Provider for job tests without a live forge.
type stubForge struct {
	openIssues int
}

func (f *stubForge) Name() string { return "gitlab" }
func (f *stubForge) ListOpenIssues(ctx context.Context, project string, since time.Time) ([]forge.Issue, error) {
	return nil, nil
}
func (f *stubForge) CountOpenIssues(ctx context.Context, project string, labels []string) (int, error) {
	return f.openIssues, nil
}
func (f *stubForge) CreateIssue(ctx context.Context, project string, opts forge.IssueOptions) (*forge.Issue, error) {
	return nil, nil
}
func (f *stubForge) CommentOnIssue(ctx context.Context, project string, number int, body string) error {
	return nil
}
func (f *stubForge) CreateMergeRequest(ctx context.Context, project string, opts forge.MergeRequestOptions) (*forge.MergeRequest, error) {
	return nil, nil
}
func (f *stubForge) CommentOnMergeRequest(ctx context.Context, project string, number int, body string) error {
	return nil
}
func (f *stubForge) CreateBranch(ctx context.Context, project string, branch, fromRef string) error {
	return nil
}
func (f *stubForge) GetFile(ctx context.Context, project string, path, ref string) ([]byte, error) {
	return nil, nil
}
func (f *stubForge) AuthToken() string { return "" }

func TestAutoFeatureEmitsCatalogueTaskType(t *testing.T) {
	guidance := filepath.Join(t.TempDir(), "guidance.md")
	if err := os.WriteFile(guidance, []byte("- [ ] ship the importer\n"), 0o644); err != nil {
		t.Fatalf("write guidance: %v", err)
	}

	cfg := &config.Config{}
	cfg.Product.AutoFeatureCreation = config.AutoFeatureConfig{
		Enabled:       true,
		GuidancePath:  guidance,
		MaxOpenIssues: 10,
	}
	s, orch := newTestScheduler(t, cfg)
	ctx := context.Background()

	repo, err := orch.CreateRepo(ctx, models.Repo{
		Name: "acme-app", Provider: "gitlab", ProjectRef: "group/acme-app", Slug: "acme-app",
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	s.forges["gitlab"] = &stubForge{}

	if err := s.autoFeature(ctx, time.Now()); err != nil {
		t.Fatalf("auto feature: %v", err)
	}

	tasks, err := orch.ListTasks(ctx, repo.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.AssignedTo != "pm" {
		t.Fatalf("task assigned to %q", task.AssignedTo)
	}
	// The emitted type must be claimable by an unassigned pm runner too.
	inCatalogue := false
	for _, tt := range orchestrator.TaskTypesForAgent("pm") {
		if tt == task.Type {
			inCatalogue = true
		}
	}
	if !inCatalogue {
		t.Fatalf("task type %q is not in the pm catalogue", task.Type)
	}
}
