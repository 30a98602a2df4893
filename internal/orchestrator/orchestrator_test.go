package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/models"
)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator-test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return New(db, opts...), db
}

func seedRepo(t *testing.T, o *Orchestrator, slug, autonomy, settings string) *models.Repo {
	t.Helper()
	repo, err := o.CreateRepo(context.Background(), models.Repo{
		Name:         slug,
		Provider:     "gitlab",
		ProjectRef:   "group/" + slug,
		Slug:         slug,
		AutonomyMode: autonomy,
		Settings:     settings,
	})
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	return repo
}

func mustCreateTask(t *testing.T, o *Orchestrator, opts CreateTaskOptions) *models.Task {
	t.Helper()
	task, err := o.CreateTask(context.Background(), opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task == nil {
		t.Fatalf("task creation unexpectedly rejected: %+v", opts)
	}
	return task
}

func TestCreateTaskClampsPriority(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()

	low := mustCreateTask(t, o, CreateTaskOptions{Type: "triage_issue", Priority: -3})
	if low.Priority != models.MinPriority {
		t.Fatalf("expected priority clamped to %d, got %d", models.MinPriority, low.Priority)
	}
	high := mustCreateTask(t, o, CreateTaskOptions{Type: "triage_issue", Priority: 99})
	if high.Priority != models.MaxPriority {
		t.Fatalf("expected priority clamped to %d, got %d", models.MaxPriority, high.Priority)
	}
}

func TestCreateTaskRejectsDuplicateIdentifier(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	payload := json.RawMessage(`{"title": "Add dark mode"}`)
	first := mustCreateTask(t, o, CreateTaskOptions{Type: "create_feature", Payload: payload})

	dup, err := o.CreateTask(ctx, CreateTaskOptions{Type: "create_feature", Payload: payload})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if dup != nil {
		t.Fatalf("expected duplicate rejection, got task %s", dup.ID)
	}

	// Different type with the same title is not a duplicate.
	other, err := o.CreateTask(ctx, CreateTaskOptions{Type: "triage_issue", Payload: payload})
	if err != nil || other == nil {
		t.Fatalf("expected cross-type creation to succeed, got %v / %v", other, err)
	}

	// Explicit opt-out bypasses the check.
	forced, err := o.CreateTask(ctx, CreateTaskOptions{
		Type: "create_feature", Payload: payload, AllowDuplicates: true,
	})
	if err != nil || forced == nil {
		t.Fatalf("expected AllowDuplicates creation to succeed, got %v / %v", forced, err)
	}
	if forced.ID == first.ID {
		t.Fatalf("forced task should be a new row")
	}
}

func TestClaimTaskSingleWinner(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{Type: "implement_spec", Priority: 5})

	const claimers = 100
	var wg sync.WaitGroup
	won := make([]*models.Task, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("builder-%03d", n)
			claimed, err := o.ClaimTask(ctx, agent, "", []string{"implement_spec"})
			if err != nil {
				t.Errorf("claim by %s: %v", agent, err)
				return
			}
			won[n] = claimed
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner string
	for n, c := range won {
		if c != nil {
			winners++
			winner = fmt.Sprintf("builder-%03d", n)
			if c.ID != task.ID {
				t.Fatalf("claimed unexpected task %s", c.ID)
			}
			if c.Status != models.TaskClaimed || c.ClaimedAt == "" {
				t.Fatalf("winner got inconsistent task: %+v", c)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	stored, err := o.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.AssignedTo != winner {
		t.Fatalf("stored assigned_to = %q, winner was %q", stored.AssignedTo, winner)
	}
}

func TestClaimTaskFiltersByType(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	mustCreateTask(t, o, CreateTaskOptions{Type: "code_review", Priority: 5})

	claimed, err := o.ClaimTask(ctx, "builder", "", []string{"implement_spec", "fix_bug"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("builder should not claim a code_review task, got %s", claimed.ID)
	}

	claimed, err = o.ClaimTask(ctx, "reviewer", "", []string{"code_review"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("reviewer should have claimed the code_review task")
	}
}

func TestClaimTaskDirectAssignmentBypassesTypeFilter(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{
		Type: "security_audit", Priority: 5, AssignedTo: "security",
	})

	// Another agent never sees a directly assigned task, even with a
	// matching type list.
	stolen, err := o.ClaimTask(ctx, "builder", "", []string{"security_audit"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if stolen != nil {
		t.Fatalf("directly assigned task claimed by wrong agent")
	}

	// The assignee claims it even though the type is not in its list.
	claimed, err := o.ClaimTask(ctx, "security", "", []string{"scan_dependencies"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("assignee failed to claim its task: %+v", claimed)
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	first := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 5})
	urgent := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 8})
	second := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 5})

	want := []string{urgent.ID, first.ID, second.ID}
	for i, expected := range want {
		claimed, err := o.ClaimTask(ctx, "builder", "", []string{"fix_bug"})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed == nil || claimed.ID != expected {
			t.Fatalf("claim %d: expected %s, got %+v", i, expected, claimed)
		}
	}
}

func TestAbandonedClaimIsRecovered(t *testing.T) {
	o, db := newTestOrchestrator(t, WithAbandonAfter(30*time.Minute))
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{Type: "implement_spec", Priority: 5})
	claimed, err := o.ClaimTask(ctx, "builder-1", "", []string{"implement_spec"})
	if err != nil || claimed == nil {
		t.Fatalf("initial claim failed: %v / %v", claimed, err)
	}

	// A fresh claim is not recoverable.
	steal, err := o.ClaimTask(ctx, "builder-2", "", []string{"implement_spec"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if steal != nil {
		t.Fatalf("fresh claim stolen")
	}

	// Backdate the claim past the abandonment window.
	stale := models.FormatTime(time.Now().Add(-time.Hour))
	if err := db.Exec(ctx, `UPDATE tasks SET claimed_at = ? WHERE id = ?`, stale, task.ID); err != nil {
		t.Fatalf("backdating claim: %v", err)
	}

	recovered, err := o.ClaimTask(ctx, "builder-2", "", []string{"implement_spec"})
	if err != nil {
		t.Fatalf("claim after abandonment: %v", err)
	}
	if recovered == nil || recovered.ID != task.ID {
		t.Fatalf("abandoned task not recovered: %+v", recovered)
	}
	if recovered.AssignedTo != "builder-2" {
		t.Fatalf("recovered task assigned to %q", recovered.AssignedTo)
	}
}

func TestCompleteTaskRequiresOwnership(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 5})
	if _, err := o.ClaimTask(ctx, "builder", "", []string{"fix_bug"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := o.CompleteTask(ctx, task.ID, "reviewer", `{"done":true}`, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok {
		t.Fatalf("non-owner completed the task")
	}

	ok, err = o.CompleteTask(ctx, task.ID, "builder", `{"done":true}`, "")
	if err != nil || !ok {
		t.Fatalf("owner completion failed: %v ok=%v", err, ok)
	}

	got, err := o.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskCompleted || got.Result == "" || got.CompletedAt == "" {
		t.Fatalf("unexpected completed task: %+v", got)
	}
}

func TestLateCompletionAfterCancelIsNoop(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 5})
	if _, err := o.ClaimTask(ctx, "builder", "", []string{"fix_bug"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := o.CancelTask(ctx, task.ID, "superseded", "operator")
	if err != nil || !ok {
		t.Fatalf("cancel failed: %v ok=%v", err, ok)
	}

	// The worker finishes anyway; its result must be discarded.
	ok, err = o.CompleteTask(ctx, task.ID, "builder", `{"done":true}`, "")
	if err != nil {
		t.Fatalf("late complete: %v", err)
	}
	if ok {
		t.Fatalf("late completion overwrote a cancelled task")
	}

	got, _ := o.GetTask(ctx, task.ID)
	if got.Status != models.TaskCancelled || got.Result != "" {
		t.Fatalf("cancelled task mutated: %+v", got)
	}

	// Cancelling a terminal task is also a no-op.
	ok, err = o.CancelTask(ctx, task.ID, "again", "operator")
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if ok {
		t.Fatalf("terminal task cancelled twice")
	}
}

func TestMarkInProgressOnlyByOwner(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	task := mustCreateTask(t, o, CreateTaskOptions{Type: "fix_bug", Priority: 5})
	if _, err := o.ClaimTask(ctx, "builder", "", []string{"fix_bug"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := o.MarkInProgress(ctx, task.ID, "reviewer")
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if ok {
		t.Fatalf("non-owner moved task to in_progress")
	}

	ok, err = o.MarkInProgress(ctx, task.ID, "builder")
	if err != nil || !ok {
		t.Fatalf("owner transition failed: %v ok=%v", err, ok)
	}
}

func TestCancelDuplicateTasksKeepsOne(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	payload := func(n string) json.RawMessage {
		return json.RawMessage(`{"title": "Retry export", "n": "` + n + `"}`)
	}
	keep := mustCreateTask(t, o, CreateTaskOptions{
		Type: "create_feature", Payload: payload("1"), Priority: 8, AllowDuplicates: true,
	})
	mustCreateTask(t, o, CreateTaskOptions{
		Type: "create_feature", Payload: payload("2"), Priority: 5, AllowDuplicates: true,
	})
	mustCreateTask(t, o, CreateTaskOptions{
		Type: "create_feature", Payload: payload("3"), Priority: 5, AllowDuplicates: true,
	})

	cancelled, err := o.CancelDuplicateTasks(ctx, "Retry export", "")
	if err != nil {
		t.Fatalf("cancel duplicates: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("expected 2 cancellations, got %d", cancelled)
	}

	kept, _ := o.GetTask(ctx, keep.ID)
	if kept.Status != models.TaskPending {
		t.Fatalf("highest-priority duplicate should survive, got %s", kept.Status)
	}
}

func TestApproveSpecCreatesImplementationTask(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	repo := seedRepo(t, o, "acme-app", models.AutonomyGuided, "")

	approval, err := o.CreateApproval(ctx, models.Approval{
		RepoID:       repo.ID,
		ApprovalType: models.ApprovalSpec,
		Title:        "Spec: bulk import",
		SubmittedBy:  "architect",
		ForgeRef:     "issue-42",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if approval.Status != models.ApprovalPending {
		t.Fatalf("guided repo approval should stay pending, got %s", approval.Status)
	}

	if err := o.Approve(ctx, approval.ID, "looks good", "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tasks, err := o.ListTasks(ctx, repo.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var impl *models.Task
	for i := range tasks {
		if tasks[i].Type == "implement_spec" {
			impl = &tasks[i]
		}
	}
	if impl == nil {
		t.Fatalf("approved spec produced no implementation task")
	}
	if impl.ParentTaskID != approval.ID || impl.Priority != 7 {
		t.Fatalf("unexpected implementation task: %+v", impl)
	}

	// Second decision on the same approval must fail.
	if err := o.Approve(ctx, approval.ID, "again", "bob"); err == nil {
		t.Fatalf("double approval succeeded")
	}
	if err := o.Reject(ctx, approval.ID, "too late", "bob"); err == nil {
		t.Fatalf("reject after approve succeeded")
	}
}

func TestAutoApprovalRespectsAutonomyAndThresholds(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	full := seedRepo(t, o, "full-repo", models.AutonomyFull, "")
	guided := seedRepo(t, o, "guided-repo", models.AutonomyGuided, "")

	confident := `{"confidence": 9.5}`
	hesitant := `{"confidence": 4.0}`

	a, err := o.CreateApproval(ctx, models.Approval{
		RepoID: full.ID, ApprovalType: models.ApprovalSpec,
		Title: "Spec A", Context: confident,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if a.Status != models.ApprovalApproved {
		t.Fatalf("high-confidence spec on full-autonomy repo should auto-approve, got %s", a.Status)
	}

	b, err := o.CreateApproval(ctx, models.Approval{
		RepoID: full.ID, ApprovalType: models.ApprovalSpec,
		Title: "Spec B", Context: hesitant,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if b.Status != models.ApprovalPending {
		t.Fatalf("low-confidence spec should stay pending, got %s", b.Status)
	}

	c, err := o.CreateApproval(ctx, models.Approval{
		RepoID: guided.ID, ApprovalType: models.ApprovalSpec,
		Title: "Spec C", Context: confident,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if c.Status != models.ApprovalPending {
		t.Fatalf("guided repo must never auto-approve, got %s", c.Status)
	}

	// Merge approvals gate on both score and coverage.
	d, err := o.CreateApproval(ctx, models.Approval{
		RepoID: full.ID, ApprovalType: models.ApprovalMerge,
		Title: "Merge X", Context: `{"score": 9.5, "test_coverage": 60}`,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if d.Status != models.ApprovalPending {
		t.Fatalf("low-coverage merge should stay pending, got %s", d.Status)
	}
	e, err := o.CreateApproval(ctx, models.Approval{
		RepoID: full.ID, ApprovalType: models.ApprovalMerge,
		Title: "Merge Y", Context: `{"score": 9.5, "test_coverage": 92}`,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if e.Status != models.ApprovalApproved {
		t.Fatalf("passing merge should auto-approve, got %s", e.Status)
	}
}

func TestEventDeduplication(t *testing.T) {
	o, db := newTestOrchestrator(t)
	defer db.Close()
	ctx := context.Background()

	repo := seedRepo(t, o, "acme-app", models.AutonomyGuided, "")

	seen, err := o.EventSeen(ctx, "issue-42", repo.ID, "open")
	if err != nil {
		t.Fatalf("event seen: %v", err)
	}
	if seen {
		t.Fatalf("unprocessed event reported as seen")
	}
	if err := o.MarkEventProcessed(ctx, "issue-42", repo.ID, "open"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	seen, err = o.EventSeen(ctx, "issue-42", repo.ID, "open")
	if err != nil || !seen {
		t.Fatalf("processed event not seen: %v seen=%v", err, seen)
	}

	// The same issue in another repo is a distinct event.
	other := seedRepo(t, o, "other-app", models.AutonomyGuided, "")
	seen, err = o.EventSeen(ctx, "issue-42", other.ID, "open")
	if err != nil || seen {
		t.Fatalf("cross-repo event wrongly deduplicated: %v seen=%v", err, seen)
	}
}
