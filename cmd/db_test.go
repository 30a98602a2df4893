package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

// The runner and one-shot CLI processes build their orchestrator through
// orchestratorOptions, so the configured abandonment timeout must take
// effect there, not only under serve.
func TestOrchestratorOptionsApplyAbandonTimeout(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "cmd-test.db")})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	cfg := &config.Config{}
	cfg.Orchestrator.TaskAbandonMinutes = 5
	orch := orchestrator.New(db, orchestratorOptions(cfg, nil)...)

	task, err := orch.CreateTask(ctx, orchestrator.CreateTaskOptions{Type: "fix_bug", Priority: 5})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := orch.ClaimTask(ctx, "builder-1", "", []string{"fix_bug"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Ten minutes stale: abandoned under the 5-minute config, fresh under
	// the 120-minute default.
	stale := models.FormatTime(time.Now().Add(-10 * time.Minute))
	if err := db.Exec(ctx, `UPDATE tasks SET claimed_at = ? WHERE id = ?`, stale, task.ID); err != nil {
		t.Fatalf("backdating claim: %v", err)
	}

	recovered, err := orch.ClaimTask(ctx, "builder-2", "", []string{"fix_bug"})
	if err != nil {
		t.Fatalf("claim after abandonment: %v", err)
	}
	if recovered == nil || recovered.ID != task.ID {
		t.Fatalf("configured abandonment timeout not applied: %+v", recovered)
	}
}
