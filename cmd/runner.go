package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/internal/outputstore"
	"github.com/autodev-ai/autodev/internal/runner"
	"github.com/spf13/cobra"
)

var runnerAgentID string

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run one agent supervision loop",
	Long: `Starts a runner for a single agent. The runner claims tasks the
agent is eligible for, spawns the provider CLI to work on them, and
files the result back through the orchestrator. Run one runner process
per agent in the fleet.

Examples:
  autodev runner --agent builder
  autodev runner --agent reviewer --config /etc/autodev/config.yaml`,
	RunE: runRunner,
}

func init() {
	runnerCmd.Flags().StringVar(&runnerAgentID, "agent", "", "Agent ID to run (required)")
	_ = runnerCmd.MarkFlagRequired("agent")
}

func runRunner(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Printf("\nStopping runner %s gracefully...\n", runnerAgentID)
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := database.WaitReady(ctx, db); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	b, err := bus.Connect(ctx, cfg.Orchestrator.RedisURL)
	if err != nil {
		slog.Warn("Redis unavailable, continuing without side channels", "error", err)
	}
	defer b.Close()

	store, err := outputstore.New(ctx, cfg.Watcher.OutputStoreDir,
		cfg.Watcher.OutputStoreS3Bucket, cfg.Watcher.OutputStoreS3Prefix)
	if err != nil {
		return fmt.Errorf("opening output store: %w", err)
	}

	orch := orchestrator.New(db, orchestratorOptions(cfg, b)...)

	r, err := runner.New(cfg, runnerAgentID, orch, b, store)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("autodev runner: " + runnerAgentID))
	return r.Run(ctx)
}
