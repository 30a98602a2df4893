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
	"github.com/autodev-ai/autodev/internal/scheduler"
	"github.com/autodev-ai/autodev/internal/webhook"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator control plane",
	Long: `Starts the autodev control plane: the webhook server that turns
forge events into tasks, and the cron scheduler that files recurring
work (issue polling, nightly reviews, auto feature creation).

Runners are separate processes; start one per agent with 'autodev runner'.

Examples:
  autodev serve
  autodev serve --config /etc/autodev/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down autodev gracefully...")
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

	orch := orchestrator.New(db, orchestratorOptions(cfg, b)...)

	slog.Info("Starting control plane",
		"webhook_port", cfg.Webhook.Port,
		"scheduling_enabled", cfg.Scheduling.Enabled,
		"database", db.Driver(),
	)
	fmt.Println(headerStyle.Render("autodev control plane"))
	fmt.Printf("Webhook server listening on :%d\n", cfg.Webhook.Port)
	if !cfg.Scheduling.Enabled {
		fmt.Println(dimStyle.Render("Scheduling disabled; only webhook events will create tasks."))
	}

	errc := make(chan error, 2)
	go func() {
		errc <- webhook.New(cfg, orch).Start(ctx)
	}()
	go func() {
		errc <- scheduler.New(cfg, orch).Start(ctx)
	}()

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			cancel()
			return err
		}
	}
	return nil
}
