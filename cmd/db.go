package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/notify"
	"github.com/autodev-ai/autodev/internal/orchestrator"
)

// orchestratorOptions assembles the orchestrator wiring shared by every
// process: failure/approval notifications, the configured abandonment
// timeout and the optional Redis bus (nil is fine, the bus is inert then).
func orchestratorOptions(cfg *config.Config, b *bus.Bus) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithBus(b),
		orchestrator.WithNotifier(notify.NewOrchestratorNotifier(notify.NewDispatcher(cfg.Notify))),
	}
	if cfg.Orchestrator.TaskAbandonMinutes > 0 {
		opts = append(opts, orchestrator.WithAbandonAfter(
			time.Duration(cfg.Orchestrator.TaskAbandonMinutes)*time.Minute))
	}
	return opts
}

// openOrchestrator wires up the store for one-shot CLI commands.
// The returned close func must be called when done.
func openOrchestrator(ctx context.Context) (*config.Config, *orchestrator.Orchestrator, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return cfg, orchestrator.New(db, orchestratorOptions(cfg, nil)...), func() { db.Close() }, nil
}
