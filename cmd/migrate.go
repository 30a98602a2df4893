package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/prompts"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and install default prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		db, err := database.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		fmt.Println(successStyle.Render("Database is up to date."))

		if err := prompts.Init(prompts.DefaultDir()); err != nil {
			return fmt.Errorf("installing default prompts: %w", err)
		}
		fmt.Printf("Default prompts installed in %s\n", prompts.DefaultDir())
		return nil
	},
}
