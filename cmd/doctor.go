package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/database"
	"github.com/autodev-ai/autodev/internal/notify"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/internal/prompts"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify configuration, credentials, and system health",
	Long: `Checks that the database can be reached, forge tokens are set,
the configured provider CLIs are installed, and every agent has a prompt.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== autodev doctor ===")
	if p, err := config.ConfigPath(cfgFile); err == nil {
		fmt.Println(dimStyle.Render("config: " + p))
	}
	fmt.Println()

	// Database
	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("FAIL (%s)", err)))
		allOK = false
	} else {
		if err := db.Ping(ctx); err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("FAIL (%s)", err)))
			allOK = false
		} else {
			fmt.Printf("OK (%s: %s)\n", db.Driver(), cfg.Database.Path)
		}
		db.Close()
	}

	// Redis side channels
	fmt.Print("Redis .................... ")
	if cfg.Orchestrator.RedisURL == "" {
		fmt.Println(dimStyle.Render("disabled (optional: set orchestrator.redis_url for pub/sub and mail)"))
	} else if b, err := bus.Connect(ctx, cfg.Orchestrator.RedisURL); err != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("FAIL (%s)", err)))
		allOK = false
	} else {
		b.Close()
		fmt.Println("OK")
	}

	// Notification channels
	fmt.Print("Notifications ............ ")
	if d := notify.NewDispatcher(cfg.Notify); d.IsAnyConfigured() {
		fmt.Println("OK")
	} else {
		fmt.Println(dimStyle.Render("disabled (optional: set notify.slack_webhook_url or notify.webhook_url)"))
	}

	// Forge tokens
	fmt.Print("GitLab token ............. ")
	allOK = checkTokenEnv(cfg.Forge.GitLabTokenEnv) && allOK
	fmt.Print("GitHub token ............. ")
	allOK = checkTokenEnv(cfg.Forge.GitHubTokenEnv) && allOK

	// Provider CLIs
	fmt.Println()
	fmt.Println("Provider CLIs:")
	if len(cfg.LLM.Providers) == 0 {
		fmt.Println(warnStyle.Render("  none configured; runners cannot spawn workers"))
		allOK = false
	}
	names := make([]string, 0, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := cfg.LLM.Providers[name]
		fmt.Printf("  %-14s ... ", name)
		path, err := exec.LookPath(pc.Command)
		if err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("MISSING (%s not on PATH)", pc.Command)))
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", path)
		}
	}

	// Agent prompts
	fmt.Println()
	fmt.Println("Agent prompts:")
	if len(cfg.Agents) == 0 {
		fmt.Println(warnStyle.Render("  no agents configured"))
		known := orchestrator.KnownAgentTypes()
		sort.Strings(known)
		fmt.Println(dimStyle.Render("  known agent types: " + strings.Join(known, ", ")))
		allOK = false
	}
	agentIDs := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		ac := cfg.Agents[id]
		name := ac.PromptFile
		if name == "" {
			name = id
		}
		label := id
		if ac.Name != "" {
			label = fmt.Sprintf("%s (%s)", id, ac.Name)
		}
		fmt.Printf("  %-14s ... ", label)
		if _, err := prompts.Load(name, prompts.DefaultDir()); err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("MISSING (%s)", err)))
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", name)
		}
	}

	// git is needed for workspace checkouts
	fmt.Print("\nGit ...................... ")
	if _, err := exec.LookPath("git"); err != nil {
		fmt.Println(dimStyle.Render("not found (clones use the built-in git implementation)"))
	} else {
		fmt.Println("OK")
	}

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed."))
		return nil
	}
	fmt.Println(warnStyle.Render("Some checks failed, see above."))
	return nil
}

func checkTokenEnv(envName string) bool {
	if envName == "" {
		fmt.Println(dimStyle.Render("disabled (no token env configured)"))
		return true
	}
	if os.Getenv(envName) == "" {
		fmt.Println(warnStyle.Render(fmt.Sprintf("WARN (%s is not set)", envName)))
		return false
	}
	fmt.Printf("OK (%s)\n", envName)
	return true
}
