package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#7C3AED")).
	MarginBottom(1)

var successStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#10B981"))

var warnStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F59E0B"))

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6B7280"))

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "autodev",
	Short: "Multi-tenant orchestrator for autonomous code-writing agents",
	Long: `autodev coordinates a fleet of LLM-backed development agents working on
registered repositories: a shared task queue with atomic claiming, webhook
routing from the source forge, cron scheduling, and human approval gates
for irreversible actions.

Get started:
  autodev migrate     Initialise or upgrade the database schema
  autodev repo add    Register a repository interactively
  autodev serve       Start the hub: webhook server + scheduler
  autodev runner      Start a runner for one agent type
  autodev status      Show fleet and queue state
  autodev doctor      Verify configuration and credentials`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.autodev/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		runnerCmd,
		repoCmd,
		agentsCmd,
		approvalsCmd,
		tasksCmd,
		statusCmd,
		doctorCmd,
		migrateCmd,
	)
}

func initLogging() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
