package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/forge"
	"github.com/autodev-ai/autodev/models"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
	Long:  `Register, list, enable, and disable the repositories agents work on.`,
}

var (
	repoAddProvider string
	repoAddBaseURL  string
	repoAddBranch   string
	repoAddAutonomy string
	repoAddSecret   string
)

var repoAddCmd = &cobra.Command{
	Use:   "add [project_ref]",
	Short: "Register a repository",
	Long: `Registers a forge project as a tenant. With no arguments an
interactive form collects the details; flags skip the form.

Examples:
  autodev repo add                                  # interactive
  autodev repo add group/app --provider gitlab
  autodev repo add acme/widget --provider github --autonomy full`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepoAdd,
}

func init() {
	repoAddCmd.Flags().StringVar(&repoAddProvider, "provider", "", "Forge provider: gitlab|github")
	repoAddCmd.Flags().StringVar(&repoAddBaseURL, "base-url", "", "Forge base URL (for self-hosted instances)")
	repoAddCmd.Flags().StringVar(&repoAddBranch, "branch", "main", "Default branch")
	repoAddCmd.Flags().StringVar(&repoAddAutonomy, "autonomy", models.AutonomyGuided, "Autonomy mode: guided|full")
	repoAddCmd.Flags().StringVar(&repoAddSecret, "webhook-secret", "", "Per-repo webhook secret")
	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoEnableCmd, repoDisableCmd, repoRemoveCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	projectRef := ""
	if len(args) == 1 {
		projectRef = args[0]
	}
	provider := repoAddProvider
	baseURL := repoAddBaseURL
	branch := repoAddBranch
	autonomy := repoAddAutonomy
	secret := repoAddSecret

	if projectRef == "" {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Project path").
					Description("Forge project path, e.g. group/app").
					Value(&projectRef),
				huh.NewSelect[string]().
					Title("Provider").
					Options(
						huh.NewOption("GitLab", "gitlab"),
						huh.NewOption("GitHub", "github"),
					).
					Value(&provider),
				huh.NewInput().
					Title("Base URL").
					Description("Leave empty for gitlab.com / github.com").
					Value(&baseURL),
				huh.NewInput().
					Title("Default branch").
					Value(&branch),
				huh.NewSelect[string]().
					Title("Autonomy mode").
					Description("Guided repos require a human approval for every gate").
					Options(
						huh.NewOption("Guided (human approves everything)", models.AutonomyGuided),
						huh.NewOption("Full (auto-approve when thresholds pass)", models.AutonomyFull),
					).
					Value(&autonomy),
				huh.NewInput().
					Title("Webhook secret").
					Description("Optional; falls back to the fleet-wide secret").
					EchoMode(huh.EchoModePassword).
					Value(&secret),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
	}

	if projectRef == "" {
		return fmt.Errorf("project path is required")
	}
	if provider == "" && baseURL != "" {
		detected, err := forge.DetectProvider(baseURL)
		if err != nil {
			return fmt.Errorf("--provider is required: %w", err)
		}
		provider = detected
	}
	if provider != "gitlab" && provider != "github" {
		return fmt.Errorf("invalid provider %q (valid: gitlab, github)", provider)
	}
	if autonomy != models.AutonomyGuided && autonomy != models.AutonomyFull {
		return fmt.Errorf("invalid autonomy mode %q (valid: guided, full)", autonomy)
	}

	_, orch, closeDB, err := openOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	repo := models.Repo{
		Name:          projectRef,
		Provider:      provider,
		ForgeBaseURL:  baseURL,
		ProjectRef:    projectRef,
		Slug:          slugify(projectRef),
		DefaultBranch: branch,
		AutonomyMode:  autonomy,
	}
	if secret != "" {
		settings, err := json.Marshal(models.RepoSettings{WebhookSecret: secret})
		if err != nil {
			return fmt.Errorf("encoding settings: %w", err)
		}
		repo.Settings = string(settings)
	}

	created, err := orch.CreateRepo(ctx, repo)
	if err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Registered " + created.Slug))
	fmt.Println(dimStyle.Render("  id:       " + created.ID))
	fmt.Println(dimStyle.Render("  provider: " + created.Provider))
	fmt.Println(dimStyle.Render("  autonomy: " + created.AutonomyMode))
	fmt.Printf("\nPoint the forge webhook at POST /webhook/%s/%s\n", created.Provider, created.ID)
	return nil
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		repos, err := orch.ListRepos(ctx, false)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories registered. Add one with: autodev repo add")
			return nil
		}
		fmt.Println(headerStyle.Render("Repositories"))
		for _, r := range repos {
			state := successStyle.Render("active")
			if !r.Active {
				state = dimStyle.Render("disabled")
			}
			fmt.Printf("  %-24s %-8s %-8s %s  %s\n",
				r.Slug, r.Provider, r.AutonomyMode, state, dimStyle.Render(r.ID))
		}
		return nil
	},
}

var repoEnableCmd = &cobra.Command{
	Use:   "enable <slug>",
	Short: "Enable a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRepoActive(args[0], true)
	},
}

var repoDisableCmd = &cobra.Command{
	Use:   "disable <slug>",
	Short: "Disable a repository (tasks stop, history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRepoActive(args[0], false)
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <slug>",
	Short: "Remove a repository and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		repo, err := orch.GetRepoBySlug(ctx, args[0])
		if err != nil {
			return err
		}
		if err := orch.DeleteRepo(ctx, repo.ID); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", repo.Slug)
		return nil
	},
}

func setRepoActive(slug string, active bool) error {
	ctx := context.Background()
	_, orch, closeDB, err := openOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	repo, err := orch.GetRepoBySlug(ctx, slug)
	if err != nil {
		return err
	}
	repo.Active = active
	if err := orch.UpdateRepo(ctx, repo); err != nil {
		return err
	}
	if active {
		fmt.Println(successStyle.Render("Enabled " + repo.Slug))
	} else {
		fmt.Printf("Disabled %s\n", repo.Slug)
	}
	return nil
}

func slugify(ref string) string {
	s := strings.ToLower(ref)
	s = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(s)
	return strings.Trim(s, "-")
}
