package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
)

var approvalsRepoSlug string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review pending decision gates",
	Long: `List, approve, and reject the decisions agents have queued for
human sign-off: issue creation batches, specs, merges, and deploys.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		repoID := ""
		if approvalsRepoSlug != "" {
			repo, err := orch.GetRepoBySlug(ctx, approvalsRepoSlug)
			if err != nil {
				return err
			}
			repoID = repo.ID
		}

		pending, err := orch.PendingApprovals(ctx, repoID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}
		fmt.Println(headerStyle.Render("Pending approvals"))
		for _, a := range pending {
			fmt.Printf("  %s  %s\n", warnStyle.Render(a.ApprovalType), a.Title)
			fmt.Println(dimStyle.Render("    id: " + a.ID + "  by: " + a.SubmittedBy + "  at: " + a.CreatedAt))
			if a.Description != "" {
				fmt.Println("    " + a.Description)
			}
		}
		fmt.Printf("\nDecide with: autodev approvals approve|reject <id>\n")
		return nil
	},
}

var approvalNotes string

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := orch.Approve(ctx, args[0], approvalNotes, reviewerName()); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Approved " + args[0]))
		return nil
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if approvalNotes == "" {
			return fmt.Errorf("rejection requires --notes explaining the decision")
		}
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := orch.Reject(ctx, args[0], approvalNotes, reviewerName()); err != nil {
			return err
		}
		fmt.Printf("Rejected %s\n", args[0])
		return nil
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsRepoSlug, "repo", "", "Filter by repo slug")
	approvalsApproveCmd.Flags().StringVar(&approvalNotes, "notes", "", "Reviewer notes")
	approvalsRejectCmd.Flags().StringVar(&approvalNotes, "notes", "", "Reviewer notes (required for reject)")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
}

func reviewerName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
