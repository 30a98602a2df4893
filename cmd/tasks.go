package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/orchestrator"
)

var (
	tasksRepoSlug  string
	tasksLimit     int
	taskPriority   int
	taskAgent      string
	taskPayload    string
	cancelReason   string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		repoID := ""
		if tasksRepoSlug != "" {
			repo, err := orch.GetRepoBySlug(ctx, tasksRepoSlug)
			if err != nil {
				return err
			}
			repoID = repo.ID
		}

		tasks, err := orch.ListTasks(ctx, repoID, tasksLimit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		fmt.Println(headerStyle.Render("Tasks"))
		for _, t := range tasks {
			status := t.Status
			switch t.Status {
			case "completed":
				status = successStyle.Render(t.Status)
			case "failed":
				status = warnStyle.Render(t.Status)
			}
			owner := t.AssignedTo
			if owner == "" {
				owner = "-"
			}
			fmt.Printf("  %-22s p%-2d %-12s %-10s %s\n",
				t.Type, t.Priority, status, owner, dimStyle.Render(t.ID))
		}
		return nil
	},
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "File a task by hand",
	Long: `Creates a pending task on the queue, the same way the webhook
router or scheduler would.

Examples:
  autodev tasks create triage_issue --repo acme-app --payload '{"issue_iid": 42}'
  autodev tasks create code_review --repo acme-app --agent reviewer --priority 7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		repoID := ""
		if tasksRepoSlug != "" {
			repo, err := orch.GetRepoBySlug(ctx, tasksRepoSlug)
			if err != nil {
				return err
			}
			repoID = repo.ID
		}
		if taskPayload != "" && !json.Valid([]byte(taskPayload)) {
			return fmt.Errorf("payload must be valid JSON")
		}

		task, err := orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
			RepoID:     repoID,
			Type:       args[0],
			Payload:    json.RawMessage(taskPayload),
			Priority:   taskPriority,
			CreatedBy:  "cli",
			AssignedTo: taskAgent,
		})
		if err != nil {
			return err
		}
		if task == nil {
			fmt.Println(warnStyle.Render("Rejected: an equivalent task is already queued."))
			return nil
		}
		fmt.Println(successStyle.Render("Created " + task.ID))
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		task, err := orch.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a non-terminal task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		_, orch, closeDB, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		ok, err := orch.CancelTask(ctx, args[0], cancelReason, reviewerName())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(dimStyle.Render("Task is already terminal; nothing to cancel."))
			return nil
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksRepoSlug, "repo", "", "Filter by repo slug")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 30, "Maximum tasks to show")
	tasksCreateCmd.Flags().StringVar(&tasksRepoSlug, "repo", "", "Repo slug the task belongs to")
	tasksCreateCmd.Flags().IntVar(&taskPriority, "priority", 5, "Priority 1-10")
	tasksCreateCmd.Flags().StringVar(&taskAgent, "agent", "", "Assign directly to this agent")
	tasksCreateCmd.Flags().StringVar(&taskPayload, "payload", "", "Task payload JSON")
	tasksCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled from CLI", "Cancellation reason")
	tasksCmd.AddCommand(tasksListCmd, tasksCreateCmd, tasksShowCmd, tasksCancelCmd)
}
