package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent fleet and queue at a glance",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, orch, closeDB, err := openOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	agents, err := orch.ListAgentStatuses(ctx)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render("Agent fleet"))
	if len(agents) == 0 {
		fmt.Println(dimStyle.Render("  No agents have reported yet. Start one with: autodev runner --agent <id>"))
	}
	for _, a := range agents {
		status := a.Status
		if orchestrator.AgentOffline(a) {
			status = "offline"
		}
		rendered := status
		switch status {
		case models.AgentRunning:
			rendered = successStyle.Render(status)
		case models.AgentIdle:
			rendered = dimStyle.Render(status)
		case models.AgentError, models.AgentRateLimited, models.AgentOverBudget, "offline":
			rendered = warnStyle.Render(status)
		}
		task := a.CurrentTaskID
		if task == "" {
			task = "-"
		}
		fmt.Printf("  %-12s %-24s tasks: %-4d tokens: %-10d %s\n",
			a.AgentID, rendered, a.TasksCompleted, a.TokensUsed,
			dimStyle.Render("task: "+task))
	}

	tasks, err := orch.ListTasks(ctx, "", 200)
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	fmt.Println()
	fmt.Println(headerStyle.Render("Queue"))
	fmt.Printf("  pending: %d  claimed: %d  in progress: %d  completed: %d  failed: %d\n",
		counts[models.TaskPending], counts[models.TaskClaimed], counts[models.TaskInProgress],
		counts[models.TaskCompleted], counts[models.TaskFailed])

	pending, err := orch.PendingApprovals(ctx, "")
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Println()
		fmt.Println(warnStyle.Render(fmt.Sprintf("%d approval(s) waiting, review with: autodev approvals list", len(pending))))
	}
	return nil
}
