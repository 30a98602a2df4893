package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/config"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Control running agents over the Redis side channel",
	Long: `Pause, resume, and message agent runners without restarting them.
Requires orchestrator.redis_url to be configured.`,
}

var agentsEnableCmd = &cobra.Command{
	Use:   "enable <agent>",
	Short: "Allow an agent's runner to claim new tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(args[0], true)
	},
}

var agentsDisableCmd = &cobra.Command{
	Use:   "disable <agent>",
	Short: "Pause an agent's runner (current session finishes, no new claims)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(args[0], false)
	},
}

var agentsSendPayload string

var agentsSendCmd = &cobra.Command{
	Use:   "send <agent> <subject>",
	Short: "Send an advisory mail message to an agent's runner",
	Long: `Queues a message in the agent's mailbox. The runner drains its
mailbox each supervision iteration; a "create_task" subject with a JSON
payload asks the runner to file a task on the sender's behalf.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		b, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		var payload json.RawMessage
		if agentsSendPayload != "" {
			if !json.Valid([]byte(agentsSendPayload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			payload = json.RawMessage(agentsSendPayload)
		}
		err = b.SendMail(ctx, bus.Mail{
			From:    "cli",
			To:      args[0],
			Subject: args[1],
			Payload: payload,
		})
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Queued mail for " + args[0]))
		return nil
	},
}

func init() {
	agentsSendCmd.Flags().StringVar(&agentsSendPayload, "payload", "", "JSON payload for the message")
	agentsCmd.AddCommand(agentsEnableCmd, agentsDisableCmd, agentsSendCmd)
}

func openBus(ctx context.Context) (*bus.Bus, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Orchestrator.RedisURL == "" {
		return nil, fmt.Errorf("orchestrator.redis_url is not configured")
	}
	return bus.Connect(ctx, cfg.Orchestrator.RedisURL)
}

func setAgentEnabled(agentID string, enabled bool) error {
	ctx := context.Background()
	b, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.SetAgentEnabled(ctx, agentID, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Println(successStyle.Render("Enabled " + agentID))
	} else {
		fmt.Printf("Disabled %s (finishes its current session, claims nothing new)\n", agentID)
	}
	return nil
}
