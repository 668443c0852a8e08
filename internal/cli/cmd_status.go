package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/order"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var showRun bool

	cmd := &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show one work order",
		Long: `Show a work order's status, queue position, and run summary.

Examples:
  agentgate status wo-1a2b3c4d
  agentgate status wo-1a2b3c4d --run   # include the full run record`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			detail, err := client.GetOrder(args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				if !showRun || detail.Order.RunID == "" {
					return printJSON(detail)
				}
				r, err := client.GetRun(detail.Order.RunID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"order": detail.Order, "position": detail.Position, "run": r})
			}

			ord := detail.Order
			fmt.Printf("Order:    %s\n", ord.ID)
			fmt.Printf("Status:   %s\n", ord.Status)
			fmt.Printf("Prompt:   %s\n", truncate(ord.TaskPrompt, 80))
			fmt.Printf("Created:  %s (%s ago)\n", ord.CreatedAt.Format(time.RFC3339), humanAge(ord.CreatedAt))
			if ord.Note != "" {
				fmt.Printf("Note:     %s\n", ord.Note)
			}
			if detail.Position != nil && ord.Status == order.StatusQueued {
				fmt.Printf("Position: %d (%d ahead)\n", detail.Position.Position, detail.Position.Ahead)
				if detail.Position.ETAMs != nil {
					eta := time.Duration(*detail.Position.ETAMs) * time.Millisecond
					fmt.Printf("ETA:      ~%s\n", eta.Round(time.Second))
				}
			}
			if ord.RunID != "" {
				fmt.Printf("Run:      %s\n", ord.RunID)
				if showRun {
					r, err := client.GetRun(ord.RunID)
					if err != nil {
						return err
					}
					fmt.Printf("  State:      %s\n", r.State)
					if r.Result != "" {
						fmt.Printf("  Result:     %s\n", r.Result)
					}
					fmt.Printf("  Iterations: %d\n", len(r.Iterations))
					if r.Branch != "" {
						fmt.Printf("  Branch:     %s\n", r.Branch)
					}
					if r.PRUrl != "" {
						fmt.Printf("  PR:         %s\n", r.PRUrl)
					}
					for _, w := range r.Warnings {
						fmt.Printf("  Warning:    %s %s\n", w.Type, w.Message)
					}
					if r.Error != nil {
						fmt.Printf("  Error:      %s\n", r.Error.Message)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showRun, "run", false, "include the run record")
	return cmd
}
