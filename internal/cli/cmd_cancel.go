package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the cancel command.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a queued or running work order",
		Long: `Cancel a work order. Queued orders leave the queue immediately;
running orders get a graceful cancellation request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			if err := client.Cancel(args[0]); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"id": args[0], "canceled": true})
			}
			fmt.Printf("Canceled %s\n", args[0])
			return nil
		},
	}
}

// newKillCmd creates the kill command.
func newKillCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "kill <order-id>",
		Short: "Terminate a running work order",
		Long: `Terminate a running work order's agent process.

Without --force the agent gets a termination signal and a grace window;
--force kills the process group immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			if err := client.Kill(args[0], force); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{"id": args[0], "killed": true, "force": force})
			}
			fmt.Printf("Killed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the graceful termination window")
	return cmd
}
