package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newPurgeCmd creates the purge command.
func newPurgeCmd() *cobra.Command {
	var (
		statuses  []string
		olderThan string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal work orders",
		Long: `Delete work orders in terminal statuses (succeeded, failed,
canceled). Non-terminal statuses are refused.

Examples:
  agentgate purge --dry-run                     # preview everything terminal
  agentgate purge --status succeeded
  agentgate purge --status failed,canceled --older-than 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			result, err := client.Purge(statuses, olderThan, dryRun)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(result)
			}
			if result.DryRun {
				fmt.Printf("Would purge %d order(s)\n", result.Count)
			} else {
				fmt.Printf("Purged %d order(s)\n", result.Count)
			}
			if verbose {
				for _, id := range result.Purged {
					fmt.Println("  " + id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "terminal statuses to purge (default: all terminal)")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "only orders last updated before this long ago, e.g. 168h")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be purged without deleting")

	return cmd
}
