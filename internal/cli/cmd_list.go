package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newListCmd creates the list command.
func newListCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List work orders",
		Long: `List work orders, newest first.

Examples:
  agentgate list
  agentgate list --status queued,running
  agentgate list --status failed --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			orders, err := client.ListOrders(statuses, limit, offset)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(orders)
			}
			if len(orders) == 0 {
				fmt.Println("No work orders found.")
				return nil
			}

			promptWidth := 50
			if isTTY() {
				// ID + status + age columns take roughly 40 cells.
				if w := termWidth() - 40; w > promptWidth {
					promptWidth = w
				}
			}

			tw := newTable()
			fmt.Fprintln(tw, "ID\tSTATUS\tAGE\tPROMPT")
			for _, ord := range orders {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ord.ID, ord.Status, humanAge(ord.UpdatedAt), truncate(ord.TaskPrompt, promptWidth))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (queued, running, succeeded, failed, canceled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum orders to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "orders to skip")

	return cmd
}
