package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newQueueCmd creates the queue command.
func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue health and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}

			health, err := client.QueueHealth()
			if err != nil {
				return err
			}
			state, err := client.QueueState()
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{"health": health, "queue": state})
			}

			fmt.Printf("Status:      %s\n", health.Status)
			fmt.Printf("Running:     %d/%d (%.0f%% utilized)\n",
				health.Stats.Running, health.Stats.MaxConcurrent, health.Utilization*100)
			fmt.Printf("Waiting:     %d/%d\n", health.Stats.Waiting, health.Stats.MaxQueueSize)
			if health.Stats.AverageWaitMs != nil {
				avg := time.Duration(*health.Stats.AverageWaitMs) * time.Millisecond
				fmt.Printf("Avg wait:    %s\n", avg.Round(time.Second))
			}
			accepting := "yes"
			if !health.Stats.Accepting {
				accepting = "no"
			}
			fmt.Printf("Accepting:   %s\n", accepting)
			if len(health.Indicators) > 0 {
				fmt.Printf("Indicators:  %s\n", strings.Join(health.Indicators, ", "))
			}

			if len(state.Waiting) > 0 {
				fmt.Println("\nWaiting:")
				tw := newTable()
				fmt.Fprintln(tw, "  #\tID\tPRIORITY\tWAITED\tETA")
				for _, e := range state.Waiting {
					eta := "-"
					if e.ETAMs != nil {
						eta = (time.Duration(*e.ETAMs) * time.Millisecond).Round(time.Second).String()
					}
					fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\t%s\n",
						e.Position, e.ID, e.Priority, humanAge(e.EnqueuedAt), eta)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if len(state.Running) > 0 {
				fmt.Println("\nRunning:")
				for _, e := range state.Running {
					fmt.Printf("  %s  %s\n", e.ID, humanAge(e.StartedAt))
				}
			}
			return nil
		},
	}
}

// newWatchCmd creates the watch command.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live queue dashboard",
		Long:  `Open a full-screen dashboard that refreshes every 2 seconds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runWatch(daemonURL(cfg))
		},
	}
}
