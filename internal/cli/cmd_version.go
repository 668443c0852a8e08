package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "0.1.0-dev"

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show agentgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentgate version " + Version)
		},
	}
}
