package cli

import (
	"fmt"

	"github.com/agentgate/agentgate/internal/tui"
)

// runWatch starts the dashboard against the daemon's API. The TUI needs
// an interactive terminal; fall back to a hint otherwise.
func runWatch(baseURL string) error {
	if !isTTY() {
		return fmt.Errorf("watch needs an interactive terminal; use 'agentgate queue --json' instead")
	}
	return tui.Run(tui.NewHTTPSource(baseURL))
}
