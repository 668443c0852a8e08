package cli

import (
	"errors"
	"fmt"
	"os"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Exit codes. Queue refusals get their own code so scripts can retry.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitRefused = 2
)

// refusalCodes are the admission refusals worth distinguishing for
// callers that queue work in a loop.
var refusalCodes = map[string]bool{
	string(gateerrors.CodeQueueFull):           true,
	string(gateerrors.CodeAlreadyQueued):       true,
	string(gateerrors.CodeConcurrencyExceeded): true,
}

// ExitCode maps an error to the process exit code. Refusals that
// arrived over the API carry their code in the response body.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if refusalCodes[apiErr.Code] {
			return ExitRefused
		}
		return ExitFailure
	}
	return gateerrors.ExitCode(err)
}

// PrintError prints an error to stderr with appropriate formatting.
func PrintError(err error) {
	if gateErr := gateerrors.AsGateError(err); gateErr != nil {
		fmt.Fprintln(os.Stderr, gateErr.UserMessage())
		if verbose {
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", gateErr.Code)
			if gateErr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", gateErr.Cause)
			}
		}
		return
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
		if apiErr.Fix != "" {
			fmt.Fprintf(os.Stderr, "\nFix: %s\n", apiErr.Fix)
		}
		if verbose && apiErr.Code != "" {
			fmt.Fprintf(os.Stderr, "\nCode: %s (HTTP %d)\n", apiErr.Code, apiErr.Status)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
