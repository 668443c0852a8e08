package verify

import (
	"fmt"
	"strings"
)

// feedbackSectionLimit caps how much of a check's output is quoted back
// to the agent; the end of the output usually carries the summary.
const feedbackSectionLimit = 3000

// FeedbackGenerator renders a failed verification report into a prompt
// section for the next build iteration.
type FeedbackGenerator struct{}

// NewFeedbackGenerator creates a feedback generator.
func NewFeedbackGenerator() *FeedbackGenerator {
	return &FeedbackGenerator{}
}

// Generate produces a deterministic feedback message for the agent. It
// returns an empty string for a passed report.
func (g *FeedbackGenerator) Generate(report *Report, iteration int) string {
	if report == nil || report.Passed {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Verification Failures (iteration %d)\n\n", iteration)
	sb.WriteString("The following checks failed. Fix these issues before finishing.\n\n")

	for _, level := range report.Levels {
		if level.Passed || level.Skipped {
			continue
		}
		fmt.Fprintf(&sb, "### %s (%s) failed\n\n", level.Name, level.ID)
		for _, check := range level.Checks {
			if check.Passed || check.Skipped {
				continue
			}
			fmt.Fprintf(&sb, "**%s** (`%s`)", check.Name, check.Command)
			if check.TimedOut {
				sb.WriteString(" timed out")
			} else {
				fmt.Fprintf(&sb, " exited %d", check.ExitCode)
			}
			sb.WriteString("\n\n")

			output := check.StderrTail
			if strings.TrimSpace(output) == "" {
				output = check.StdoutTail
			}
			if strings.TrimSpace(output) != "" {
				sb.WriteString("```\n")
				sb.WriteString(truncateOutput(output, feedbackSectionLimit))
				sb.WriteString("\n```\n\n")
			}
		}
	}

	sb.WriteString("Fix all issues above. Do not change unrelated code.\n")
	return sb.String()
}

// truncateOutput keeps the end of the output, which usually has the
// relevant error summary.
func truncateOutput(output string, maxLen int) string {
	if len(output) <= maxLen {
		return output
	}
	return "...[truncated]\n" + output[len(output)-maxLen:]
}
