package intake

import (
	"strings"

	"github.com/agentgate/agentgate/internal/order"
)

// Priority levels assigned to Jira priority names. The queue treats a
// larger value as more urgent; equal values stay FIFO.
const (
	PriorityHighest = 100
	PriorityHigh    = 50
	PriorityNormal  = 0
	PriorityLow     = -50
	PriorityLowest  = -100
)

// OrderFromIssue builds a work order from a Jira issue. The prompt is the
// summary followed by the rendered description; the issue key lands in the
// order note as the idempotency anchor.
func OrderFromIssue(issue Issue, ws order.WorkspaceSource) *order.WorkOrder {
	prompt := issue.Summary
	if issue.Description != "" {
		prompt += "\n\n" + issue.Description
	}

	ord := order.New(prompt, ws)
	ord.Note = noteFromIssue(issue)
	return ord
}

// PriorityFromName maps Jira's five priority names onto queue priority.
// Unknown names get normal priority.
func PriorityFromName(name string) int {
	switch strings.ToLower(name) {
	case "highest":
		return PriorityHighest
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityNormal
	case "low":
		return PriorityLow
	case "lowest":
		return PriorityLowest
	default:
		return PriorityNormal
	}
}

func noteFromIssue(issue Issue) string {
	parts := []string{"jira:" + issue.Key}
	if len(issue.Labels) > 0 {
		parts = append(parts, "labels:"+strings.Join(issue.Labels, ","))
	}
	if len(issue.Components) > 0 {
		parts = append(parts, "components:"+strings.Join(issue.Components, ","))
	}
	return strings.Join(parts, " ")
}
