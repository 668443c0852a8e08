// Package order defines work orders, the unit of submission for agentgate.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Status represents the lifecycle state of a work order.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled}
}

// IsValidStatus returns true if s is a known status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// validTransitions defines the allowed status graph. Terminal statuses
// map to an empty list and absorb every transition attempt.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// CanTransition reports whether a status change is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0 && IsValidStatus(s)
}

// SourceKind selects how a workspace is materialized.
type SourceKind string

const (
	SourceLocal SourceKind = "local" // existing directory, used in place
	SourceGit   SourceKind = "git"   // clone from a git URL
	SourceForge SourceKind = "forge" // clone a repo known to the hosting provider
	SourceFresh SourceKind = "fresh" // empty directory seeded from a template
)

// WorkspaceSource names where a work order's workspace comes from.
type WorkspaceSource struct {
	Kind SourceKind `yaml:"kind" json:"kind"`
	// Path is the directory for local sources and the destination for fresh ones.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// URL and Ref apply to git sources.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
	// Repo is an owner/name reference for forge sources.
	Repo string `yaml:"repo,omitempty" json:"repo,omitempty"`
}

// Validate checks that the source names enough to materialize.
func (s WorkspaceSource) Validate() error {
	switch s.Kind {
	case SourceLocal:
		if s.Path == "" {
			return gateerrors.ErrConfigMissing("workspace.path")
		}
	case SourceGit:
		if s.URL == "" {
			return gateerrors.ErrConfigMissing("workspace.url")
		}
	case SourceForge:
		if s.Repo == "" || !strings.Contains(s.Repo, "/") {
			return gateerrors.ErrConfigInvalid("workspace.repo", "forge sources need an owner/name reference")
		}
	case SourceFresh:
		if s.Path == "" {
			return gateerrors.ErrConfigMissing("workspace.path")
		}
	default:
		return gateerrors.ErrConfigInvalid("workspace.kind", fmt.Sprintf("unknown source kind %q", s.Kind))
	}
	return nil
}

// WorkOrder is a user-submitted coding task plus its mutable status.
// The task fields are immutable after submission; only Status, ChildIDs,
// and the timestamps change.
type WorkOrder struct {
	ID string `yaml:"id" json:"id"`

	// TaskPrompt is the instruction handed to the agent on iteration 1.
	TaskPrompt string `yaml:"task_prompt" json:"task_prompt"`

	// Workspace names where the agent works.
	Workspace WorkspaceSource `yaml:"workspace" json:"workspace"`

	// AgentType selects the registered agent driver (e.g. "claude").
	AgentType string `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`

	// GatePlanSource selects the verification plan ("auto" or a file path).
	GatePlanSource string `yaml:"gate_plan,omitempty" json:"gate_plan,omitempty"`

	// Limits. Zero means "use the configured default".
	MaxIterations int           `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxWallClock  time.Duration `yaml:"max_wall_clock,omitempty" json:"max_wall_clock,omitempty"`

	// Tree shape for spawned children.
	ParentID     string   `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	RootID       string   `yaml:"root_id,omitempty" json:"root_id,omitempty"`
	Depth        int      `yaml:"depth,omitempty" json:"depth,omitempty"`
	SiblingIndex int      `yaml:"sibling_index,omitempty" json:"sibling_index,omitempty"`
	ChildIDs     []string `yaml:"child_ids,omitempty" json:"child_ids,omitempty"`

	Status Status `yaml:"status" json:"status"`

	// Note carries a human-readable reason for the latest status change.
	Note string `yaml:"note,omitempty" json:"note,omitempty"`

	// RunID references the run that produced the terminal status.
	RunID string `yaml:"run_id,omitempty" json:"run_id,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// NewID generates a fresh work order id.
func NewID() string {
	return "wo-" + uuid.New().String()[:8]
}

// New creates a queued work order for the given prompt and workspace.
func New(prompt string, ws WorkspaceSource) *WorkOrder {
	now := time.Now()
	id := NewID()
	return &WorkOrder{
		ID:         id,
		TaskPrompt: prompt,
		Workspace:  ws,
		RootID:     id,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks submission-time invariants.
func (o *WorkOrder) Validate() error {
	if strings.TrimSpace(o.TaskPrompt) == "" {
		return gateerrors.ErrConfigMissing("task_prompt")
	}
	if o.MaxIterations < 0 {
		return gateerrors.ErrConfigInvalid("max_iterations", "must not be negative")
	}
	if o.MaxWallClock < 0 {
		return gateerrors.ErrConfigInvalid("max_wall_clock", "must not be negative")
	}
	return o.Workspace.Validate()
}

// IsTerminal reports whether the order has reached a terminal status.
func (o *WorkOrder) IsTerminal() bool {
	return IsTerminal(o.Status)
}

// SpawnChild creates a child order below o. Children carry the parent's
// root id and depth+1; the parent's ChildIDs gains the new id.
func (o *WorkOrder) SpawnChild(prompt string, ws WorkspaceSource) *WorkOrder {
	child := New(prompt, ws)
	child.ParentID = o.ID
	child.RootID = o.RootID
	child.Depth = o.Depth + 1
	child.SiblingIndex = len(o.ChildIDs)
	o.ChildIDs = append(o.ChildIDs, child.ID)
	o.UpdatedAt = time.Now()
	return child
}

// StatusPatch carries the optional fields UpdateStatus may set alongside
// the status itself.
type StatusPatch struct {
	Note  string
	RunID string
}
