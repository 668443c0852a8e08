// Package run models one execution attempt of a work order and the
// state machine that governs it.
package run

import (
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Result is the terminal outcome of a run.
type Result string

const (
	ResultNone               Result = ""
	ResultPassed             Result = "passed"
	ResultFailedBuild        Result = "failed_build"
	ResultFailedVerification Result = "failed_verification"
	ResultFailedError        Result = "failed_error"
	ResultCanceled           Result = "canceled"
)

// ResultForFailure maps a failure kind to the run result it produces.
func ResultForFailure(kind gateerrors.FailureKind) Result {
	switch kind {
	case gateerrors.FailureAgentCrash, gateerrors.FailureAgentTimeout, gateerrors.FailureAgentTaskFailure:
		return ResultFailedBuild
	case gateerrors.FailureTypecheck, gateerrors.FailureLint, gateerrors.FailureTest, gateerrors.FailureBlackbox:
		return ResultFailedVerification
	case gateerrors.FailureCI:
		return ResultFailedVerification
	default:
		return ResultFailedError
	}
}

// IterationData is the telemetry record for one BUILD→SNAPSHOT→VERIFY cycle.
type IterationData struct {
	Iteration          int       `yaml:"iteration" json:"iteration"`
	StartedAt          time.Time `yaml:"started_at" json:"started_at"`
	EndedAt            time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
	DurationMs         int64     `yaml:"duration_ms" json:"duration_ms"`
	VerificationPassed bool      `yaml:"verification_passed" json:"verification_passed"`

	// Agent-run metrics.
	AgentDurationMs int64   `yaml:"agent_duration_ms,omitempty" json:"agent_duration_ms,omitempty"`
	NumTurns        int     `yaml:"num_turns,omitempty" json:"num_turns,omitempty"`
	InputTokens     int     `yaml:"input_tokens,omitempty" json:"input_tokens,omitempty"`
	OutputTokens    int     `yaml:"output_tokens,omitempty" json:"output_tokens,omitempty"`
	CostUSD         float64 `yaml:"cost_usd,omitempty" json:"cost_usd,omitempty"`

	ErrorType    gateerrors.FailureKind `yaml:"error_type,omitempty" json:"error_type,omitempty"`
	ErrorDetails *gateerrors.BuildError `yaml:"error_details,omitempty" json:"error_details,omitempty"`

	// Paths to persisted artifacts, relative to the run directory.
	AgentResultFile  string `yaml:"agent_result_file,omitempty" json:"agent_result_file,omitempty"`
	VerificationFile string `yaml:"verification_file,omitempty" json:"verification_file,omitempty"`

	SnapshotID        string `yaml:"snapshot_id,omitempty" json:"snapshot_id,omitempty"`
	FeedbackGenerated bool   `yaml:"feedback_generated,omitempty" json:"feedback_generated,omitempty"`
}

// Warning records a non-fatal fault observed during a run.
type Warning struct {
	Type      string    `yaml:"type" json:"type"`
	Message   string    `yaml:"message" json:"message"`
	Iteration int       `yaml:"iteration" json:"iteration"`
	Time      time.Time `yaml:"time" json:"time"`
}

// Run is one execution attempt of a work order.
type Run struct {
	ID          string `yaml:"id" json:"id"`
	WorkOrderID string `yaml:"work_order_id" json:"work_order_id"`
	WorkspaceID string `yaml:"workspace_id,omitempty" json:"workspace_id,omitempty"`

	State     State  `yaml:"state" json:"state"`
	Result    Result `yaml:"result,omitempty" json:"result,omitempty"`
	Iteration int    `yaml:"iteration" json:"iteration"`

	// SessionID is handed back to the agent driver so later iterations
	// continue the same conversation.
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`

	Branch   string `yaml:"branch,omitempty" json:"branch,omitempty"`
	PRUrl    string `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	PRNumber int    `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`

	Iterations []IterationData `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Warnings   []Warning       `yaml:"warnings,omitempty" json:"warnings,omitempty"`

	Error *gateerrors.BuildError `yaml:"error,omitempty" json:"error,omitempty"`

	StartedAt time.Time `yaml:"started_at" json:"started_at"`
	EndedAt   time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// New creates a run in the Created state, cursor at iteration 1.
func New(workOrderID string) *Run {
	return &Run{
		ID:          "run-" + uuid.New().String()[:8],
		WorkOrderID: workOrderID,
		State:       StateCreated,
		Iteration:   1,
		StartedAt:   time.Now(),
	}
}

// Apply advances the run's state via the transition table.
func (r *Run) Apply(event Event) error {
	next, err := Next(r.State, event)
	if err != nil {
		return err
	}
	r.State = next
	return nil
}

// IsTerminal reports whether the run has reached a terminal state.
func (r *Run) IsTerminal() bool {
	return IsTerminalState(r.State)
}

// AddWarning appends a non-fatal fault to the run record.
func (r *Run) AddWarning(kind, message string) {
	r.Warnings = append(r.Warnings, Warning{
		Type:      kind,
		Message:   message,
		Iteration: r.Iteration,
		Time:      time.Now(),
	})
}

// CurrentIteration returns the IterationData entry for the run's cursor,
// or nil when the iteration has not been opened yet.
func (r *Run) CurrentIteration() *IterationData {
	for i := len(r.Iterations) - 1; i >= 0; i-- {
		if r.Iterations[i].Iteration == r.Iteration {
			return &r.Iterations[i]
		}
	}
	return nil
}
