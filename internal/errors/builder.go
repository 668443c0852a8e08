package errors

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"time"
)

// FailureKind classifies a run failure. The taxonomy is closed: every
// failure a run can surface maps to exactly one of these kinds.
type FailureKind string

const (
	FailureAgentCrash       FailureKind = "agent_crash"
	FailureAgentTimeout     FailureKind = "agent_timeout"
	FailureAgentTaskFailure FailureKind = "agent_task_failure"
	FailureTypecheck        FailureKind = "typecheck_failed"
	FailureLint             FailureKind = "lint_failed"
	FailureTest             FailureKind = "test_failed"
	FailureBlackbox         FailureKind = "blackbox_failed"
	FailureCI               FailureKind = "ci_failed"
	FailureWorkspace        FailureKind = "workspace_error"
	FailureSnapshot         FailureKind = "snapshot_error"
	FailureGitHub           FailureKind = "github_error"
	FailureSystem           FailureKind = "system_error"
	FailureUnknown          FailureKind = "unknown"
)

// tailLimit bounds how much of each output stream a BuildError retains.
const tailLimit = 4096

// BuildError is the structured classification of a run failure. It is
// attached to the run record and to the iteration that produced it.
type BuildError struct {
	Type             FailureKind    `json:"type" yaml:"type"`
	Message          string         `json:"message" yaml:"message"`
	FailedAt         time.Time      `json:"failed_at" yaml:"failed_at"`
	ExitCode         int            `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	StdoutTail       string         `json:"stdout_tail,omitempty" yaml:"stdout_tail,omitempty"`
	StderrTail       string         `json:"stderr_tail,omitempty" yaml:"stderr_tail,omitempty"`
	AgentResultFile  string         `json:"agent_result_file,omitempty" yaml:"agent_result_file,omitempty"`
	VerificationFile string         `json:"verification_file,omitempty" yaml:"verification_file,omitempty"`
	Context          map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// timeoutPattern matches agent stderr that indicates a timeout rather
// than a task-level failure.
var timeoutPattern = regexp.MustCompile(`(?i)timeout|terminated`)

// FromAgentResult classifies a failed agent invocation. Callers invoke it
// only when the agent did not succeed.
func FromAgentResult(exitCode int, success bool, stdout, stderr string) *BuildError {
	be := &BuildError{
		FailedAt:   time.Now(),
		ExitCode:   exitCode,
		StdoutTail: Tail(stdout),
		StderrTail: Tail(stderr),
	}
	switch {
	case exitCode != 0:
		be.Type = FailureAgentCrash
		be.Message = fmt.Sprintf("agent process exited with code %d", exitCode)
	case !success && timeoutPattern.MatchString(stderr):
		be.Type = FailureAgentTimeout
		be.Message = "agent run timed out"
	default:
		be.Type = FailureAgentTaskFailure
		be.Message = "agent reported the task as failed"
	}
	return be
}

// LevelFailure names one failing check within a verification level.
// Slices passed to FromVerification are ordered earliest level first.
type LevelFailure struct {
	Level string // L0..L3
	Check string // check name, e.g. "typecheck", "lint", "unit"
}

// FromVerification classifies a failed verification report. The earliest
// failing level determines the kind.
func FromVerification(failures []LevelFailure, diagnostics []string) *BuildError {
	be := &BuildError{
		FailedAt: time.Now(),
		Context:  map[string]any{},
	}
	if len(failures) == 0 {
		be.Type = FailureUnknown
		be.Message = "verification failed without a failing level"
		return be
	}

	first := failures[0]
	switch first.Level {
	case "L0":
		name := strings.ToLower(first.Check)
		if strings.Contains(name, "lint") || strings.Contains(name, "eslint") {
			be.Type = FailureLint
		} else {
			// L0 is the static level; typecheck is its canonical member.
			be.Type = FailureTypecheck
		}
	case "L1":
		be.Type = FailureTest
	case "L2":
		be.Type = FailureBlackbox
	case "L3":
		be.Type = FailureCI
	default:
		be.Type = FailureUnknown
	}
	be.Message = fmt.Sprintf("verification failed at %s (%s)", first.Level, first.Check)

	levels := make([]string, 0, len(failures))
	seen := map[string]bool{}
	for _, f := range failures {
		if !seen[f.Level] {
			seen[f.Level] = true
			levels = append(levels, f.Level)
		}
	}
	be.Context["failedLevels"] = levels
	if len(diagnostics) > 5 {
		diagnostics = diagnostics[:5]
	}
	if len(diagnostics) > 0 {
		be.Context["diagnostics"] = diagnostics
	}
	return be
}

// FromSystemError classifies an unexpected error escaping the iteration
// body. Matching is by substring on the error message.
func FromSystemError(err error) *BuildError {
	be := &BuildError{
		FailedAt: time.Now(),
		Message:  err.Error(),
		Context: map[string]any{
			"errorType": fmt.Sprintf("%T", err),
			"stack":     string(debug.Stack()),
		},
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "workspace"):
		be.Type = FailureWorkspace
	case strings.Contains(msg, "snapshot"), strings.Contains(msg, "git"):
		be.Type = FailureSnapshot
	case strings.Contains(msg, "github"), strings.Contains(msg, "rate limit"):
		be.Type = FailureGitHub
	default:
		be.Type = FailureSystem
	}
	return be
}

// WallClockExceeded builds the timeout error applied when a run overruns
// its wall-clock budget.
func WallClockExceeded(elapsed, limit time.Duration) *BuildError {
	return &BuildError{
		Type:     FailureAgentTimeout,
		Message:  fmt.Sprintf("wall clock budget exceeded: %s elapsed, limit %s", elapsed.Round(time.Second), limit),
		FailedAt: time.Now(),
	}
}

// Tail returns the last tailLimit bytes of s.
func Tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	return s[len(s)-tailLimit:]
}
