package verify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// DefaultCheckTimeout bounds a single check command when neither the check
// nor the request sets one.
const DefaultCheckTimeout = 5 * time.Minute

// Request describes one verification.
type Request struct {
	SnapshotPath string
	Plan         *GatePlan
	SnapshotID   string
	RunID        string
	Iteration    int
	// Timeout is the per-check default when a check has no TimeoutSec.
	Timeout time.Duration
	// Skip lists level ids or check names to skip, case-insensitive.
	Skip []string
}

// CheckResult records one command invocation.
type CheckResult struct {
	Name       string `yaml:"name" json:"name"`
	Command    string `yaml:"command" json:"command"`
	Passed     bool   `yaml:"passed" json:"passed"`
	Skipped    bool   `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	ExitCode   int    `yaml:"exit_code" json:"exit_code"`
	TimedOut   bool   `yaml:"timed_out,omitempty" json:"timed_out,omitempty"`
	StdoutTail string `yaml:"stdout_tail,omitempty" json:"stdout_tail,omitempty"`
	StderrTail string `yaml:"stderr_tail,omitempty" json:"stderr_tail,omitempty"`
	DurationMs int64  `yaml:"duration_ms" json:"duration_ms"`
}

// LevelResult records one level's outcome.
type LevelResult struct {
	ID      string        `yaml:"id" json:"id"`
	Name    string        `yaml:"name" json:"name"`
	Passed  bool          `yaml:"passed" json:"passed"`
	Skipped bool          `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	Checks  []CheckResult `yaml:"checks" json:"checks"`
}

// Report is the result of a verification. Levels holds results for the
// levels that ran; verification stops at the first failing level.
type Report struct {
	Passed       bool          `yaml:"passed" json:"passed"`
	SnapshotID   string        `yaml:"snapshot_id" json:"snapshot_id"`
	RunID        string        `yaml:"run_id" json:"run_id"`
	Iteration    int           `yaml:"iteration" json:"iteration"`
	PlanName     string        `yaml:"plan_name" json:"plan_name"`
	Levels       []LevelResult `yaml:"levels" json:"levels"`
	FailedLevels []string      `yaml:"failed_levels,omitempty" json:"failed_levels,omitempty"`
	Diagnostics  []string      `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
	StartedAt    time.Time     `yaml:"started_at" json:"started_at"`
	DurationMs   int64         `yaml:"duration_ms" json:"duration_ms"`
}

// Failures maps the report's failed checks into the error builder's
// neutral shape, earliest level first.
func (r *Report) Failures() []gateerrors.LevelFailure {
	var out []gateerrors.LevelFailure
	for _, level := range r.Levels {
		if level.Passed || level.Skipped {
			continue
		}
		for _, check := range level.Checks {
			if !check.Passed && !check.Skipped {
				out = append(out, gateerrors.LevelFailure{Level: level.ID, Check: check.Name})
			}
		}
	}
	return out
}

// Verifier runs a gate plan against a snapshot.
type Verifier interface {
	Verify(ctx context.Context, req Request) (*Report, error)
}

// CommandVerifier runs plan checks as shell commands under the snapshot
// root. Levels run in order and the first failing level stops the run;
// within a level, the first failing check stops the level.
type CommandVerifier struct {
	shell  string
	logger *slog.Logger
}

// NewCommandVerifier creates a verifier using the host shell.
func NewCommandVerifier(logger *slog.Logger) *CommandVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandVerifier{
		shell:  detectShell(),
		logger: logger,
	}
}

// detectShell returns the available shell, preferring bash over sh.
func detectShell() string {
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	if _, err := exec.LookPath("sh"); err == nil {
		return "sh"
	}
	return "bash"
}

func (v *CommandVerifier) Verify(ctx context.Context, req Request) (*Report, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("verify: nil gate plan")
	}
	start := time.Now()
	report := &Report{
		Passed:     true,
		SnapshotID: req.SnapshotID,
		RunID:      req.RunID,
		Iteration:  req.Iteration,
		PlanName:   req.Plan.Name,
		StartedAt:  start,
	}
	skip := skipSet(req.Skip)

	for _, level := range req.Plan.Levels {
		if skip[strings.ToLower(level.ID)] || skip[strings.ToLower(level.Name)] {
			report.Levels = append(report.Levels, LevelResult{
				ID: level.ID, Name: level.Name, Passed: true, Skipped: true,
			})
			continue
		}

		lr, err := v.runLevel(ctx, req, level, skip)
		if err != nil {
			return nil, err
		}
		report.Levels = append(report.Levels, lr)

		if !lr.Passed {
			report.Passed = false
			report.FailedLevels = append(report.FailedLevels, level.ID)
			for _, check := range lr.Checks {
				if !check.Passed && !check.Skipped {
					report.Diagnostics = append(report.Diagnostics, diagnostic(level.ID, check))
				}
			}
			break
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	v.logger.Info("verification completed",
		"run_id", req.RunID,
		"iteration", req.Iteration,
		"passed", report.Passed,
		"failed_levels", report.FailedLevels,
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

func (v *CommandVerifier) runLevel(ctx context.Context, req Request, level Level, skip map[string]bool) (LevelResult, error) {
	lr := LevelResult{ID: level.ID, Name: level.Name, Passed: true}

	for _, check := range level.Checks {
		if skip[strings.ToLower(check.Name)] {
			lr.Checks = append(lr.Checks, CheckResult{
				Name: check.Name, Command: check.Command, Passed: true, Skipped: true,
			})
			continue
		}

		expanded, err := expandCheck(req.SnapshotPath, check)
		if err != nil {
			return lr, err
		}
		for _, c := range expanded {
			cr := v.runCheck(ctx, req, c)
			lr.Checks = append(lr.Checks, cr)
			if !cr.Passed {
				lr.Passed = false
				return lr, nil
			}
		}
	}
	return lr, nil
}

func (v *CommandVerifier) runCheck(ctx context.Context, req Request, check Check) CheckResult {
	timeout := DefaultCheckTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if check.TimeoutSec > 0 {
		timeout = time.Duration(check.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := req.SnapshotPath
	if check.Dir != "" {
		dir = filepath.Join(req.SnapshotPath, check.Dir)
	}

	v.logger.Debug("running check",
		"check", check.Name,
		"command", check.Command,
		"dir", dir,
	)

	start := time.Now()
	cmd := exec.CommandContext(ctx, v.shell, "-c", check.Command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	cr := CheckResult{
		Name:       check.Name,
		Command:    check.Command,
		Passed:     err == nil,
		StdoutTail: gateerrors.Tail(stdout.String()),
		StderrTail: gateerrors.Tail(stderr.String()),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		cr.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		cr.ExitCode = -1
	}
	if ctx.Err() == context.DeadlineExceeded {
		cr.TimedOut = true
		cr.Passed = false
		cr.StderrTail = gateerrors.Tail(cr.StderrTail + fmt.Sprintf("\n[TIMEOUT] command exceeded %v", timeout))
		v.logger.Warn("check timed out", "check", check.Name, "timeout", timeout)
	}
	return cr
}

// expandCheck turns a globbed check into one check per matched file, with
// {} in the command replaced by the file path. A check without globs is
// returned as-is; a globbed check with no matches expands to nothing.
func expandCheck(root string, check Check) ([]Check, error) {
	if len(check.Globs) == 0 {
		return []Check{check}, nil
	}

	seen := map[string]bool{}
	var files []string
	for _, pattern := range check.Globs {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("check %s: bad glob %q: %w", check.Name, pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)

	out := make([]Check, 0, len(files))
	for _, f := range files {
		out = append(out, Check{
			Name:       fmt.Sprintf("%s[%s]", check.Name, f),
			Command:    strings.ReplaceAll(check.Command, "{}", f),
			Dir:        check.Dir,
			TimeoutSec: check.TimeoutSec,
		})
	}
	return out, nil
}

func skipSet(skip []string) map[string]bool {
	set := make(map[string]bool, len(skip))
	for _, s := range skip {
		set[strings.ToLower(s)] = true
	}
	return set
}

// diagnostic renders a one-line summary of a failed check: the first
// non-empty output line, or the exit code when there is no output.
func diagnostic(levelID string, check CheckResult) string {
	for _, src := range []string{check.StderrTail, check.StdoutTail} {
		for _, line := range strings.Split(src, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				return fmt.Sprintf("%s/%s: %s", levelID, check.Name, line)
			}
		}
	}
	if check.TimedOut {
		return fmt.Sprintf("%s/%s: timed out", levelID, check.Name)
	}
	return fmt.Sprintf("%s/%s: exit %d", levelID, check.Name, check.ExitCode)
}
