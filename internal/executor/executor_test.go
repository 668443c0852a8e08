package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/hosting"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/verify"
	"github.com/agentgate/agentgate/internal/workspace"
)

func passingReport(iteration int) *verify.Report {
	return &verify.Report{
		Passed:    true,
		Iteration: iteration,
		Levels: []verify.LevelResult{
			{ID: "L1", Name: "tests", Passed: true, Checks: []verify.CheckResult{{Name: "unit", Passed: true}}},
		},
	}
}

func failingReport(iteration int) *verify.Report {
	return &verify.Report{
		Passed:       false,
		Iteration:    iteration,
		FailedLevels: []string{"L1"},
		Levels: []verify.LevelResult{
			{ID: "L1", Name: "tests", Passed: false, Checks: []verify.CheckResult{{Name: "unit", Passed: false, ExitCode: 1}}},
		},
		Diagnostics: []string{"[L1] unit exited 1"},
	}
}

// harness wires scripted callbacks around an executor.
type harness struct {
	store    *storage.MemoryStore
	opts     Options
	cb       Callbacks
	builds   int
	verifies int
	feedback int
	pushes   int
}

func newHarness() *harness {
	h := &harness{store: storage.NewMemoryStore()}
	h.opts = Options{
		WorkOrderID:   "wo-test0001",
		TaskPrompt:    "make the tests pass",
		MaxIterations: 3,
		Store:         h.store,
	}
	h.cb = Callbacks{
		OnCaptureBeforeState: func(ctx context.Context) (*workspace.BeforeState, error) {
			return &workspace.BeforeState{SHA: "sha-0", Branch: "agentgate/wo-test0001"}, nil
		},
		OnBuild: func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
			h.builds++
			return &AgentResult{Success: true, SessionID: "sess-1", NumTurns: 4}, nil
		},
		OnSnapshot: func(ctx context.Context, before *workspace.BeforeState, runID string, iter int) (*workspace.Snapshot, error) {
			return &workspace.Snapshot{
				ID:        fmt.Sprintf("snap-%d", iter),
				RunID:     runID,
				Iteration: iter,
				BeforeSHA: before.SHA,
				AfterSHA:  fmt.Sprintf("sha-%d", iter),
				Branch:    before.Branch,
				Stats:     workspace.DiffStats{FilesChanged: 1, Insertions: 5},
			}, nil
		},
		OnVerify: func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
			h.verifies++
			return passingReport(iter), nil
		},
		OnFeedback: func(ctx context.Context, snap *workspace.Snapshot, report *verify.Report) (string, error) {
			h.feedback++
			return "fix the failing unit check", nil
		},
	}
	return h
}

func (h *harness) execute(t *testing.T) *run.Run {
	t.Helper()
	r := run.New(h.opts.WorkOrderID)
	got, err := New(h.opts, h.cb).Execute(context.Background(), r)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return got
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness()
	r := h.execute(t)

	if r.State != run.StateSucceeded || r.Result != run.ResultPassed {
		t.Fatalf("run = %s/%s, want succeeded/passed", r.State, r.Result)
	}
	if h.builds != 1 || h.verifies != 1 || h.feedback != 0 {
		t.Errorf("calls = %d builds, %d verifies, %d feedback", h.builds, h.verifies, h.feedback)
	}
	if r.SessionID != "sess-1" {
		t.Errorf("session = %q", r.SessionID)
	}
	if len(r.Iterations) != 1 || !r.Iterations[0].VerificationPassed {
		t.Errorf("iterations = %+v", r.Iterations)
	}
	if r.Iterations[0].AgentResultFile != "agents/1.json" {
		t.Errorf("agent artifact = %q", r.Iterations[0].AgentResultFile)
	}
	if r.Iterations[0].VerificationFile != "verifications/1.json" {
		t.Errorf("verification artifact = %q", r.Iterations[0].VerificationFile)
	}
	if _, ok := h.store.Artifact(r.ID, "agents/1.json"); !ok {
		t.Error("agent artifact not persisted")
	}
	if r.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	stored, err := h.store.LoadRun(r.ID)
	if err != nil || stored.State != run.StateSucceeded {
		t.Errorf("stored run = %+v, %v", stored, err)
	}
}

func TestExecuteBuildFailure(t *testing.T) {
	h := newHarness()
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		return &AgentResult{Success: false, ExitCode: 0, Stderr: "task could not be completed"}, nil
	}
	r := h.execute(t)

	if r.State != run.StateFailedBuild || r.Result != run.ResultFailedBuild {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if r.Error == nil || r.Error.Type != errors.FailureAgentTaskFailure {
		t.Errorf("error = %+v, want agent_task_failure", r.Error)
	}
}

func TestExecuteBuildCrash(t *testing.T) {
	h := newHarness()
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		return &AgentResult{Success: false, ExitCode: 137, Stderr: "killed"}, nil
	}
	r := h.execute(t)

	if r.Error == nil || r.Error.Type != errors.FailureAgentCrash {
		t.Errorf("error = %+v, want agent_crash", r.Error)
	}
}

func TestExecuteFeedbackLoopThenPass(t *testing.T) {
	h := newHarness()
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		h.verifies++
		if iter < 3 {
			return failingReport(iter), nil
		}
		return passingReport(iter), nil
	}
	var feedbacks []string
	baseBuild := h.cb.OnBuild
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		feedbacks = append(feedbacks, req.Feedback)
		return baseBuild(ctx, req)
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s, error = %+v", r.State, r.Error)
	}
	if len(r.Iterations) != 3 || h.feedback != 2 {
		t.Errorf("iterations = %d, feedback = %d", len(r.Iterations), h.feedback)
	}
	// First build sees no feedback; later builds see the generated text.
	if feedbacks[0] != "" || feedbacks[1] == "" || feedbacks[2] == "" {
		t.Errorf("feedbacks = %q", feedbacks)
	}
	if r.Iterations[0].VerificationPassed || !r.Iterations[2].VerificationPassed {
		t.Errorf("iteration outcomes = %+v", r.Iterations)
	}
}

func TestExecuteRetriesDisabledStopsAtFirstFailure(t *testing.T) {
	h := newHarness()
	h.opts.DisableRetries = true
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		return failingReport(iter), nil
	}
	r := h.execute(t)

	if r.State != run.StateFailedVerification || r.Result != run.ResultFailedVerification {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if len(r.Iterations) != 1 || h.feedback != 0 {
		t.Errorf("iterations = %d, feedback = %d", len(r.Iterations), h.feedback)
	}
	if r.Error == nil || r.Error.Type != errors.FailureTest {
		t.Errorf("error = %+v, want test_failed", r.Error)
	}
}

func TestExecuteStrategyOverridesDisabledRetries(t *testing.T) {
	h := newHarness()
	h.opts.DisableRetries = true
	strat, err := strategy.New(strategy.Config{Type: strategy.TypeFixed, MaxIterations: 2})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	h.opts.Strategy = strat
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		if iter < 2 {
			return failingReport(iter), nil
		}
		return passingReport(iter), nil
	}
	r := h.execute(t)

	// The configured strategy grants the second iteration even though
	// the default retry rule is off.
	if r.State != run.StateSucceeded || len(r.Iterations) != 2 {
		t.Errorf("state = %s, iterations = %d", r.State, len(r.Iterations))
	}
}

func TestExecuteIterationLimit(t *testing.T) {
	h := newHarness()
	h.opts.MaxIterations = 2
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		return failingReport(iter), nil
	}
	r := h.execute(t)

	if r.State != run.StateFailedVerification || len(r.Iterations) != 2 {
		t.Errorf("state = %s, iterations = %d", r.State, len(r.Iterations))
	}
}

func TestExecuteWallClockGate(t *testing.T) {
	h := newHarness()
	clock := proc.NewManualClock(time.Now())
	h.opts.Clock = clock
	h.opts.MaxWallClock = time.Hour
	h.opts.MaxIterations = 10
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		clock.Advance(2 * time.Hour)
		return &AgentResult{Success: true}, nil
	}
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		return failingReport(iter), nil
	}
	r := h.execute(t)

	if r.State != run.StateFailedError || r.Result != run.ResultFailedError {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if r.Error == nil || r.Error.Type != errors.FailureAgentTimeout {
		t.Errorf("error = %+v, want agent_timeout", r.Error)
	}
	if !strings.Contains(r.Error.Message, "wall clock") {
		t.Errorf("message = %q", r.Error.Message)
	}
}

func TestExecuteSnapshotFailure(t *testing.T) {
	h := newHarness()
	h.cb.OnSnapshot = func(ctx context.Context, before *workspace.BeforeState, runID string, iter int) (*workspace.Snapshot, error) {
		return nil, fmt.Errorf("snapshot commit refused")
	}
	r := h.execute(t)

	if r.State != run.StateFailedError {
		t.Fatalf("state = %s", r.State)
	}
	if r.Error == nil || r.Error.Type != errors.FailureSnapshot {
		t.Errorf("error = %+v, want snapshot_error", r.Error)
	}
}

func TestExecuteBeforeStateFailure(t *testing.T) {
	h := newHarness()
	h.cb.OnCaptureBeforeState = func(ctx context.Context) (*workspace.BeforeState, error) {
		return nil, fmt.Errorf("workspace has no HEAD")
	}
	r := h.execute(t)

	if r.State != run.StateFailedError || r.Result != run.ResultFailedError {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if h.builds != 0 {
		t.Errorf("builds = %d, want 0", h.builds)
	}
}

func TestExecutePushFailureIsWarning(t *testing.T) {
	h := newHarness()
	h.cb.OnPushIteration = func(ctx context.Context, iteration int) error {
		h.pushes++
		return fmt.Errorf("remote rejected push")
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if len(r.Warnings) != 1 || r.Warnings[0].Type != "push_failed" {
		t.Errorf("warnings = %+v", r.Warnings)
	}
}

func TestExecutePRCreationAndCIPass(t *testing.T) {
	h := newHarness()
	h.opts.CIPollEnabled = true
	h.cb.OnCreatePullRequest = func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
		return &hosting.PullRequest{Number: 42, URL: "https://example.com/pull/42", Draft: true}, nil
	}
	h.cb.OnPollCI = func(ctx context.Context, ref string) (*hosting.CIResult, error) {
		return &hosting.CIResult{State: hosting.CIPassing}, nil
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if r.PRNumber != 42 || r.PRUrl != "https://example.com/pull/42" {
		t.Errorf("pr = %d %q", r.PRNumber, r.PRUrl)
	}
}

func TestExecutePRFailureIsWarning(t *testing.T) {
	h := newHarness()
	h.cb.OnCreatePullRequest = func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
		return nil, fmt.Errorf("forge unavailable")
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if len(r.Warnings) != 1 || r.Warnings[0].Type != "pr_failed" {
		t.Errorf("warnings = %+v", r.Warnings)
	}
}

func TestExecuteCIFailureRetriesThenTerminal(t *testing.T) {
	h := newHarness()
	h.opts.CIPollEnabled = true
	h.opts.MaxIterations = 2
	h.cb.OnCreatePullRequest = func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
		return &hosting.PullRequest{Number: 7, URL: "https://example.com/pull/7"}, nil
	}
	h.cb.OnPollCI = func(ctx context.Context, ref string) (*hosting.CIResult, error) {
		return &hosting.CIResult{
			State:  hosting.CIFailing,
			Checks: []hosting.Check{{Name: "integration", Status: "completed", Conclusion: "failure"}},
		}, nil
	}
	var feedbacks []string
	baseBuild := h.cb.OnBuild
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		feedbacks = append(feedbacks, req.Feedback)
		return baseBuild(ctx, req)
	}
	r := h.execute(t)

	// Iteration 1: CI fails, retry granted. Iteration 2: CI fails at the
	// cap, terminal.
	if r.State != run.StateFailedVerification || r.Result != run.ResultFailedVerification {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if len(feedbacks) != 2 || !strings.Contains(feedbacks[1], "integration") {
		t.Errorf("feedbacks = %q", feedbacks)
	}
	if r.Error == nil || r.Error.Type != errors.FailureCI {
		t.Errorf("error = %+v, want ci_failed", r.Error)
	}
}

func TestExecuteCIPollErrorIsTimeout(t *testing.T) {
	h := newHarness()
	h.opts.CIPollEnabled = true
	h.cb.OnCreatePullRequest = func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
		return &hosting.PullRequest{Number: 9, URL: "https://example.com/pull/9"}, nil
	}
	h.cb.OnPollCI = func(ctx context.Context, ref string) (*hosting.CIResult, error) {
		return nil, fmt.Errorf("forge API 502")
	}
	r := h.execute(t)

	if r.State != run.StateFailedError || r.Result != run.ResultFailedError {
		t.Fatalf("run = %s/%s", r.State, r.Result)
	}
	if r.Error == nil || r.Error.Type != errors.FailureCI {
		t.Errorf("error = %+v", r.Error)
	}
}

func TestExecuteContextCanceled(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.cb.OnBuild = func(_ context.Context, req BuildRequest) (*AgentResult, error) {
		cancel()
		return &AgentResult{Success: true}, nil
	}
	h.cb.OnVerify = func(_ context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		return failingReport(iter), nil
	}

	r := run.New(h.opts.WorkOrderID)
	got, err := New(h.opts, h.cb).Execute(ctx, r)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.State != run.StateCanceled || got.Result != run.ResultCanceled {
		t.Errorf("run = %s/%s", got.State, got.Result)
	}
}

// failingSaveRunStore rejects the first SaveRun to exercise the fatal
// initial-write path.
type failingSaveRunStore struct {
	*storage.MemoryStore
	failed bool
}

func (s *failingSaveRunStore) SaveRun(r *run.Run) error {
	if !s.failed {
		s.failed = true
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.SaveRun(r)
}

func TestExecuteInitialPersistFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.opts.Store = &failingSaveRunStore{MemoryStore: h.store}

	r := run.New(h.opts.WorkOrderID)
	_, err := New(h.opts, h.cb).Execute(context.Background(), r)
	if err == nil {
		t.Fatal("want fatal error for initial persist failure")
	}
	if h.builds != 0 {
		t.Errorf("builds = %d, want 0", h.builds)
	}
}

func TestExecuteLeaseRenewTicks(t *testing.T) {
	h := newHarness()
	renews := 0
	h.opts.LeaseRenew = func() error {
		renews++
		return nil
	}
	h.opts.LeaseRenewInterval = time.Millisecond
	h.cb.OnBuild = func(ctx context.Context, req BuildRequest) (*AgentResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &AgentResult{Success: true}, nil
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if renews == 0 {
		t.Error("lease renewal never ticked")
	}
}

// hookRecorder wraps a strategy and records end-of-iteration decisions.
type hookRecorder struct {
	strategy.Strategy
	ends []strategy.Decision
}

func (s *hookRecorder) OnIterationEnd(c *strategy.Context, d strategy.Decision) error {
	s.ends = append(s.ends, d)
	return nil
}

func newHookRecorder(t *testing.T, maxIterations int) *hookRecorder {
	t.Helper()
	inner, err := strategy.New(strategy.Config{Type: strategy.TypeFixed, MaxIterations: maxIterations})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	return &hookRecorder{Strategy: inner}
}

func TestIterationEndHookFiresOnPass(t *testing.T) {
	h := newHarness()
	rec := newHookRecorder(t, 3)
	h.opts.Strategy = rec
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if len(rec.ends) != 1 {
		t.Fatalf("iteration-end calls = %d, want 1", len(rec.ends))
	}
	if rec.ends[0].ShouldContinue {
		t.Errorf("decision = %+v, want stop", rec.ends[0])
	}
}

func TestIterationEndHookFiresEveryIteration(t *testing.T) {
	h := newHarness()
	rec := newHookRecorder(t, 3)
	h.opts.Strategy = rec
	h.cb.OnVerify = func(ctx context.Context, snap *workspace.Snapshot, runID string, iter int) (*verify.Report, error) {
		if iter < 3 {
			return failingReport(iter), nil
		}
		return passingReport(iter), nil
	}
	r := h.execute(t)

	if r.State != run.StateSucceeded {
		t.Fatalf("state = %s", r.State)
	}
	if len(rec.ends) != 3 {
		t.Fatalf("iteration-end calls = %d, want one per iteration", len(rec.ends))
	}
	if !rec.ends[0].ShouldContinue || !rec.ends[1].ShouldContinue {
		t.Errorf("failed iterations = %+v and %+v, want continue", rec.ends[0], rec.ends[1])
	}
	if rec.ends[2].ShouldContinue {
		t.Errorf("passing iteration = %+v, want stop", rec.ends[2])
	}
}
