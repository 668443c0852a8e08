// Package executor drives one run end to end: the BUILD → SNAPSHOT →
// VERIFY → FEEDBACK loop, wall-clock enforcement, strategy consultation,
// and the optional PR/CI tail. Every external effect goes through a
// callback so the executor itself stays free of agent, git, and forge
// dependencies.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/hosting"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/verify"
	"github.com/agentgate/agentgate/internal/workspace"
)

// AgentResult is the telemetry the build callback reports back. It
// mirrors the agent driver's result without importing it.
type AgentResult struct {
	Success      bool          `json:"success"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	Duration     time.Duration `json:"duration"`
	NumTurns     int           `json:"num_turns,omitempty"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
}

// BuildRequest is what the executor hands to the build callback for one
// iteration.
type BuildRequest struct {
	Prompt    string
	Feedback  string
	SessionID string
	Iteration int
	// Stream receives raw agent events; the executor wires it to a
	// throttled sink bound to this run.
	Stream func(ctx context.Context, ev events.StreamEvent)
}

// Callbacks are the external effects of a run. OnCaptureBeforeState,
// OnBuild, OnSnapshot, OnVerify, and OnFeedback are required; their
// failures terminate the run through the error builder. OnPushIteration,
// OnCreatePullRequest, and OnPollCI are optional; their failures record
// warnings only.
type Callbacks struct {
	OnRunStarted         func(r *run.Run) error
	OnCaptureBeforeState func(ctx context.Context) (*workspace.BeforeState, error)
	OnBuild              func(ctx context.Context, req BuildRequest) (*AgentResult, error)
	OnPushIteration      func(ctx context.Context, iteration int) error
	OnSnapshot           func(ctx context.Context, before *workspace.BeforeState, runID string, iteration int) (*workspace.Snapshot, error)
	OnVerify             func(ctx context.Context, snap *workspace.Snapshot, runID string, iteration int) (*verify.Report, error)
	OnFeedback           func(ctx context.Context, snap *workspace.Snapshot, report *verify.Report) (string, error)
	OnCreatePullRequest  func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error)
	OnPollCI             func(ctx context.Context, ref string) (*hosting.CIResult, error)
}

// Options parameterize one run.
type Options struct {
	WorkOrderID string
	TaskPrompt  string

	// Strategy decides whether a failed verification earns another
	// iteration. Nil means the default stop rule alone applies.
	Strategy      strategy.Strategy
	MaxIterations int
	MaxWallClock  time.Duration
	// DisableRetries suppresses the default continue rule. A configured
	// strategy is still consulted and may grant iterations.
	DisableRetries bool
	CIPollEnabled  bool

	// LeaseRenew is invoked on LeaseRenewInterval for the duration of the
	// run. Nil disables renewal (exec-now path).
	LeaseRenew         func() error
	LeaseRenewInterval time.Duration

	Store     storage.Store
	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     proc.Clock
}

// Executor runs one work order's run to a terminal state.
type Executor struct {
	opts  Options
	cb    Callbacks
	log   *slog.Logger
	clock proc.Clock
	pub   events.Publisher
}

// New builds an executor. Store is required; Publisher and Logger default
// to no-op/slog.Default.
func New(opts Options, cb Callbacks) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}
	if opts.Clock == nil {
		opts.Clock = proc.SystemClock{}
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = strategy.DefaultMaxIterations
	}
	if opts.LeaseRenewInterval <= 0 {
		opts.LeaseRenewInterval = lease.DefaultRenewInterval
	}
	return &Executor{
		opts:  opts,
		cb:    cb,
		log:   opts.Logger.With("work_order_id", opts.WorkOrderID),
		clock: opts.Clock,
		pub:   opts.Publisher,
	}
}

// Execute drives r to a terminal state and returns it. The returned error
// is non-nil only for faults outside the run model (initial persistence
// failure, context cancellation); run failures are expressed on the run
// record itself.
func (e *Executor) Execute(ctx context.Context, r *run.Run) (*run.Run, error) {
	log := e.log.With("run_id", r.ID)

	// The initial record write is the one fatal persistence error: a run
	// we cannot record is a run we must not start.
	if err := e.opts.Store.SaveRun(r); err != nil {
		return r, fmt.Errorf("persist initial run record: %w", err)
	}

	if e.cb.OnRunStarted != nil {
		if err := e.cb.OnRunStarted(r); err != nil {
			e.failRun(r, run.EventSystemError, errors.FromSystemError(err), run.ResultFailedError)
			return r, nil
		}
	}
	e.pub.Publish(events.NewEvent(events.EventRunStarted, r.WorkOrderID, events.TransitionData{
		RunID: r.ID, To: string(r.State),
	}))

	e.apply(r, run.EventWorkspaceAcquired)

	before, err := e.cb.OnCaptureBeforeState(ctx)
	if err != nil {
		e.failRun(r, run.EventSystemError, errors.FromSystemError(err), run.ResultFailedError)
		return r, nil
	}
	r.Branch = before.Branch

	sctx := e.newStrategyContext(r)
	if e.opts.Strategy != nil {
		if err := e.opts.Strategy.OnLoopStart(sctx); err != nil {
			e.failRun(r, run.EventSystemError, errors.FromSystemError(err), run.ResultFailedError)
			return r, nil
		}
	}

	stopRenew := e.startLeaseRenewal(log)
	defer stopRenew()

	sink := events.NewStreamSink(e.pub, r.WorkOrderID, log)
	defer sink.Close(context.Background())

	start := e.clock.Now()
	feedback := ""
	var lastDecision strategy.Decision

	for !r.IsTerminal() {
		if err := ctx.Err(); err != nil {
			e.failRun(r, run.EventUserCanceled, nil, run.ResultCanceled)
			break
		}

		// Wall-clock gate. Checked before each iteration so a run never
		// starts work it has no budget to finish.
		if e.opts.MaxWallClock > 0 {
			if elapsed := e.clock.Since(start); elapsed > e.opts.MaxWallClock {
				be := errors.WallClockExceeded(elapsed, e.opts.MaxWallClock)
				e.failRun(r, run.EventSystemError, be, run.ResultFailedError)
				break
			}
		}

		done := e.runIteration(ctx, r, before, sctx, &feedback, sink, &lastDecision)
		if done {
			break
		}
	}

	if e.opts.Strategy != nil {
		if err := e.opts.Strategy.OnLoopEnd(e.newStrategyContext(r), lastDecision); err != nil {
			log.Warn("strategy loop-end hook failed", "error", err)
		}
	}

	if r.Result == run.ResultNone {
		r.Result = run.ResultForState(r.State)
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	e.saveRun(r)
	e.pub.Publish(events.NewEvent(events.EventRunCompleted, r.WorkOrderID, events.RunCompletedData{
		RunID:      r.ID,
		Result:     string(r.Result),
		Iterations: len(r.Iterations),
		DurationMs: r.EndedAt.Sub(r.StartedAt).Milliseconds(),
	}))
	log.Info("run finished", "result", r.Result, "state", r.State, "iterations", len(r.Iterations))
	return r, nil
}

// runIteration executes one BUILD→SNAPSHOT→VERIFY(→FEEDBACK) cycle.
// It returns true when the run reached a terminal outcome.
func (e *Executor) runIteration(
	ctx context.Context,
	r *run.Run,
	before *workspace.BeforeState,
	sctx *strategy.Context,
	feedback *string,
	sink *events.StreamSink,
	lastDecision *strategy.Decision,
) bool {
	log := e.log.With("run_id", r.ID, "iteration", r.Iteration)
	it := run.IterationData{Iteration: r.Iteration, StartedAt: time.Now()}
	defer func() {
		it.EndedAt = time.Now()
		it.DurationMs = it.EndedAt.Sub(it.StartedAt).Milliseconds()
		r.Iterations = append(r.Iterations, it)
		e.saveIteration(r, &it)
		e.saveRun(r)
		e.pub.Publish(events.NewEvent(events.EventIterationCompleted, r.WorkOrderID, events.IterationData{
			RunID:              r.ID,
			Iteration:          it.Iteration,
			VerificationPassed: it.VerificationPassed,
			DurationMs:         it.DurationMs,
		}))
	}()

	sctx.State.Iteration = r.Iteration
	if e.opts.Strategy != nil {
		if err := e.opts.Strategy.OnIterationStart(sctx); err != nil {
			log.Warn("strategy iteration-start hook failed", "error", err)
		}
	}

	// BUILD.
	if r.State != run.StateBuilding {
		e.apply(r, run.EventBuildStarted)
	}
	agentRes, err := e.cb.OnBuild(ctx, BuildRequest{
		Prompt:    e.opts.TaskPrompt,
		Feedback:  *feedback,
		SessionID: r.SessionID,
		Iteration: r.Iteration,
		Stream:    sink.Handle,
	})
	if agentRes != nil {
		it.AgentDurationMs = agentRes.Duration.Milliseconds()
		it.NumTurns = agentRes.NumTurns
		it.InputTokens = agentRes.InputTokens
		it.OutputTokens = agentRes.OutputTokens
		it.CostUSD = agentRes.CostUSD
		it.AgentResultFile = e.saveArtifact(r, fmt.Sprintf("agents/%d.json", r.Iteration), agentRes)
		if agentRes.SessionID != "" {
			r.SessionID = agentRes.SessionID
		}
	}
	if err != nil || agentRes == nil || !agentRes.Success {
		// A cancellation surfacing through the driver is the user's,
		// not the agent's failure.
		if ctx.Err() != nil {
			e.failRun(r, run.EventUserCanceled, nil, run.ResultCanceled)
			return true
		}
		var be *errors.BuildError
		if agentRes != nil {
			be = errors.FromAgentResult(agentRes.ExitCode, agentRes.Success, agentRes.Stdout, agentRes.Stderr)
		} else {
			be = errors.FromSystemError(err)
		}
		be.AgentResultFile = it.AgentResultFile
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventBuildFailed, be, run.ResultFailedBuild)
		return true
	}

	// Push is best effort; the snapshot is the durable record.
	if e.cb.OnPushIteration != nil {
		if err := e.cb.OnPushIteration(ctx, r.Iteration); err != nil {
			e.warn(r, "push_failed", fmt.Sprintf("push iteration %d: %v", r.Iteration, err))
		}
	}

	// SNAPSHOT.
	e.apply(r, run.EventBuildCompleted)
	snap, err := e.cb.OnSnapshot(ctx, before, r.ID, r.Iteration)
	if err != nil {
		be := errors.FromSystemError(err)
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventSystemError, be, run.ResultFailedError)
		return true
	}
	it.SnapshotID = snap.ID
	e.apply(r, run.EventSnapshotCompleted)
	e.recordSnapshot(sctx, snap)

	// VERIFY.
	report, err := e.cb.OnVerify(ctx, snap, r.ID, r.Iteration)
	if err != nil {
		be := errors.FromSystemError(err)
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventSystemError, be, run.ResultFailedError)
		return true
	}
	it.VerificationPassed = report.Passed
	it.VerificationFile = e.saveArtifact(r, fmt.Sprintf("verifications/%d.json", r.Iteration), report)
	e.recordVerification(sctx, report)

	var done bool
	if report.Passed {
		done = e.handlePassed(ctx, r, snap, before, feedback, &it)
		if done {
			*lastDecision = strategy.Stop("run complete")
		} else {
			*lastDecision = strategy.Continue("ci feedback")
		}
	} else {
		done = e.handleFailed(ctx, r, snap, report, before, sctx, feedback, &it, lastDecision)
	}
	e.iterationEnd(r, sctx, *lastDecision)
	return done
}

// iterationEnd fires the strategy's end-of-iteration hook. Best effort;
// it runs whatever the iteration's outcome was.
func (e *Executor) iterationEnd(r *run.Run, sctx *strategy.Context, d strategy.Decision) {
	if e.opts.Strategy == nil {
		return
	}
	if err := e.opts.Strategy.OnIterationEnd(sctx, d); err != nil {
		e.log.Warn("strategy iteration-end hook failed", "run_id", r.ID, "error", err)
	}
}

// handlePassed finishes a green iteration: optional PR creation, optional
// CI polling, then success.
func (e *Executor) handlePassed(
	ctx context.Context,
	r *run.Run,
	snap *workspace.Snapshot,
	before *workspace.BeforeState,
	feedback *string,
	it *run.IterationData,
) bool {
	if e.cb.OnCreatePullRequest == nil {
		e.apply(r, run.EventVerifyPassed)
		return true
	}

	pr, err := e.cb.OnCreatePullRequest(ctx, r, snap)
	if err != nil {
		// A green run is not failed by forge trouble.
		e.warn(r, "pr_failed", fmt.Sprintf("create pull request: %v", err))
		e.apply(r, run.EventVerifyPassed)
		return true
	}
	r.PRUrl = pr.URL
	r.PRNumber = pr.Number
	e.apply(r, run.EventPRCreated)

	if !e.opts.CIPollEnabled || e.cb.OnPollCI == nil || snap.Branch == "" {
		e.apply(r, run.EventVerifyPassed)
		return true
	}

	e.apply(r, run.EventCIPollingStarted)
	res, err := e.cb.OnPollCI(ctx, snap.Branch)
	if err != nil {
		be := errors.FromSystemError(err)
		be.Type = errors.FailureCI
		be.Message = fmt.Sprintf("ci polling failed: %v", err)
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventCITimeout, be, run.ResultFailedError)
		return true
	}

	switch res.State {
	case hosting.CIFailing:
		failures := make([]errors.LevelFailure, 0, len(res.FailingChecks()))
		for _, name := range res.FailingChecks() {
			failures = append(failures, errors.LevelFailure{Level: "L3", Check: name})
		}
		be := errors.FromVerification(failures, nil)

		if !e.opts.DisableRetries && r.Iteration < e.opts.MaxIterations {
			*feedback = ciFeedback(res)
			it.FeedbackGenerated = true
			e.apply(r, run.EventVerifyFailedRetryable)
			r.Iteration++
			e.rollForward(before, snap)
			return false
		}
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventCIFailed, be, run.ResultFailedVerification)
		return true
	default:
		// Passing, or pending/none after the poll budget: the local
		// gates already passed, so the run succeeds.
		e.apply(r, run.EventCIPassed)
		return true
	}
}

// handleFailed consults the strategy after a red verification and either
// loops with feedback or finishes the run.
func (e *Executor) handleFailed(
	ctx context.Context,
	r *run.Run,
	snap *workspace.Snapshot,
	report *verify.Report,
	before *workspace.BeforeState,
	sctx *strategy.Context,
	feedback *string,
	it *run.IterationData,
	lastDecision *strategy.Decision,
) bool {
	decision := e.decide(sctx)
	*lastDecision = decision

	if !decision.ShouldContinue {
		be := errors.FromVerification(report.Failures(), report.Diagnostics)
		be.VerificationFile = it.VerificationFile
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventVerifyFailedTerminal, be, run.ResultFailedVerification)
		return true
	}

	// FEEDBACK.
	fb, err := e.cb.OnFeedback(ctx, snap, report)
	if err != nil {
		be := errors.FromSystemError(err)
		it.ErrorType = be.Type
		it.ErrorDetails = be
		e.failRun(r, run.EventSystemError, be, run.ResultFailedError)
		return true
	}
	*feedback = fb
	it.FeedbackGenerated = true
	e.apply(r, run.EventFeedbackGenerated)

	r.Iteration++
	e.rollForward(before, snap)
	return false
}

// decide renders the continue/stop decision for a failed verification.
// Without a strategy the default rule applies: stop when retries are
// disabled or the iteration cap is reached. Strategy errors fall back to
// the same rule.
func (e *Executor) decide(sctx *strategy.Context) strategy.Decision {
	defaultDecision := func() strategy.Decision {
		if e.opts.DisableRetries {
			return strategy.Stop("retries disabled")
		}
		if sctx.State.Iteration >= e.opts.MaxIterations {
			return strategy.Stop(fmt.Sprintf("iteration limit %d reached", e.opts.MaxIterations))
		}
		return strategy.Continue("iterations remaining")
	}

	if e.opts.Strategy == nil {
		return defaultDecision()
	}
	d, err := e.opts.Strategy.ShouldContinue(sctx)
	if err != nil {
		e.log.Warn("strategy decision failed, using default rule", "error", err)
		return defaultDecision()
	}
	return d
}

// rollForward advances the before-state to the snapshot just taken so the
// next iteration diffs against it.
func (e *Executor) rollForward(before *workspace.BeforeState, snap *workspace.Snapshot) {
	before.SHA = snap.AfterSHA
	before.Dirty = false
	if snap.Branch != "" {
		before.Branch = snap.Branch
	}
}

// failRun finalizes r with a terminal event. A nil BuildError is allowed
// for cancellation.
func (e *Executor) failRun(r *run.Run, event run.Event, be *errors.BuildError, result run.Result) {
	if be != nil {
		r.Error = be
	}
	e.apply(r, event)
	r.Result = result
	r.EndedAt = time.Now()
}

// apply advances the run state and publishes the transition. An invalid
// transition here is a programming error; it is logged and the run state
// is left unchanged.
func (e *Executor) apply(r *run.Run, event run.Event) {
	from := r.State
	if err := r.Apply(event); err != nil {
		e.log.Error("invalid run transition", "run_id", r.ID, "state", from, "event", event, "error", err)
		return
	}
	e.pub.Publish(events.NewEvent(events.EventTransition, r.WorkOrderID, events.TransitionData{
		RunID:     r.ID,
		From:      string(from),
		To:        string(r.State),
		Event:     string(event),
		Iteration: r.Iteration,
	}))
}

func (e *Executor) warn(r *run.Run, kind, message string) {
	r.AddWarning(kind, message)
	e.log.Warn(message, "run_id", r.ID, "kind", kind)
	e.pub.Publish(events.NewEvent(events.EventWarning, r.WorkOrderID, events.WarningData{
		RunID:   r.ID,
		Kind:    kind,
		Message: message,
	}))
}

// saveArtifact persists an auxiliary document, returning its run-relative
// path. Artifact failures never stop a run.
func (e *Executor) saveArtifact(r *run.Run, name string, v any) string {
	rel, err := e.opts.Store.SaveArtifact(r.ID, name, v)
	if err != nil {
		e.log.Warn("artifact write failed", "run_id", r.ID, "artifact", name, "error", err)
		return ""
	}
	return rel
}

func (e *Executor) saveIteration(r *run.Run, it *run.IterationData) {
	if err := e.opts.Store.SaveIteration(r.ID, it.Iteration, it); err != nil {
		e.log.Warn("iteration write failed", "run_id", r.ID, "iteration", it.Iteration, "error", err)
	}
}

func (e *Executor) saveRun(r *run.Run) {
	if err := e.opts.Store.SaveRun(r); err != nil {
		e.log.Warn("run record write failed", "run_id", r.ID, "error", err)
	}
}

// startLeaseRenewal runs the renewal ticker until the returned stop
// function is called. Renewal failures warn and continue; the lease TTL
// already bounds the damage of a lost renewal.
func (e *Executor) startLeaseRenewal(log *slog.Logger) func() {
	if e.opts.LeaseRenew == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(e.opts.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := e.opts.LeaseRenew(); err != nil {
					log.Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stopCh)
		<-doneCh
	}
}

// newStrategyContext seeds the strategy view of this run.
func (e *Executor) newStrategyContext(r *run.Run) *strategy.Context {
	history := make([]strategy.IterationOutcome, 0, len(r.Iterations))
	for _, it := range r.Iterations {
		history = append(history, strategy.IterationOutcome{
			Iteration:  it.Iteration,
			Passed:     it.VerificationPassed,
			DurationMs: it.DurationMs,
		})
	}
	return &strategy.Context{
		WorkOrderID: r.WorkOrderID,
		RunID:       r.ID,
		TaskPrompt:  e.opts.TaskPrompt,
		State: strategy.State{
			Iteration:     r.Iteration,
			MaxIterations: e.opts.MaxIterations,
			StartedAt:     r.StartedAt,
			History:       history,
		},
	}
}

// recordSnapshot shifts the previous current snapshot into history and
// installs the new one.
func (e *Executor) recordSnapshot(sctx *strategy.Context, snap *workspace.Snapshot) {
	if sctx.Snapshot != nil {
		sctx.PrevSnapshots = append(sctx.PrevSnapshots, *sctx.Snapshot)
	}
	sctx.Snapshot = &strategy.SnapshotStats{
		AfterSHA:     snap.AfterSHA,
		FilesChanged: snap.Stats.FilesChanged,
		Insertions:   snap.Stats.Insertions,
		Deletions:    snap.Stats.Deletions,
	}
}

func (e *Executor) recordVerification(sctx *strategy.Context, report *verify.Report) {
	if sctx.Verification != nil {
		sctx.PrevVerifications = append(sctx.PrevVerifications, *sctx.Verification)
	}
	failed := 0
	for _, level := range report.Levels {
		for _, check := range level.Checks {
			if !check.Passed && !check.Skipped {
				failed++
			}
		}
	}
	sctx.Verification = &strategy.VerificationStats{
		Passed:       report.Passed,
		FailedChecks: failed,
	}
	sctx.State.History = append(sctx.State.History, strategy.IterationOutcome{
		Iteration: sctx.State.Iteration,
		Passed:    report.Passed,
	})
}

// ciFeedback renders failing CI checks into an agent-readable prompt.
func ciFeedback(res *hosting.CIResult) string {
	msg := "CI failed on the pushed branch. Failing checks:\n"
	for _, name := range res.FailingChecks() {
		msg += "- " + name + "\n"
	}
	msg += "Fix the underlying problems and make the checks pass."
	return msg
}
