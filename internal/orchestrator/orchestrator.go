// Package orchestrator glues the queue, admission controller, workspace
// and lease managers, agent drivers, and the run executor into the
// public entry point for work orders. One Orchestrator owns one queue
// and starts at most maxConcurrent runs in parallel.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/agent"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/executor"
	"github.com/agentgate/agentgate/internal/hosting"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/verify"
	"github.com/agentgate/agentgate/internal/workspace"
)

// MaxLeaseTTL caps the workspace lease regardless of the run's wall
// clock budget.
const MaxLeaseTTL = 24 * time.Hour

// DefaultShutdownTimeout bounds how long Stop waits for active runs.
const DefaultShutdownTimeout = 30 * time.Second

// restartPriorityBump puts work interrupted by a restart ahead of
// everything waiting at normal priority.
const restartPriorityBump = 1000

// Options wires an Orchestrator's collaborators and defaults.
type Options struct {
	Queue      *queue.Queue
	Store      storage.Store
	Workspaces *workspace.DirManager
	Leases     lease.Manager
	Tracker    *proc.Tracker
	Publisher  events.Publisher
	Logger     *slog.Logger
	Clock      proc.Clock

	// Agent configures the drivers named by work orders.
	Agent agent.Config
	// DefaultAgentType is used when a work order names none.
	DefaultAgentType string

	// Strategy, when set, decides iteration continuation. Nil leaves
	// only the executor's default stop rule.
	Strategy *strategy.Config

	// Hosting enables pull request creation and CI polling. Nil runs
	// without a forge.
	Hosting        *hosting.Config
	CIPollEnabled  bool
	CIPollInterval time.Duration
	CIPollTimeout  time.Duration

	// PushEachIteration pushes the work branch after every build.
	// Failures are warnings, never fatal.
	PushEachIteration bool

	MaxConcurrent        int
	DefaultGatePlan      string
	DefaultMaxIterations int
	DefaultMaxWallClock  time.Duration
	DisableRetries       bool

	Admission       AdmissionOptions
	Stale           StaleOptions
	ShutdownTimeout time.Duration
}

// activeRun is the orchestrator's handle on one executing run.
type activeRun struct {
	runID       string
	workspaceID string
	cancel      context.CancelFunc
	startedAt   time.Time
}

// Orchestrator is the public entry point: Submit puts work orders on
// the queue, admission hands them back to Execute, and Cancel/Kill/
// Purge/Health manage the rest of the lifecycle.
type Orchestrator struct {
	opts       Options
	queue      *queue.Queue
	store      storage.Store
	workspaces *workspace.DirManager
	leases     lease.Manager
	tracker    *proc.Tracker
	publisher  events.Publisher
	logger     *slog.Logger
	clock      proc.Clock

	admission *Admission
	stale     *StaleDetector
	provider  hosting.Provider

	resolver *verify.Resolver
	verifier *verify.CommandVerifier
	feedback *verify.FeedbackGenerator
	runner   workspace.CommandRunner

	mu     sync.Mutex
	active map[string]*activeRun

	wg         sync.WaitGroup
	rootCtx    context.Context
	cancelRoot context.CancelFunc
	startedAt  time.Time
	startOnce  sync.Once
}

// New validates the options and builds an Orchestrator. The hosting
// provider, when configured, is constructed eagerly so misconfiguration
// surfaces at startup rather than mid-run.
func New(opts Options) (*Orchestrator, error) {
	if opts.Queue == nil {
		return nil, gateerrors.ErrConfigMissing("queue")
	}
	if opts.Store == nil {
		return nil, gateerrors.ErrConfigMissing("store")
	}
	if opts.Workspaces == nil {
		return nil, gateerrors.ErrConfigMissing("workspaces")
	}
	if opts.Leases == nil {
		opts.Leases = lease.NewNopManager()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = proc.SystemClock{}
	}
	if opts.Tracker == nil {
		opts.Tracker = proc.NewTracker(opts.Logger)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = opts.Queue.MaxConcurrent()
	}
	if opts.DefaultAgentType == "" {
		opts.DefaultAgentType = "claude"
	}
	if opts.DefaultGatePlan == "" {
		opts.DefaultGatePlan = "auto"
	}
	if opts.DefaultMaxIterations <= 0 {
		opts.DefaultMaxIterations = strategy.DefaultMaxIterations
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	var provider hosting.Provider
	if opts.Hosting != nil {
		p, err := hosting.New(*opts.Hosting)
		if err != nil {
			return nil, gateerrors.ErrConfigInvalid("hosting", err.Error()).WithCause(err)
		}
		provider = p
		opts.Workspaces.SetCloneURLResolver(cloneURLResolver(p, opts.Hosting.Repo))
	}

	o := &Orchestrator{
		opts:       opts,
		queue:      opts.Queue,
		store:      opts.Store,
		workspaces: opts.Workspaces,
		leases:     opts.Leases,
		tracker:    opts.Tracker,
		publisher:  opts.Publisher,
		logger:     opts.Logger.With("component", "orchestrator"),
		clock:      opts.Clock,
		provider:   provider,
		resolver:   verify.NewResolver(),
		verifier:   verify.NewCommandVerifier(opts.Logger),
		feedback:   verify.NewFeedbackGenerator(),
		runner:     workspace.NewExecRunner(),
		active:     make(map[string]*activeRun),
	}

	admOpts := opts.Admission
	if admOpts.Publisher == nil {
		admOpts.Publisher = opts.Publisher
	}
	if admOpts.Logger == nil {
		admOpts.Logger = opts.Logger
	}
	if admOpts.Clock == nil {
		admOpts.Clock = opts.Clock
	}
	o.admission = NewAdmission(opts.Queue, o.startQueued, admOpts)

	staleOpts := opts.Stale
	if staleOpts.Publisher == nil {
		staleOpts.Publisher = opts.Publisher
	}
	if staleOpts.Logger == nil {
		staleOpts.Logger = opts.Logger
	}
	if staleOpts.Clock == nil {
		staleOpts.Clock = opts.Clock
	}
	o.stale = NewStaleDetector(opts.Store, opts.Queue, opts.Tracker, staleOpts)

	return o, nil
}

// cloneURLResolver resolves forge workspace sources through the hosting
// provider. The provider is bound to one repository; an order naming any
// other repo is a configuration mismatch.
func cloneURLResolver(p hosting.Provider, configured string) workspace.CloneURLResolver {
	owner, name := hosting.SplitRepoPath(configured)
	want := owner + "/" + name
	return func(repo string) (string, error) {
		if repo != "" {
			o, n := hosting.SplitRepoPath(repo)
			if o+"/"+n != want {
				return "", fmt.Errorf("hosting provider is configured for %q, not %q", want, repo)
			}
		}
		return p.CloneURL(), nil
	}
}

// Start restores persisted queue state, reconciles work interrupted by
// the previous process, and launches the admission tick, stale sweep,
// and queue persistence flusher.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.rootCtx, o.cancelRoot = context.WithCancel(ctx)
		o.startedAt = o.clock.Now()

		interrupted := o.queue.Restore()
		o.reconcile(interrupted)

		o.queue.StartFlusher(o.rootCtx)
		o.admission.Start(o.rootCtx)
		o.stale.Start(o.rootCtx)
		o.logger.Info("orchestrator started",
			"max_concurrent", o.opts.MaxConcurrent,
			"requeued_after_restart", len(interrupted))
	})
}

// Stop shuts down gracefully: stop admitting, cancel active runs, wait
// up to the shutdown timeout for executors to wind down, then persist
// the queue.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.admission.Stop()
	o.stale.Stop()
	if o.cancelRoot != nil {
		o.cancelRoot()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.opts.ShutdownTimeout):
		o.logger.Warn("shutdown timeout, abandoning active runs", "active", o.ActiveCount())
	case <-ctx.Done():
	}

	o.queue.Persist()
	o.queue.Stop()
	o.logger.Info("orchestrator stopped")
}

// reconcile handles ids that were running when the previous process
// died: their runs are marked failed and the orders go back to the
// queue ahead of normal-priority work.
func (o *Orchestrator) reconcile(ids []string) {
	for _, id := range ids {
		ord, err := o.store.LoadOrder(id)
		if err != nil {
			o.logger.Error("reconcile: load order", "work_order", id, "error", err)
			continue
		}
		if ord.IsTerminal() {
			continue
		}

		o.failInterruptedRuns(id)

		// Running -> Queued is not a legal status transition; a restart
		// repair is the one place the graph is bypassed.
		ord.Status = order.StatusQueued
		ord.Note = "requeued after orchestrator restart"
		if err := o.store.SaveOrder(ord); err != nil {
			o.logger.Error("reconcile: requeue status", "work_order", id, "error", err)
			continue
		}
		if _, err := o.queue.Enqueue(id, queue.EnqueueOptions{Priority: restartPriorityBump}); err != nil {
			o.logger.Error("reconcile: enqueue", "work_order", id, "error", err)
		}
	}
}

func (o *Orchestrator) failInterruptedRuns(orderID string) {
	runs, err := o.store.ListRuns(storage.RunFilter{WorkOrderID: orderID})
	if err != nil {
		o.logger.Error("reconcile: list runs", "work_order", orderID, "error", err)
		return
	}
	for _, r := range runs {
		if r.IsTerminal() {
			continue
		}
		r.Error = gateerrors.FromSystemError(fmt.Errorf("orchestrator restarted while run was active"))
		_ = r.Apply(run.EventSystemError)
		r.Result = run.ResultFailedError
		r.EndedAt = o.clock.Now()
		if err := o.store.SaveRun(r); err != nil {
			o.logger.Error("reconcile: save run", "run", r.ID, "error", err)
		}
	}
}

// Submit validates a work order, persists it as Queued, and enqueues
// it. The returned position reflects the queue at enqueue time.
func (o *Orchestrator) Submit(ord *order.WorkOrder, qopts queue.EnqueueOptions) (queue.Position, error) {
	o.applyDefaults(ord)
	if err := ord.Validate(); err != nil {
		return queue.Position{}, err
	}

	ord.Status = order.StatusQueued
	if err := o.store.SaveOrder(ord); err != nil {
		return queue.Position{}, gateerrors.ErrStorageFailed("save order").WithCause(err)
	}

	pos, err := o.queue.Enqueue(ord.ID, qopts)
	if err != nil {
		return queue.Position{}, err
	}
	o.logger.Info("work order submitted",
		"work_order", ord.ID, "position", pos.Position, "priority", qopts.Priority)
	return pos, nil
}

func (o *Orchestrator) applyDefaults(ord *order.WorkOrder) {
	if ord.AgentType == "" {
		ord.AgentType = o.opts.DefaultAgentType
	}
	if ord.GatePlanSource == "" {
		ord.GatePlanSource = o.opts.DefaultGatePlan
	}
	if ord.MaxIterations <= 0 {
		ord.MaxIterations = o.opts.DefaultMaxIterations
	}
	if ord.MaxWallClock <= 0 {
		ord.MaxWallClock = o.opts.DefaultMaxWallClock
	}
}

// startQueued is the admission starter: pre-flight synchronously, then
// hand the run to its own goroutine. An error return leaves the id at
// the head of the queue.
func (o *Orchestrator) startQueued(id string) error {
	ord, err := o.store.LoadOrder(id)
	if err != nil {
		return err
	}

	ctx := o.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := o.prepare(ctx, ord)
	if err != nil {
		return err
	}

	o.queue.MarkStarted(id, queue.StartOptions{
		Cancel:       s.cancel,
		MaxWallClock: ord.MaxWallClock,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSession(s)
		o.queue.MarkCompleted(id)
		o.admission.Kick()
	}()
	return nil
}

// Execute runs a work order immediately, bypassing the queue. It blocks
// until the run reaches a terminal state. Admission gates do not apply,
// but the concurrency limit does.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*run.Run, error) {
	ord, err := o.store.LoadOrder(id)
	if err != nil {
		return nil, err
	}
	o.applyDefaults(ord)

	s, err := o.prepare(ctx, ord)
	if err != nil {
		return nil, err
	}
	return o.runSession(s), nil
}

// session carries everything prepare assembled for one run.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	ord    *order.WorkOrder
	run    *run.Run
	ws     *workspace.Workspace
	plan   *verify.GatePlan
	driver agent.Driver
	strat  strategy.Strategy
}

// prepare does every step that can fail before the executor owns the
// run: the concurrency check, workspace materialization, lease
// acquisition, gate plan resolution, and driver instantiation. On any
// failure it unwinds what it acquired and returns the error.
func (o *Orchestrator) prepare(ctx context.Context, ord *order.WorkOrder) (s *session, err error) {
	r := run.New(ord.ID)
	runCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if len(o.active) >= o.opts.MaxConcurrent {
		n := len(o.active)
		o.mu.Unlock()
		cancel()
		return nil, gateerrors.ErrConcurrencyExceeded(n, o.opts.MaxConcurrent)
	}
	o.active[ord.ID] = &activeRun{
		runID:     r.ID,
		cancel:    cancel,
		startedAt: o.clock.Now(),
	}
	o.mu.Unlock()

	defer func() {
		if err != nil {
			o.mu.Lock()
			delete(o.active, ord.ID)
			o.mu.Unlock()
			cancel()
		}
	}()

	ws, err := o.workspaces.Create(runCtx, ord.Workspace)
	if err != nil {
		return nil, gateerrors.ErrWorkspaceFailed("materialize workspace").WithCause(err)
	}
	r.WorkspaceID = ws.ID

	o.mu.Lock()
	o.active[ord.ID].workspaceID = ws.ID
	o.mu.Unlock()

	ttl := leaseTTL(ord.MaxWallClock)
	if _, err = o.leases.Acquire(ws.ID, r.ID, ttl); err != nil {
		o.releaseWorkspace(ws.ID)
		return nil, err
	}

	defer func() {
		if err != nil {
			o.releaseLease(ws.ID, r.ID)
			o.releaseWorkspace(ws.ID)
		}
	}()

	res, err := o.resolver.Resolve(ws.RootPath, ord.GatePlanSource)
	if err != nil {
		return nil, gateerrors.ErrConfigInvalid("gate_plan", err.Error()).WithCause(err)
	}

	driver, err := agent.New(ord.AgentType, o.opts.Agent)
	if err != nil {
		return nil, err
	}
	if err = agent.ValidateCapabilities(driver, ord.MaxIterations); err != nil {
		return nil, err
	}

	var strat strategy.Strategy
	if o.opts.Strategy != nil {
		strat, err = strategy.New(*o.opts.Strategy)
		if err != nil {
			return nil, gateerrors.ErrConfigInvalid("strategy", err.Error()).WithCause(err)
		}
	}

	return &session{
		ctx:    runCtx,
		cancel: cancel,
		ord:    ord,
		run:    r,
		ws:     ws,
		plan:   res.Plan,
		driver: driver,
		strat:  strat,
	}, nil
}

// leaseTTL bounds the workspace lease by the run's wall clock budget,
// capped at MaxLeaseTTL.
func leaseTTL(maxWallClock time.Duration) time.Duration {
	if maxWallClock > 0 && maxWallClock < MaxLeaseTTL {
		return maxWallClock
	}
	return MaxLeaseTTL
}

// runSession drives the executor to a terminal state and tears the
// session down afterwards: lease released, tracker entry removed,
// order status persisted from the run result.
func (o *Orchestrator) runSession(s *session) *run.Run {
	defer s.cancel()

	exec := executor.New(executor.Options{
		WorkOrderID:        s.ord.ID,
		TaskPrompt:         s.ord.TaskPrompt,
		Strategy:           s.strat,
		MaxIterations:      s.ord.MaxIterations,
		MaxWallClock:       s.ord.MaxWallClock,
		DisableRetries:     o.opts.DisableRetries,
		CIPollEnabled:      o.opts.CIPollEnabled,
		LeaseRenew:         func() error { _, err := o.leases.Renew(s.ws.ID, s.run.ID); return err },
		LeaseRenewInterval: lease.DefaultRenewInterval,
		Store:              o.store,
		Publisher:          o.publisher,
		Logger:             o.logger,
		Clock:              o.clock,
	}, o.callbacks(s))

	finished, err := exec.Execute(s.ctx, s.run)
	if err != nil {
		o.logger.Error("run aborted before reaching a terminal state",
			"work_order", s.ord.ID, "run", s.run.ID, "error", err)
	}
	if finished == nil {
		finished = s.run
	}

	o.finish(s, finished)
	return finished
}

// finish releases everything the session held and records the terminal
// order status.
func (o *Orchestrator) finish(s *session, r *run.Run) {
	o.mu.Lock()
	delete(o.active, s.ord.ID)
	o.mu.Unlock()

	o.releaseLease(s.ws.ID, r.ID)
	o.tracker.Remove(s.ord.ID)

	status := order.StatusFailed
	switch r.Result {
	case run.ResultPassed:
		status = order.StatusSucceeded
	case run.ResultCanceled:
		status = order.StatusCanceled
	}
	patch := order.StatusPatch{RunID: r.ID}
	if r.Error != nil {
		patch.Note = r.Error.Message
	}
	if _, err := o.store.UpdateOrderStatus(s.ord.ID, status, patch); err != nil {
		o.logger.Error("persist terminal order status",
			"work_order", s.ord.ID, "status", status, "error", err)
	}
	o.logger.Info("work order finished",
		"work_order", s.ord.ID, "run", r.ID, "result", r.Result, "iterations", r.Iteration)
}

// callbacks wires the executor's phases to the orchestrator's
// collaborators for one session.
func (o *Orchestrator) callbacks(s *session) executor.Callbacks {
	cb := executor.Callbacks{
		OnRunStarted: func(r *run.Run) error {
			_, err := o.store.UpdateOrderStatus(s.ord.ID, order.StatusRunning, order.StatusPatch{RunID: r.ID})
			return err
		},
		OnCaptureBeforeState: func(ctx context.Context) (*workspace.BeforeState, error) {
			if err := o.workspaces.EnsureRepo(ctx, s.ws); err != nil {
				return nil, err
			}
			return o.workspaces.CaptureState(ctx, s.ws)
		},
		OnBuild: func(ctx context.Context, req executor.BuildRequest) (*executor.AgentResult, error) {
			return o.build(ctx, s, req)
		},
		OnSnapshot: func(ctx context.Context, before *workspace.BeforeState, runID string, iteration int) (*workspace.Snapshot, error) {
			message := fmt.Sprintf("%s iteration %d", s.ord.ID, iteration)
			return o.workspaces.Snapshot(ctx, s.ws, before, runID, iteration, message)
		},
		OnVerify: func(ctx context.Context, snap *workspace.Snapshot, runID string, iteration int) (*verify.Report, error) {
			return o.verify(ctx, s, snap, runID, iteration)
		},
		OnFeedback: func(ctx context.Context, snap *workspace.Snapshot, report *verify.Report) (string, error) {
			return o.feedback.Generate(report, s.run.Iteration), nil
		},
	}

	if o.opts.PushEachIteration {
		cb.OnPushIteration = func(ctx context.Context, iteration int) error {
			_, err := o.runner.Run(ctx, s.ws.RootPath, "git", "push", "origin", "HEAD")
			return err
		}
	}

	if o.provider != nil {
		cb.OnCreatePullRequest = func(ctx context.Context, r *run.Run, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
			return o.createPullRequest(ctx, s, snap)
		}
		if o.opts.CIPollEnabled {
			var pollerOpts []hosting.PollerOption
			if o.opts.CIPollInterval > 0 {
				pollerOpts = append(pollerOpts, hosting.WithInterval(o.opts.CIPollInterval))
			}
			if o.opts.CIPollTimeout > 0 {
				pollerOpts = append(pollerOpts, hosting.WithTimeout(o.opts.CIPollTimeout))
			}
			cb.OnPollCI = func(ctx context.Context, ref string) (*hosting.CIResult, error) {
				poller := hosting.NewCIPoller(o.provider, o.logger, pollerOpts...)
				return poller.Wait(ctx, ref)
			}
		}
	}
	return cb
}

// build shells out to the agent driver and registers its process with
// the tracker so stale sweeps and force kills can find it.
func (o *Orchestrator) build(ctx context.Context, s *session, req executor.BuildRequest) (*executor.AgentResult, error) {
	var stream agent.StreamFunc
	if req.Stream != nil {
		stream = agent.StreamFunc(req.Stream)
	}

	res, err := s.driver.Execute(ctx, agent.Request{
		Prompt:    req.Prompt,
		Feedback:  req.Feedback,
		WorkDir:   s.ws.RootPath,
		SessionID: req.SessionID,
		Iteration: req.Iteration,
		Stream:    stream,
		OnPID: func(pid int) {
			o.tracker.Register(s.ord.ID, pid)
		},
	})
	if res != nil {
		o.tracker.MarkExited(s.ord.ID, res.ExitCode)
	}
	if err != nil {
		return nil, err
	}
	return &executor.AgentResult{
		Success:      res.Success,
		ExitCode:     res.ExitCode,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		SessionID:    res.SessionID,
		Duration:     res.Duration,
		NumTurns:     res.NumTurns,
		CostUSD:      res.CostUSD,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}, nil
}

// verify runs the resolved gate plan. Skip and empty plans carry no
// levels and pass trivially.
func (o *Orchestrator) verify(ctx context.Context, s *session, snap *workspace.Snapshot, runID string, iteration int) (*verify.Report, error) {
	return o.verifier.Verify(ctx, verify.Request{
		SnapshotPath: s.ws.RootPath,
		Plan:         s.plan,
		SnapshotID:   snap.ID,
		RunID:        runID,
		Iteration:    iteration,
	})
}

// createPullRequest reuses an open PR for the work branch when one
// exists (a CI retry loop comes back through here), otherwise opens a
// draft and immediately marks it ready: local gates have passed by the
// time this is called.
func (o *Orchestrator) createPullRequest(ctx context.Context, s *session, snap *workspace.Snapshot) (*hosting.PullRequest, error) {
	if existing, err := o.provider.FindPRByBranch(ctx, snap.Branch); err == nil {
		return existing, nil
	} else if err != hosting.ErrNoPRFound {
		return nil, err
	}

	base := ""
	if o.opts.Hosting != nil {
		base = o.opts.Hosting.Base
	}
	pr, err := o.provider.CreatePullRequest(ctx, hosting.CreateOptions{
		Title: prTitle(s.ord),
		Body:  prBody(s.ord, s.run),
		Head:  snap.Branch,
		Base:  base,
		Draft: true,
	})
	if err != nil {
		return nil, err
	}
	if err := o.provider.ConvertDraftToReady(ctx, pr); err != nil {
		// The PR exists; readiness can be flipped by hand.
		o.logger.Warn("mark pull request ready failed",
			"work_order", s.ord.ID, "pr", pr.Number, "error", err)
	}
	return pr, nil
}

func prTitle(ord *order.WorkOrder) string {
	title := ord.TaskPrompt
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if len(title) > 72 {
		title = title[:69] + "..."
	}
	return fmt.Sprintf("%s: %s", ord.ID, title)
}

func prBody(ord *order.WorkOrder, r *run.Run) string {
	var sb strings.Builder
	sb.WriteString("Automated change for work order ")
	sb.WriteString(ord.ID)
	sb.WriteString(".\n\n## Task\n\n")
	sb.WriteString(ord.TaskPrompt)
	fmt.Fprintf(&sb, "\n\n## Run\n\n- run: %s\n- iterations: %d\n", r.ID, r.Iteration)
	return sb.String()
}

// Cancel stops a work order wherever it is: waiting entries leave the
// queue as Canceled, running entries get their cancellation handle
// fired and wind down through the executor.
func (o *Orchestrator) Cancel(id string) error {
	if o.queue.Cancel(id) {
		if _, err := o.store.UpdateOrderStatus(id, order.StatusCanceled, order.StatusPatch{Note: "canceled while waiting"}); err != nil {
			o.logger.Error("persist cancel", "work_order", id, "error", err)
		}
		o.publisher.Publish(events.NewEvent(events.EventCanceled, id, events.CanceledData{WasRunning: false}))
		return nil
	}
	if o.queue.CancelRunning(id) {
		return nil
	}

	// Runs started via Execute bypass the queue.
	o.mu.Lock()
	ar := o.active[id]
	o.mu.Unlock()
	if ar != nil {
		ar.cancel()
		return nil
	}
	return gateerrors.ErrOrderNotFound(id)
}

// Kill terminates a work order. Without force it degrades to Cancel;
// with force the agent process group is killed outright and the order
// is marked Failed.
func (o *Orchestrator) Kill(id string, force bool) error {
	if !force {
		return o.Cancel(id)
	}

	kr := o.tracker.ForceKill(id, "operator kill")
	o.mu.Lock()
	ar := o.active[id]
	o.mu.Unlock()
	if ar != nil {
		ar.cancel()
	}
	known := o.queue.ForceCancel(id) || ar != nil

	if _, err := o.store.UpdateOrderStatus(id, order.StatusFailed, order.StatusPatch{Note: "force killed by operator"}); err != nil {
		if !known {
			return gateerrors.ErrOrderNotFound(id)
		}
		o.logger.Error("persist kill", "work_order", id, "error", err)
	}
	o.logger.Info("work order killed",
		"work_order", id, "killed", kr.Success, "forced", kr.ForcedKill)
	return nil
}

// PurgeFilter selects terminal orders for deletion.
type PurgeFilter struct {
	Statuses  []order.Status
	OlderThan time.Time
	DryRun    bool
}

// Purge deletes terminal work orders matching the filter and returns
// the affected ids. With DryRun it only reports what would go.
func (o *Orchestrator) Purge(filter PurgeFilter) ([]string, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []order.Status{order.StatusSucceeded, order.StatusFailed, order.StatusCanceled}
	}
	for _, s := range statuses {
		if !order.IsTerminal(s) {
			return nil, gateerrors.ErrConfigInvalid("purge.statuses", fmt.Sprintf("%q is not terminal", s))
		}
	}

	orders, err := o.store.ListOrders(storage.OrderFilter{
		Statuses:  statuses,
		OlderThan: filter.OlderThan,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, ord := range orders {
		ids = append(ids, ord.ID)
		if filter.DryRun {
			continue
		}
		if err := o.store.DeleteOrder(ord.ID); err != nil {
			o.logger.Error("purge: delete order", "work_order", ord.ID, "error", err)
		}
	}
	if !filter.DryRun && len(ids) > 0 {
		o.logger.Info("purged work orders", "count", len(ids))
	}
	return ids, nil
}

// Health is a point-in-time snapshot of the orchestrator.
type Health struct {
	Status        string      `json:"status"`
	Queue         queue.Stats `json:"queue"`
	ActiveRuns    int         `json:"active_runs"`
	MaxConcurrent int         `json:"max_concurrent"`
	FreeMemoryMB  int         `json:"free_memory_mb"`
	UptimeMs      int64       `json:"uptime_ms"`
}

// Health reports queue statistics, active runs, and host memory.
func (o *Orchestrator) Health() Health {
	status := "ok"
	if o.rootCtx == nil {
		status = "stopped"
	} else if o.rootCtx.Err() != nil {
		status = "stopping"
	}

	var uptime time.Duration
	if !o.startedAt.IsZero() {
		uptime = o.clock.Since(o.startedAt)
	}
	return Health{
		Status:        status,
		Queue:         o.queue.Stats(),
		ActiveRuns:    o.ActiveCount(),
		MaxConcurrent: o.opts.MaxConcurrent,
		FreeMemoryMB:  proc.FreeMemoryMB(),
		UptimeMs:      uptime.Milliseconds(),
	}
}

// ActiveCount reports how many runs the orchestrator currently owns.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Kick nudges the admission controller outside its tick schedule.
func (o *Orchestrator) Kick() {
	o.admission.Kick()
}

func (o *Orchestrator) releaseLease(workspaceID, holderID string) {
	if err := o.leases.Release(workspaceID, holderID); err != nil {
		o.logger.Error("release lease", "workspace", workspaceID, "error", err)
	}
}

func (o *Orchestrator) releaseWorkspace(id string) {
	if err := o.workspaces.Release(id); err != nil {
		o.logger.Error("release workspace", "workspace", id, "error", err)
	}
}
