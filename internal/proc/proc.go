// Package proc tracks agent OS processes and probes host resources.
//
// The tracker is process-wide bookkeeping: every spawned agent registers
// its PID here so the stale detector and the kill path can reason about
// liveness without holding a handle to the exec.Cmd that started it.
package proc

import (
	"log/slog"
	"sync"
	"time"
)

// TrackedProcess records one agent process owned by a work order.
type TrackedProcess struct {
	PID            int
	StartedAt      time.Time
	HasExited      bool
	ExitCode       int
	KillSignalSent bool
}

// KillResult reports the outcome of a ForceKill.
type KillResult struct {
	// Success means no process attributable to the id is still alive.
	Success bool
	// ForcedKill means escalation to SIGKILL was required.
	ForcedKill bool
	Duration   time.Duration
}

// KillGroup force-kills the process group rooted at pid. Used by agent
// drivers on context cancellation so spawned children die with the agent.
func KillGroup(pid int) error {
	return killProcess(pid)
}

// Tracker maps work order ids to their agent processes.
type Tracker struct {
	mu     sync.RWMutex
	procs  map[string]*TrackedProcess
	logger *slog.Logger
	clock  Clock

	gracePeriod  time.Duration
	pollInterval time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithGracePeriod sets how long a graceful signal may take before
// escalation to a forced kill.
func WithGracePeriod(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.gracePeriod = d }
}

// WithPollInterval sets the liveness poll cadence during a kill.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.pollInterval = d }
}

// WithClock substitutes the clock, for tests.
func WithClock(c Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// NewTracker creates an empty process tracker.
func NewTracker(logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		procs:        make(map[string]*TrackedProcess),
		logger:       logger,
		clock:        SystemClock{},
		gracePeriod:  5 * time.Second,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register enters a process for a work order. A later Register for the
// same id replaces the previous entry.
func (t *Tracker) Register(id string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[id] = &TrackedProcess{
		PID:       pid,
		StartedAt: t.clock.Now(),
	}
	t.logger.Debug("process registered", "id", id, "pid", pid)
}

// MarkExited records that the process for id has exited. Idempotent;
// the first recorded exit code wins.
func (t *Tracker) MarkExited(id string, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[id]
	if !ok || p.HasExited {
		return
	}
	p.HasExited = true
	p.ExitCode = code
	t.logger.Debug("process exited", "id", id, "pid", p.PID, "code", code)
}

// Get returns a copy of the tracked entry for id.
func (t *Tracker) Get(id string) (TrackedProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[id]
	if !ok {
		return TrackedProcess{}, false
	}
	return *p, true
}

// Remove drops the entry for id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

// IsAlive reports whether the work order has a live process: an entry
// exists, has not exited, and its pid answers a liveness probe.
func (t *Tracker) IsAlive(id string) bool {
	t.mu.RLock()
	p, ok := t.procs[id]
	t.mu.RUnlock()
	if !ok || p.HasExited {
		return false
	}
	return processExists(p.PID)
}

// ForceKill terminates the process for id: graceful signal first, then
// forced after the grace period. It returns a result regardless of
// whether a process was found; Success reflects that nothing
// attributable to the id remains alive.
func (t *Tracker) ForceKill(id, reason string) KillResult {
	start := t.clock.Now()

	t.mu.Lock()
	p, ok := t.procs[id]
	var pid int
	if ok {
		pid = p.PID
		p.KillSignalSent = true
	}
	t.mu.Unlock()

	if !ok || pid <= 0 {
		return KillResult{Success: true, Duration: t.clock.Since(start)}
	}
	if !processExists(pid) {
		t.MarkExited(id, -1)
		return KillResult{Success: true, Duration: t.clock.Since(start)}
	}

	t.logger.Info("terminating process", "id", id, "pid", pid, "reason", reason)
	if err := terminateProcess(pid); err != nil {
		t.logger.Warn("graceful signal failed", "id", id, "pid", pid, "error", err)
	}

	deadline := time.Now().Add(t.gracePeriod)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			t.MarkExited(id, -1)
			return KillResult{Success: true, Duration: t.clock.Since(start)}
		}
		time.Sleep(t.pollInterval)
	}

	t.logger.Warn("escalating to forced kill", "id", id, "pid", pid, "reason", reason)
	if err := killProcess(pid); err != nil {
		t.logger.Warn("forced kill failed", "id", id, "pid", pid, "error", err)
	}

	// SIGKILL is not ignorable; give the kernel a moment to reap.
	reapDeadline := time.Now().Add(t.gracePeriod)
	for time.Now().Before(reapDeadline) {
		if !processExists(pid) {
			t.MarkExited(id, -1)
			return KillResult{Success: true, ForcedKill: true, Duration: t.clock.Since(start)}
		}
		time.Sleep(t.pollInterval)
	}
	return KillResult{Success: false, ForcedKill: true, Duration: t.clock.Since(start)}
}

// Snapshot returns a copy of every tracked entry, keyed by work order id.
func (t *Tracker) Snapshot() map[string]TrackedProcess {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]TrackedProcess, len(t.procs))
	for id, p := range t.procs {
		out[id] = *p
	}
	return out
}
