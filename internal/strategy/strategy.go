// Package strategy implements the loop strategies that decide whether a run
// keeps iterating after a failed verification.
//
// A strategy observes the loop lifecycle through hooks and renders a Decision
// from ShouldContinue. Hook errors are non-fatal to the run: the executor
// logs them and falls back to its default stop rule.
package strategy

import (
	"fmt"
	"sync"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Built-in strategy types. Additional types may be installed with Register.
const (
	TypeFixed  = "fixed"
	TypeHybrid = "hybrid"
	TypeRalph  = "ralph"
)

const (
	ActionContinue = "continue"
	ActionStop     = "stop"
)

// DefaultMaxIterations bounds any loop whose work order does not set a limit.
const DefaultMaxIterations = 30

// Decision is the outcome of a ShouldContinue consultation.
type Decision struct {
	ShouldContinue bool   `yaml:"should_continue" json:"should_continue"`
	Action         string `yaml:"action" json:"action"`
	Reason         string `yaml:"reason" json:"reason"`
}

// Continue builds an affirmative decision with the given reason.
func Continue(reason string) Decision {
	return Decision{ShouldContinue: true, Action: ActionContinue, Reason: reason}
}

// Stop builds a terminating decision with the given reason.
func Stop(reason string) Decision {
	return Decision{ShouldContinue: false, Action: ActionStop, Reason: reason}
}

// SnapshotStats is the slice of a workspace snapshot a strategy reasons
// about. The executor maps its snapshot records into this shape so the
// strategy package stays free of workspace types.
type SnapshotStats struct {
	AfterSHA     string `yaml:"after_sha" json:"after_sha"`
	FilesChanged int    `yaml:"files_changed" json:"files_changed"`
	Insertions   int    `yaml:"insertions" json:"insertions"`
	Deletions    int    `yaml:"deletions" json:"deletions"`
}

// VerificationStats is the slice of a verification report a strategy
// reasons about.
type VerificationStats struct {
	Passed       bool `yaml:"passed" json:"passed"`
	FailedChecks int  `yaml:"failed_checks" json:"failed_checks"`
}

// Trend values for Progress.
const (
	TrendImproving  = "improving"
	TrendFlat       = "flat"
	TrendRegressing = "regressing"
	TrendUnknown    = "unknown"
)

// Progress summarizes how the run is trending across iterations.
type Progress struct {
	Trend string `yaml:"trend" json:"trend"`
}

// LoopDetection reports whether consecutive iterations produced no change.
type LoopDetection struct {
	Detected    bool `yaml:"detected" json:"detected"`
	RepeatCount int  `yaml:"repeat_count" json:"repeat_count"`
}

// IterationOutcome is one row of the loop history.
type IterationOutcome struct {
	Iteration  int   `yaml:"iteration" json:"iteration"`
	Passed     bool  `yaml:"passed" json:"passed"`
	DurationMs int64 `yaml:"duration_ms" json:"duration_ms"`
}

// State carries the loop-level counters and derived signals.
type State struct {
	Iteration     int
	MaxIterations int
	StartedAt     time.Time
	Progress      Progress
	LoopDetection LoopDetection
	History       []IterationOutcome
}

// Context is everything a strategy may consult when deciding. Snapshot and
// Verification describe the current iteration; the Prev slices hold earlier
// iterations oldest-first.
type Context struct {
	WorkOrderID string
	RunID       string
	TaskPrompt  string
	State       State

	Snapshot     *SnapshotStats
	Verification *VerificationStats

	PrevSnapshots     []SnapshotStats
	PrevVerifications []VerificationStats
}

// snapshots returns all snapshots oldest-first, current last.
func (c *Context) snapshots() []SnapshotStats {
	if c.Snapshot == nil {
		return c.PrevSnapshots
	}
	out := make([]SnapshotStats, 0, len(c.PrevSnapshots)+1)
	out = append(out, c.PrevSnapshots...)
	return append(out, *c.Snapshot)
}

// trend returns the explicit Progress.Trend when set, otherwise derives it
// from the verification history.
func (c *Context) trend() string {
	if c.State.Progress.Trend != "" {
		return c.State.Progress.Trend
	}
	return ComputeTrend(c.PrevVerifications, c.Verification)
}

// Strategy decides, after each verification, whether the loop continues.
// Lifecycle hooks let stateful strategies observe the loop; built-ins keep
// no state between calls.
type Strategy interface {
	Name() string
	OnLoopStart(c *Context) error
	OnLoopEnd(c *Context, last Decision) error
	OnIterationStart(c *Context) error
	OnIterationEnd(c *Context, d Decision) error
	ShouldContinue(c *Context) (Decision, error)
}

// Config selects and parameterizes a strategy. Zero fields take the
// variant's defaults; MaxIterations falls back to the work order's limit.
type Config struct {
	Type            string  `yaml:"type" json:"type"`
	MaxIterations   int     `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	BaseIterations  int     `yaml:"base_iterations,omitempty" json:"base_iterations,omitempty"`
	BonusIterations int     `yaml:"bonus_iterations,omitempty" json:"bonus_iterations,omitempty"`
	MinIterations   int     `yaml:"min_iterations,omitempty" json:"min_iterations,omitempty"`
	WindowSize      int     `yaml:"window_size,omitempty" json:"window_size,omitempty"`
	Threshold       float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// Factory builds a strategy from its config.
type Factory func(cfg Config) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a strategy factory under the given type name.
// Built-ins register themselves; callers may add custom types.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the strategy selected by cfg.Type. An empty type means fixed.
func New(cfg Config) (Strategy, error) {
	name := cfg.Type
	if name == "" {
		name = TypeFixed
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, gateerrors.ErrConfigInvalid("strategy.type", fmt.Sprintf("unknown strategy %q", name))
	}
	return f(cfg)
}

// base provides the no-op lifecycle hooks shared by the built-ins.
type base struct {
	name string
}

func (b base) Name() string                       { return b.name }
func (b base) OnLoopStart(*Context) error         { return nil }
func (b base) OnLoopEnd(*Context, Decision) error { return nil }
func (b base) OnIterationStart(*Context) error    { return nil }
func (b base) OnIterationEnd(*Context, Decision) error {
	return nil
}

// maxFor resolves the effective iteration cap: the strategy's own override,
// then the work order's limit, then the package default.
func maxFor(c *Context, override int) int {
	if override > 0 {
		return override
	}
	if c.State.MaxIterations > 0 {
		return c.State.MaxIterations
	}
	return DefaultMaxIterations
}
