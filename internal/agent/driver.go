// Package agent defines the driver interface for coding agents and the
// registry that maps configured agent types to drivers.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
)

// StreamFunc receives raw agent stream events during a build. The
// executor wires it to a throttling events.StreamSink.
type StreamFunc func(ctx context.Context, ev events.StreamEvent)

// Request is one agent invocation: the task prompt, optional feedback
// from the previous iteration, and the session to continue.
type Request struct {
	Prompt    string
	Feedback  string
	WorkDir   string
	SessionID string
	Iteration int
	Timeout   time.Duration
	Model     string

	// Stream receives tool calls, output text, and progress as they
	// happen. Nil disables streaming.
	Stream StreamFunc

	// OnPID is invoked with the agent's OS pid once the process starts,
	// so the process tracker can register it. Nil is allowed.
	OnPID func(pid int)
}

// Result is what an agent run produced.
type Result struct {
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Duration  time.Duration `json:"duration"`

	NumTurns     int     `json:"num_turns,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`

	// FinalText is the agent's closing message, kept for feedback and
	// debugging.
	FinalText string `json:"final_text,omitempty"`
}

// Capabilities declares what a driver supports, checked by the
// orchestrator before a run starts.
type Capabilities struct {
	SessionResume    bool `json:"session_resume"`
	StructuredOutput bool `json:"structured_output"`
	ToolRestriction  bool `json:"tool_restriction"`
	Timeout          bool `json:"timeout"`
}

// Driver executes agent requests. Implementations must honor context
// cancellation promptly: a canceled context kills the agent process.
type Driver interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	IsAvailable() bool
	Capabilities() Capabilities
	Name() string
}

// Config parameterizes a driver instance.
type Config struct {
	// Binary overrides the driver's default executable path.
	Binary string `yaml:"binary,omitempty" json:"binary,omitempty"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
	// Timeout is the default per-invocation budget when a request sets none.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Factory builds a driver from its config.
type Factory func(cfg Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a driver factory under the given agent type. Built-in
// drivers register themselves in init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the driver for the given agent type. An empty type selects
// claude.
func New(agentType string, cfg Config) (Driver, error) {
	name := agentType
	if name == "" {
		name = "claude"
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, gateerrors.ErrAgentUnavailable(name)
	}
	return f(cfg)
}

// Types returns the registered agent type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// ValidateCapabilities checks that a driver can serve a request shape.
// Currently the only hard requirement is session resume for multi-
// iteration runs.
func ValidateCapabilities(d Driver, maxIterations int) error {
	caps := d.Capabilities()
	if maxIterations > 1 && !caps.SessionResume {
		return gateerrors.ErrConfigInvalid("agent.type",
			fmt.Sprintf("driver %q cannot resume sessions; multi-iteration runs need session resume", d.Name()))
	}
	return nil
}
