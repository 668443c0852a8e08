package strategy

import "fmt"

const (
	// DefaultMinIterations is the floor before convergence may stop the loop.
	DefaultMinIterations = 2

	// DefaultWindowSize is how many trailing snapshots convergence looks at.
	DefaultWindowSize = 3

	// DefaultConvergenceThreshold is the rolling similarity at which the
	// loop is considered converged.
	DefaultConvergenceThreshold = 0.9
)

func init() {
	Register(TypeRalph, func(cfg Config) (Strategy, error) {
		return NewRalph(cfg), nil
	})
}

// Ralph stops when the trailing snapshots converge: once the rolling
// similarity over the last WindowSize snapshots reaches the threshold and
// the minimum iteration count is met, more iterations are judged unlikely
// to change anything. The iteration cap still applies as a backstop.
type Ralph struct {
	base
	minIterations int
	windowSize    int
	threshold     float64
	maxIterations int
}

// NewRalph builds a ralph strategy with defaults for any zero field.
func NewRalph(cfg Config) *Ralph {
	min := cfg.MinIterations
	if min <= 0 {
		min = DefaultMinIterations
	}
	window := cfg.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConvergenceThreshold
	}
	return &Ralph{
		base:          base{name: TypeRalph},
		minIterations: min,
		windowSize:    window,
		threshold:     threshold,
		maxIterations: cfg.MaxIterations,
	}
}

func (r *Ralph) ShouldContinue(c *Context) (Decision, error) {
	if c.Verification != nil && c.Verification.Passed {
		return Stop("verification passed"), nil
	}
	max := maxFor(c, r.maxIterations)
	if c.State.Iteration >= max {
		return Stop(fmt.Sprintf("max iterations reached: %d", max)), nil
	}
	sim, ok := rollingSimilarity(c.snapshots(), r.windowSize)
	if ok && sim >= r.threshold {
		if c.State.Iteration >= r.minIterations {
			return Stop(fmt.Sprintf("converged: similarity %.2f over last %d snapshots", sim, r.windowSize)), nil
		}
		return Continue(fmt.Sprintf("converged at iteration %d, below minimum %d", c.State.Iteration, r.minIterations)), nil
	}
	if ok {
		return Continue(fmt.Sprintf("similarity %.2f below %.2f", sim, r.threshold)), nil
	}
	return Continue(fmt.Sprintf("iteration %d of %d", c.State.Iteration, max)), nil
}
