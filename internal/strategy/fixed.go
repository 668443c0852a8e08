package strategy

import "fmt"

func init() {
	Register(TypeFixed, func(cfg Config) (Strategy, error) {
		return NewFixed(cfg), nil
	})
}

// Fixed continues while the iteration count is under the limit and the
// last verification failed. It is the default strategy.
type Fixed struct {
	base
	maxIterations int
}

// NewFixed builds a fixed strategy. A zero MaxIterations defers to the
// work order's limit at decision time.
func NewFixed(cfg Config) *Fixed {
	return &Fixed{
		base:          base{name: TypeFixed},
		maxIterations: cfg.MaxIterations,
	}
}

func (f *Fixed) ShouldContinue(c *Context) (Decision, error) {
	if c.Verification != nil && c.Verification.Passed {
		return Stop("verification passed"), nil
	}
	max := maxFor(c, f.maxIterations)
	if c.State.Iteration >= max {
		return Stop(fmt.Sprintf("max iterations reached: %d", max)), nil
	}
	return Continue(fmt.Sprintf("iteration %d of %d", c.State.Iteration, max)), nil
}
