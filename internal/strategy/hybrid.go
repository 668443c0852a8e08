package strategy

import "fmt"

// DefaultBonusIterations is granted beyond the base when the run is
// improving and the config does not say otherwise.
const DefaultBonusIterations = 2

func init() {
	Register(TypeHybrid, func(cfg Config) (Strategy, error) {
		return NewHybrid(cfg), nil
	})
}

// Hybrid behaves like Fixed for the base iterations, then grants up to
// BonusIterations more as long as the progress trend is improving.
type Hybrid struct {
	base
	baseIterations  int
	bonusIterations int
}

// NewHybrid builds a hybrid strategy. A zero BaseIterations defers to the
// work order's limit; a zero BonusIterations takes the default.
func NewHybrid(cfg Config) *Hybrid {
	bonus := cfg.BonusIterations
	if bonus <= 0 {
		bonus = DefaultBonusIterations
	}
	return &Hybrid{
		base:            base{name: TypeHybrid},
		baseIterations:  cfg.BaseIterations,
		bonusIterations: bonus,
	}
}

func (h *Hybrid) ShouldContinue(c *Context) (Decision, error) {
	if c.Verification != nil && c.Verification.Passed {
		return Stop("verification passed"), nil
	}
	baseLimit := maxFor(c, h.baseIterations)
	if c.State.Iteration < baseLimit {
		return Continue(fmt.Sprintf("iteration %d of %d", c.State.Iteration, baseLimit)), nil
	}
	used := c.State.Iteration - baseLimit
	if used >= h.bonusIterations {
		return Stop(fmt.Sprintf("bonus iterations exhausted: %d", h.bonusIterations)), nil
	}
	trend := c.trend()
	if trend != TrendImproving {
		return Stop(fmt.Sprintf("no bonus iteration: trend %s", trend)), nil
	}
	return Continue(fmt.Sprintf("bonus iteration %d of %d: trend improving", used+1, h.bonusIterations)), nil
}
