package hosting

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default CI polling cadence. Checks usually take minutes; polling every
// 30s keeps API usage low without adding meaningful latency.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollTimeout  = 30 * time.Minute

	// noPipelineGrace is how long a ref may show no pipeline at all
	// before polling gives up with CINone. CI systems take a moment to
	// react to a push.
	noPipelineGrace = 2 * time.Minute
)

// CIPoller polls a provider's CI status for a ref until it settles.
type CIPoller struct {
	provider Provider
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// PollerOption configures a CIPoller.
type PollerOption func(*CIPoller)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *CIPoller) { p.interval = d }
}

// WithTimeout overrides the overall polling budget.
func WithTimeout(d time.Duration) PollerOption {
	return func(p *CIPoller) { p.timeout = d }
}

// NewCIPoller creates a poller for the given provider.
func NewCIPoller(provider Provider, logger *slog.Logger, opts ...PollerOption) *CIPoller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CIPoller{
		provider: provider,
		interval: DefaultPollInterval,
		timeout:  DefaultPollTimeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stop aborts an in-flight Wait. Safe to call more than once.
func (p *CIPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Wait blocks until CI for ref reaches a terminal verdict, the budget
// runs out, or the poller is stopped. A timeout returns the last
// observed result with State CIPending so callers can surface partial
// check data.
func (p *CIPoller) Wait(ctx context.Context, ref string) (*CIResult, error) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	started := time.Now()
	last := &CIResult{State: CIPending}

	for {
		res, err := p.provider.CIStatus(ctx, ref)
		if err != nil {
			// Transient API errors should not fail the run; keep polling.
			p.logger.Warn("ci status poll failed", "ref", ref, "error", err)
		} else {
			last = res
			switch res.State {
			case CIPassing, CIFailing:
				return res, nil
			case CINone:
				if time.Since(started) >= noPipelineGrace {
					return res, nil
				}
			}
			p.logger.Debug("ci still pending", "ref", ref, "checks", len(res.Checks))
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-p.stopCh:
			return last, context.Canceled
		case <-deadline.C:
			return last, nil
		case <-ticker.C:
		}
	}
}
