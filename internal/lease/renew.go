package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RenewRunner renews a held lease on an interval for as long as a run
// executes. Renewal failures are logged and retried on the next tick;
// if they persist the lease simply expires.
type RenewRunner struct {
	manager     Manager
	workspaceID string
	holderID    string
	interval    time.Duration
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewRenewRunner creates a renewal runner. A non-positive interval uses
// DefaultRenewInterval.
func NewRenewRunner(manager Manager, workspaceID, holderID string, interval time.Duration, logger *slog.Logger) *RenewRunner {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewRunner{
		manager:     manager,
		workspaceID: workspaceID,
		holderID:    holderID,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the renewal loop in a goroutine.
func (r *RenewRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.manager.Renew(r.workspaceID, r.holderID); err != nil {
					r.logger.Warn("lease renewal failed",
						"workspace_id", r.workspaceID,
						"holder_id", r.holderID,
						"error", err)
				}
			}
		}
	}()
}

// Stop ends the renewal loop and waits for it to finish. Safe to call
// more than once.
func (r *RenewRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
