package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/storage"
)

// Stale detector defaults.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultMaxRunningTime = 2 * time.Hour
)

// StaleOptions tunes the stale detector.
type StaleOptions struct {
	SweepInterval time.Duration
	// MaxRunningTime is the outer safety net for runs whose wall-clock
	// check never fired (for example one stuck inside a callback).
	MaxRunningTime time.Duration

	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     proc.Clock
}

// StaleDetector periodically cross-references running work orders
// against the process tracker and terminates the dead and the stuck.
type StaleDetector struct {
	store     storage.Store
	queue     *queue.Queue
	tracker   *proc.Tracker
	publisher events.Publisher
	logger    *slog.Logger
	clock     proc.Clock

	interval       time.Duration
	maxRunningTime time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	loopOnce sync.Once
}

// NewStaleDetector wires a detector over the store, queue, and tracker.
func NewStaleDetector(store storage.Store, q *queue.Queue, tracker *proc.Tracker, opts StaleOptions) *StaleDetector {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxRunningTime <= 0 {
		opts.MaxRunningTime = DefaultMaxRunningTime
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
	return &StaleDetector{
		store:          store,
		queue:          q,
		tracker:        tracker,
		publisher:      opts.Publisher,
		logger:         opts.Logger.With("component", "stale"),
		clock:          opts.Clock,
		interval:       opts.SweepInterval,
		maxRunningTime: opts.MaxRunningTime,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start runs the sweep loop until the context ends or Stop is called.
func (d *StaleDetector) Start(ctx context.Context) {
	d.loopOnce.Do(func() {
		go d.loop(ctx)
	})
}

func (d *StaleDetector) loop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// Stop shuts the loop down. Safe to call more than once and before
// Start.
func (d *StaleDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// sweep classifies every Running work order and handles the dead and
// stale ones. All internal errors are logged, never propagated: the
// sweep must survive a flaky store.
func (d *StaleDetector) sweep() {
	orders, err := d.store.ListOrders(storage.OrderFilter{
		Statuses: []order.Status{order.StatusRunning},
	})
	if err != nil {
		d.logger.Error("sweep: list running orders", "error", err)
		return
	}

	for _, o := range orders {
		class, runningFor := d.classify(o.ID)
		if class == "" {
			continue
		}
		d.handle(o.ID, class, runningFor)
	}
}

// classify returns "dead", "stale", or "" for a healthy work order.
func (d *StaleDetector) classify(id string) (string, time.Duration) {
	tp, ok := d.tracker.Get(id)
	if !ok || tp.HasExited || !d.tracker.IsAlive(id) {
		return "dead", 0
	}
	if runningFor := d.clock.Since(tp.StartedAt); runningFor > d.maxRunningTime {
		return "stale", runningFor
	}
	return "", 0
}

func (d *StaleDetector) handle(id, class string, runningFor time.Duration) {
	d.logger.Warn("stale sweep terminating work order",
		"work_order", id, "classification", class, "running_for", runningFor)
	d.publisher.Publish(events.NewEvent(events.EventStaleDetected, id, events.StaleDetectedData{
		Classification: class,
		RunningMs:      runningFor.Milliseconds(),
	}))

	kr := d.tracker.ForceKill(id, "stale detection")

	var note string
	switch class {
	case "dead":
		note = "Stale detection terminated work order: agent process is gone"
	default:
		note = fmt.Sprintf("Stale detection terminated work order: running past the %s limit", d.maxRunningTime)
	}
	if _, err := d.store.UpdateOrderStatus(id, order.StatusFailed, order.StatusPatch{Note: note}); err != nil {
		d.logger.Error("stale handling: persist failure", "work_order", id, "error", err)
	}
	d.queue.ForceCancel(id)

	d.publisher.Publish(events.NewEvent(events.EventStaleHandled, id, events.StaleHandledData{
		Killed: kr.Success,
	}))
}
