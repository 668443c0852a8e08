package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/queue"
)

// Admission defaults.
const (
	DefaultTickInterval = 5 * time.Second
	DefaultStaggerDelay = 10 * time.Second
)

// Starter is invoked with the admitted work order id. It must do its
// pre-flight synchronously and hand the long-running part to a
// goroutine: a returned error leaves the id at the head of the queue
// for the next tick.
type Starter func(id string) error

// AdmissionOptions tunes the admission controller.
type AdmissionOptions struct {
	TickInterval time.Duration
	StaggerDelay time.Duration

	// MinAvailableMemoryMB gates starts on host free memory. Zero
	// disables the gate.
	MinAvailableMemoryMB int
	// MemoryProbe reports host free memory in MiB. Nil uses
	// proc.FreeMemoryMB.
	MemoryProbe func() int

	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     proc.Clock
}

// Admission decides when the next waiting work order may start. It is
// the single authoritative starter: the queue itself never initiates a
// dequeue. A tick runs every TickInterval and immediately after Kick.
type Admission struct {
	queue       *queue.Queue
	starter     Starter
	publisher   events.Publisher
	logger      *slog.Logger
	clock       proc.Clock
	memoryProbe func() int

	tickInterval time.Duration
	staggerDelay time.Duration
	minMemoryMB  int

	mu        sync.Mutex
	inFlight  bool
	stopping  bool
	lastStart time.Time
	started   bool

	kickCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	loopOnce sync.Once
}

// NewAdmission wires an admission controller over q. The starter is
// owner-supplied; see Starter.
func NewAdmission(q *queue.Queue, starter Starter, opts AdmissionOptions) *Admission {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.StaggerDelay <= 0 {
		opts.StaggerDelay = DefaultStaggerDelay
	}
	if opts.MemoryProbe == nil {
		opts.MemoryProbe = proc.FreeMemoryMB
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
	return &Admission{
		queue:        q,
		starter:      starter,
		publisher:    opts.Publisher,
		logger:       opts.Logger.With("component", "admission"),
		clock:        opts.Clock,
		memoryProbe:  opts.MemoryProbe,
		tickInterval: opts.TickInterval,
		staggerDelay: opts.StaggerDelay,
		minMemoryMB:  opts.MinAvailableMemoryMB,
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the tick loop until the context ends or Stop is called.
func (a *Admission) Start(ctx context.Context) {
	a.loopOnce.Do(func() {
		go a.loop(ctx)
	})
}

func (a *Admission) loop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.tick()
		case <-a.kickCh:
			a.tick()
		}
	}
}

// Kick requests an immediate tick. Called when capacity may have
// opened (a run completed or was canceled). Coalesces.
func (a *Admission) Kick() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down. Safe to call more than once and before
// Start.
func (a *Admission) Stop() {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// tick evaluates the admission gates in order and starts at most one
// work order. Overlapping ticks collapse into one.
func (a *Admission) tick() {
	a.mu.Lock()
	if a.stopping || a.inFlight {
		a.mu.Unlock()
		return
	}
	a.inFlight = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	if a.queue.RunningCount() >= a.queue.MaxConcurrent() {
		return
	}
	if a.queue.WaitingCount() == 0 {
		return
	}

	now := a.clock.Now()

	a.mu.Lock()
	started, last := a.started, a.lastStart
	a.mu.Unlock()
	if started {
		if elapsed := now.Sub(last); elapsed < a.staggerDelay {
			a.publisher.Publish(events.NewEvent(events.EventStaggerSkip, events.GlobalID, events.StaggerSkipData{
				ElapsedMs: elapsed.Milliseconds(),
				DelayMs:   a.staggerDelay.Milliseconds(),
			}))
			return
		}
	}

	if a.minMemoryMB > 0 {
		if avail := a.memoryProbe(); avail < a.minMemoryMB {
			a.publisher.Publish(events.NewEvent(events.EventMemorySkip, events.GlobalID, events.MemorySkipData{
				AvailableMB: avail,
				RequiredMB:  a.minMemoryMB,
			}))
			return
		}
	}

	a.queue.SweepExpiredHead(now)

	head, ok := a.queue.Peek()
	if !ok {
		return
	}

	// Record the start time before invoking the starter so an
	// overlapping tick observes the same stagger gate.
	a.mu.Lock()
	a.lastStart = now
	a.started = true
	a.mu.Unlock()

	a.publisher.Publish(events.NewEvent(events.EventAdmissionStart, head, nil))
	if err := a.starter(head); err != nil {
		// The head was neither dequeued nor marked started; the next
		// tick retries it unless its wait budget expires first.
		a.logger.Error("start failed, work order stays queued", "work_order", head, "error", err)
	}
}
