package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/proc"
	"github.com/agentgate/agentgate/internal/queue"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) Subscribe(workOrderID string) <-chan events.Event {
	ch := make(chan events.Event)
	close(ch)
	return ch
}

func (p *capturePublisher) Unsubscribe(workOrderID string, ch <-chan events.Event) {}
func (p *capturePublisher) Close()                                                 {}

func (p *capturePublisher) byType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingStarter struct {
	mu      sync.Mutex
	queue   *queue.Queue
	started []string
	err     error
}

func (s *recordingStarter) start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = append(s.started, id)
	if s.queue != nil {
		s.queue.MarkStarted(id, queue.StartOptions{})
	}
	return nil
}

func (s *recordingStarter) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.started))
	copy(out, s.started)
	return out
}

func newAdmissionHarness(t *testing.T, maxConcurrent int) (*queue.Queue, *recordingStarter, *capturePublisher, *proc.ManualClock, *Admission) {
	t.Helper()
	pub := &capturePublisher{}
	q := queue.New(queue.Options{MaxQueueSize: 10, MaxConcurrent: maxConcurrent, Publisher: pub})
	starter := &recordingStarter{queue: q}
	clock := proc.NewManualClock(time.Now())
	a := NewAdmission(q, starter.start, AdmissionOptions{
		StaggerDelay:         10 * time.Second,
		MinAvailableMemoryMB: 2048,
		MemoryProbe:          func() int { return 8192 },
		Publisher:            pub,
		Clock:                clock,
	})
	return q, starter, pub, clock, a
}

func TestTickStartsHead(t *testing.T) {
	q, starter, pub, _, a := newAdmissionHarness(t, 2)
	if _, err := q.Enqueue("wo-a", queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("wo-b", queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	a.tick()

	if got := starter.ids(); len(got) != 1 || got[0] != "wo-a" {
		t.Fatalf("started = %v, want [wo-a]", got)
	}
	if evs := pub.byType(events.EventAdmissionStart); len(evs) != 1 || evs[0].WorkOrderID != "wo-a" {
		t.Errorf("admission_start events = %v", evs)
	}
	if q.WaitingCount() != 1 || q.RunningCount() != 1 {
		t.Errorf("queue = %d waiting / %d running", q.WaitingCount(), q.RunningCount())
	}
}

func TestTickStaggersConsecutiveStarts(t *testing.T) {
	q, starter, pub, clock, a := newAdmissionHarness(t, 4)
	q.Enqueue("wo-a", queue.EnqueueOptions{})
	q.Enqueue("wo-b", queue.EnqueueOptions{})

	a.tick()
	a.tick() // inside the stagger window

	if got := starter.ids(); len(got) != 1 {
		t.Fatalf("started = %v, want one start", got)
	}
	skips := pub.byType(events.EventStaggerSkip)
	if len(skips) != 1 {
		t.Fatalf("stagger_skip events = %d, want 1", len(skips))
	}
	data := skips[0].Data.(events.StaggerSkipData)
	if data.DelayMs != 10_000 {
		t.Errorf("delay_ms = %d, want 10000", data.DelayMs)
	}

	clock.Advance(11 * time.Second)
	a.tick()
	if got := starter.ids(); len(got) != 2 || got[1] != "wo-b" {
		t.Errorf("started = %v, want [wo-a wo-b]", got)
	}
}

func TestTickConcurrencyGate(t *testing.T) {
	q, starter, pub, _, a := newAdmissionHarness(t, 1)
	q.Enqueue("wo-a", queue.EnqueueOptions{})
	q.Enqueue("wo-b", queue.EnqueueOptions{})

	a.tick() // starts wo-a, running == maxConcurrent
	a.tick()

	if got := starter.ids(); len(got) != 1 {
		t.Errorf("started = %v, want one start", got)
	}
	// The concurrency gate comes before stagger; no skip event fires.
	if skips := pub.byType(events.EventStaggerSkip); len(skips) != 0 {
		t.Errorf("stagger_skip events = %d, want 0", len(skips))
	}
}

func TestTickZeroConcurrencyNeverAdmits(t *testing.T) {
	q, starter, _, _, a := newAdmissionHarness(t, 0)
	q.Enqueue("wo-a", queue.EnqueueOptions{})

	a.tick()

	if got := starter.ids(); len(got) != 0 {
		t.Errorf("started = %v, want none", got)
	}
}

func TestTickEmptyQueueIsNoop(t *testing.T) {
	_, starter, pub, _, a := newAdmissionHarness(t, 2)

	a.tick()

	if len(starter.ids()) != 0 || len(pub.byType(events.EventAdmissionStart)) != 0 {
		t.Error("tick on an empty queue should do nothing")
	}
}

func TestTickMemoryGate(t *testing.T) {
	q := queue.New(queue.Options{MaxQueueSize: 10, MaxConcurrent: 2})
	starter := &recordingStarter{queue: q}
	pub := &capturePublisher{}
	a := NewAdmission(q, starter.start, AdmissionOptions{
		MinAvailableMemoryMB: 2048,
		MemoryProbe:          func() int { return 512 },
		Publisher:            pub,
	})
	q.Enqueue("wo-a", queue.EnqueueOptions{})

	a.tick()

	if len(starter.ids()) != 0 {
		t.Fatalf("started = %v, want none", starter.ids())
	}
	skips := pub.byType(events.EventMemorySkip)
	if len(skips) != 1 {
		t.Fatalf("memory_skip events = %d, want 1", len(skips))
	}
	data := skips[0].Data.(events.MemorySkipData)
	if data.AvailableMB != 512 || data.RequiredMB != 2048 {
		t.Errorf("memory skip data = %+v", data)
	}
	if q.WaitingCount() != 1 {
		t.Error("head should stay queued after a memory skip")
	}
}

func TestTickSweepsExpiredHead(t *testing.T) {
	q, starter, pub, clock, a := newAdmissionHarness(t, 2)
	expired := time.Duration(0)
	q.Enqueue("wo-timeout", queue.EnqueueOptions{MaxWait: &expired})
	q.Enqueue("wo-next", queue.EnqueueOptions{})

	clock.Advance(time.Second)
	a.tick()

	if got := starter.ids(); len(got) != 1 || got[0] != "wo-next" {
		t.Fatalf("started = %v, want [wo-next]", got)
	}
	if evs := pub.byType(events.EventTimeout); len(evs) != 1 || evs[0].WorkOrderID != "wo-timeout" {
		t.Errorf("timeout events = %v", evs)
	}
	if _, err := q.GetPosition("wo-timeout"); err == nil {
		t.Error("expired head should be gone from the queue")
	}
}

func TestStarterFailureLeavesHeadQueued(t *testing.T) {
	q, starter, _, clock, a := newAdmissionHarness(t, 2)
	starter.err = errors.New("workspace unavailable")
	q.Enqueue("wo-a", queue.EnqueueOptions{})

	a.tick()

	if head, ok := q.Peek(); !ok || head != "wo-a" {
		t.Fatalf("head = %q, %v; want wo-a still queued", head, ok)
	}

	// The failed start still moved lastStart; once the stagger window
	// passes the same head is retried.
	starter.err = nil
	clock.Advance(11 * time.Second)
	a.tick()
	if got := starter.ids(); len(got) != 1 || got[0] != "wo-a" {
		t.Errorf("started = %v, want retry of wo-a", got)
	}
}

func TestTickAfterStopIsNoop(t *testing.T) {
	q, starter, _, _, a := newAdmissionHarness(t, 2)
	q.Enqueue("wo-a", queue.EnqueueOptions{})

	a.Stop()
	a.tick()

	if len(starter.ids()) != 0 {
		t.Errorf("started = %v, want none after Stop", starter.ids())
	}
}

func TestKickTriggersTick(t *testing.T) {
	q := queue.New(queue.Options{MaxQueueSize: 10, MaxConcurrent: 2})
	startedCh := make(chan string, 1)
	starter := func(id string) error {
		q.MarkStarted(id, queue.StartOptions{})
		startedCh <- id
		return nil
	}
	a := NewAdmission(q, starter, AdmissionOptions{
		TickInterval: time.Hour, // only Kick can trigger within the test
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	q.Enqueue("wo-a", queue.EnqueueOptions{})
	a.Kick()

	select {
	case id := <-startedCh:
		if id != "wo-a" {
			t.Errorf("started %q, want wo-a", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a tick")
	}
}
