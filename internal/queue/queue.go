// Package queue implements the priority queue that feeds admission:
// an ordered waiting set, a bounded running set, position and ETA
// queries, and crash-safe persistence.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
)

// Defaults for queue sizing.
const (
	DefaultMaxQueueSize    = 50
	DefaultMaxConcurrent   = 3
	DefaultPersistInterval = 30 * time.Second
)

// Options configures a Queue. Sizes are taken literally: a zero
// MaxQueueSize rejects every enqueue and a zero MaxConcurrent admits
// nothing. Use DefaultOptions for the usual starting point.
type Options struct {
	MaxQueueSize  int
	MaxConcurrent int

	// PersistPath is the queue state file. Empty disables persistence.
	PersistPath     string
	PersistInterval time.Duration

	Publisher events.Publisher
	Logger    *slog.Logger
}

// DefaultOptions returns Options with the default sizing.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize:    DefaultMaxQueueSize,
		MaxConcurrent:   DefaultMaxConcurrent,
		PersistInterval: DefaultPersistInterval,
	}
}

// EnqueueOptions are the per-entry knobs for Enqueue.
type EnqueueOptions struct {
	Priority int

	// MaxWait caps time in the waiting set. Nil means wait forever; a
	// zero value evicts the entry on the next admission tick.
	MaxWait *time.Duration

	// OnPositionChange is invoked with the entry's position on enqueue and
	// whenever the entry moves. Called without the queue lock held.
	OnPositionChange func(Position)
}

// StartOptions carry the running-side bookkeeping for MarkStarted.
type StartOptions struct {
	Cancel       context.CancelFunc
	MaxWallClock time.Duration
}

// Position describes where a work order sits.
type Position struct {
	Position int    `json:"position"` // 1-based among waiting, 0 when running
	Ahead    int    `json:"ahead"`
	ETAMs    *int64 `json:"eta_ms"` // nil when no wait samples exist yet
	State    string `json:"state"`  // waiting or running
}

// WaitingEntry is an immutable snapshot of one waiting entry.
type WaitingEntry struct {
	ID         string         `json:"id"`
	Priority   int            `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	MaxWait    *time.Duration `json:"max_wait,omitempty"`
}

// RunningInfo is an immutable snapshot of one running entry.
type RunningInfo struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	MaxWallClock time.Duration `json:"max_wall_clock,omitempty"`
}

// Stats summarizes the queue.
type Stats struct {
	Waiting       int    `json:"waiting"`
	Running       int    `json:"running"`
	MaxQueueSize  int    `json:"max_queue_size"`
	MaxConcurrent int    `json:"max_concurrent"`
	WaitSamples   int    `json:"wait_samples"`
	AvgWaitMs     *int64 `json:"avg_wait_ms"`
}

// entry is the mutable waiting record. Observers only ever see copies.
type entry struct {
	id         string
	priority   int
	enqueuedAt time.Time
	maxWait    *time.Duration
	notify     func(Position)
}

type runningEntry struct {
	id           string
	startedAt    time.Time
	maxWallClock time.Duration
	cancel       context.CancelFunc
}

// Queue is the work-order admission queue. All operations serialize on a
// single mutex; callbacks and event publication happen after it is
// released.
type Queue struct {
	mu      sync.Mutex
	waiting []*entry // sorted: higher priority first, FIFO within priority
	byID    map[string]*entry
	running map[string]*runningEntry
	ring    *waitRing

	maxQueueSize  int
	maxConcurrent int

	persistPath     string
	persistInterval time.Duration

	publisher events.Publisher
	logger    *slog.Logger

	stopCh    chan struct{}
	stopOnce  sync.Once
	flushOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue from the given options.
func New(opts Options) *Queue {
	if opts.MaxQueueSize < 0 {
		opts.MaxQueueSize = 0
	}
	if opts.MaxConcurrent < 0 {
		opts.MaxConcurrent = 0
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNopPublisher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		byID:            make(map[string]*entry),
		running:         make(map[string]*runningEntry),
		ring:            newWaitRing(),
		maxQueueSize:    opts.MaxQueueSize,
		maxConcurrent:   opts.MaxConcurrent,
		persistPath:     opts.PersistPath,
		persistInterval: opts.PersistInterval,
		publisher:       opts.Publisher,
		logger:          opts.Logger,
		stopCh:          make(chan struct{}),
	}
}

// notification pairs a callback with the position to deliver.
type notification struct {
	fn  func(Position)
	pos Position
}

func deliver(notes []notification) {
	for _, n := range notes {
		n.fn(n.pos)
	}
}

// Enqueue adds a work order to the waiting set. It fails with
// ALREADY_QUEUED if the id is waiting or running and with QUEUE_FULL at
// capacity. On success the new entry's observer fires first, then every
// other waiting observer sees its updated position, then a state change
// is published.
func (q *Queue) Enqueue(id string, opts EnqueueOptions) (Position, error) {
	q.mu.Lock()

	if _, ok := q.byID[id]; ok {
		q.mu.Unlock()
		return Position{}, gateerrors.ErrAlreadyQueued(id)
	}
	if _, ok := q.running[id]; ok {
		q.mu.Unlock()
		return Position{}, gateerrors.ErrAlreadyQueued(id)
	}
	if len(q.waiting) >= q.maxQueueSize {
		q.mu.Unlock()
		return Position{}, gateerrors.ErrQueueFull(q.maxQueueSize)
	}

	e := &entry{
		id:         id,
		priority:   opts.Priority,
		enqueuedAt: time.Now(),
		notify:     opts.OnPositionChange,
	}
	if opts.MaxWait != nil {
		d := *opts.MaxWait
		e.maxWait = &d
	}

	// Insert before the first entry with strictly lower priority; equal
	// priorities stay FIFO.
	idx := len(q.waiting)
	for i, other := range q.waiting {
		if other.priority < e.priority {
			idx = i
			break
		}
	}
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = e
	q.byID[id] = e

	pos := q.positionLocked(idx)
	notes := make([]notification, 0, len(q.waiting))
	if e.notify != nil {
		notes = append(notes, notification{e.notify, pos})
	}
	for i, other := range q.waiting {
		if other == e || other.notify == nil {
			continue
		}
		notes = append(notes, notification{other.notify, q.positionLocked(i)})
	}
	state := q.stateChangeLocked()
	q.mu.Unlock()

	deliver(notes)
	q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
	return pos, nil
}

// Peek returns the head of the waiting set without mutating it.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return "", false
	}
	return q.waiting[0].id, true
}

// Dequeue moves the head into the running set if concurrency allows,
// recording its wait time. Returns false when the queue is empty or the
// running set is full.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	if len(q.waiting) == 0 || len(q.running) >= q.maxConcurrent {
		q.mu.Unlock()
		return "", false
	}

	e := q.waiting[0]
	q.removeWaitingLocked(0)
	q.ring.record(time.Since(e.enqueuedAt))
	q.running[e.id] = &runningEntry{id: e.id, startedAt: time.Now()}

	notes := q.renotifyAllLocked()
	state := q.stateChangeLocked()
	q.mu.Unlock()

	deliver(notes)
	q.publisher.Publish(events.NewEvent(events.EventStateChange, e.id, state))
	return e.id, true
}

// MarkStarted moves id into the running set, removing it from waiting if
// present and recording its wait time. This is the normal admission path.
func (q *Queue) MarkStarted(id string, opts StartOptions) {
	q.mu.Lock()
	if e, ok := q.byID[id]; ok {
		for i, other := range q.waiting {
			if other == e {
				q.removeWaitingLocked(i)
				break
			}
		}
		q.ring.record(time.Since(e.enqueuedAt))
	}
	q.running[id] = &runningEntry{
		id:           id,
		startedAt:    time.Now(),
		maxWallClock: opts.MaxWallClock,
		cancel:       opts.Cancel,
	}

	notes := q.renotifyAllLocked()
	state := q.stateChangeLocked()
	q.mu.Unlock()

	deliver(notes)
	q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
}

// MarkCompleted removes id from the running set. The owner is expected
// to kick admission afterwards since capacity may have opened.
func (q *Queue) MarkCompleted(id string) bool {
	q.mu.Lock()
	_, ok := q.running[id]
	if ok {
		delete(q.running, id)
	}
	state := q.stateChangeLocked()
	q.mu.Unlock()

	if ok {
		q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
	}
	return ok
}

// Cancel removes id from the waiting set only. Returns false if it was
// not waiting.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	for i, other := range q.waiting {
		if other == e {
			q.removeWaitingLocked(i)
			break
		}
	}
	notes := q.renotifyAllLocked()
	state := q.stateChangeLocked()
	q.mu.Unlock()

	deliver(notes)
	q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
	return true
}

// CancelRunning fires the cancellation handle for a running id and
// removes it from the running set.
func (q *Queue) CancelRunning(id string) bool {
	q.mu.Lock()
	e, ok := q.running[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.running, id)
	state := q.stateChangeLocked()
	q.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	q.publisher.Publish(events.NewEvent(events.EventCanceled, id, events.CanceledData{WasRunning: true}))
	q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
	return true
}

// ForceCancel removes id from whichever set holds it without firing any
// cancellation handle. Used by the stale handler after a kill.
func (q *Queue) ForceCancel(id string) bool {
	q.mu.Lock()
	found := false
	if e, ok := q.byID[id]; ok {
		for i, other := range q.waiting {
			if other == e {
				q.removeWaitingLocked(i)
				found = true
				break
			}
		}
	}
	if _, ok := q.running[id]; ok {
		delete(q.running, id)
		found = true
	}
	var notes []notification
	var state events.StateChangeData
	if found {
		notes = q.renotifyAllLocked()
		state = q.stateChangeLocked()
	}
	q.mu.Unlock()

	if found {
		deliver(notes)
		q.publisher.Publish(events.NewEvent(events.EventStateChange, id, state))
	}
	return found
}

// SweepExpiredHead evicts consecutively expired heads, publishing a
// timeout event per eviction, and returns the evicted ids. Called from
// the admission tick before it considers starting anything.
func (q *Queue) SweepExpiredHead(now time.Time) []string {
	q.mu.Lock()
	var evicted []*entry
	for len(q.waiting) > 0 {
		head := q.waiting[0]
		if head.maxWait == nil || now.Sub(head.enqueuedAt) <= *head.maxWait {
			break
		}
		q.removeWaitingLocked(0)
		evicted = append(evicted, head)
	}
	var notes []notification
	var state events.StateChangeData
	if len(evicted) > 0 {
		notes = q.renotifyAllLocked()
		state = q.stateChangeLocked()
	}
	q.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	deliver(notes)
	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		ids = append(ids, e.id)
		q.publisher.Publish(events.NewEvent(events.EventTimeout, e.id, events.TimeoutData{
			WaitedMs:  now.Sub(e.enqueuedAt).Milliseconds(),
			MaxWaitMs: e.maxWait.Milliseconds(),
		}))
	}
	q.publisher.Publish(events.NewEvent(events.EventStateChange, ids[len(ids)-1], state))
	return ids
}

// GetPosition reports where id sits. Running entries are position 0 with
// a zero ETA.
func (q *Queue) GetPosition(id string) (Position, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.running[id]; ok {
		zero := int64(0)
		return Position{Position: 0, Ahead: 0, ETAMs: &zero, State: "running"}, nil
	}
	e, ok := q.byID[id]
	if !ok {
		return Position{}, gateerrors.ErrOrderNotFound(id)
	}
	for i, other := range q.waiting {
		if other == e {
			return q.positionLocked(i), nil
		}
	}
	return Position{}, gateerrors.ErrOrderNotFound(id)
}

// Waiting returns an ordered snapshot of the waiting set.
func (q *Queue) Waiting() []WaitingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]WaitingEntry, len(q.waiting))
	for i, e := range q.waiting {
		we := WaitingEntry{ID: e.id, Priority: e.priority, EnqueuedAt: e.enqueuedAt}
		if e.maxWait != nil {
			d := *e.maxWait
			we.MaxWait = &d
		}
		out[i] = we
	}
	return out
}

// Running returns a snapshot of the running set.
func (q *Queue) Running() []RunningInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RunningInfo, 0, len(q.running))
	for _, e := range q.running {
		out = append(out, RunningInfo{ID: e.id, StartedAt: e.startedAt, MaxWallClock: e.maxWallClock})
	}
	return out
}

// RunningCount returns |running| for admission gating.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// WaitingCount returns |waiting|.
func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// MaxConcurrent returns the configured running-set bound.
func (q *Queue) MaxConcurrent() int {
	return q.maxConcurrent
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Waiting:       len(q.waiting),
		Running:       len(q.running),
		MaxQueueSize:  q.maxQueueSize,
		MaxConcurrent: q.maxConcurrent,
		WaitSamples:   q.ring.count(),
	}
	if avg, ok := q.ring.average(); ok {
		ms := avg.Milliseconds()
		s.AvgWaitMs = &ms
	}
	return s
}

// positionLocked builds the Position for waiting index i.
func (q *Queue) positionLocked(i int) Position {
	return Position{
		Position: i + 1,
		Ahead:    i,
		ETAMs:    q.estimateWaitLocked(i),
		State:    "waiting",
	}
}

// estimateWaitLocked computes the ETA for an entry with ahead entries in
// front. Zero when the entry would start immediately, nil when no wait
// samples exist.
func (q *Queue) estimateWaitLocked(ahead int) *int64 {
	if ahead == 0 && len(q.running) < q.maxConcurrent {
		zero := int64(0)
		return &zero
	}
	avg, ok := q.ring.average()
	if !ok {
		return nil
	}
	// MaxConcurrent 0 admits nothing; clamp so the estimate stays defined.
	mc := int64(q.maxConcurrent)
	if mc < 1 {
		mc = 1
	}
	batches := (int64(ahead) + mc) / mc
	ms := batches * avg.Milliseconds()
	return &ms
}

func (q *Queue) removeWaitingLocked(i int) {
	e := q.waiting[i]
	q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
	delete(q.byID, e.id)
}

// renotifyAllLocked builds position notifications for every waiting
// observer, in queue order.
func (q *Queue) renotifyAllLocked() []notification {
	var notes []notification
	for i, e := range q.waiting {
		if e.notify == nil {
			continue
		}
		notes = append(notes, notification{e.notify, q.positionLocked(i)})
	}
	return notes
}

func (q *Queue) stateChangeLocked() events.StateChangeData {
	return events.StateChangeData{Waiting: len(q.waiting), Running: len(q.running)}
}
