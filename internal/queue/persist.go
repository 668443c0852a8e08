package queue

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/agentgate/agentgate/internal/util"
)

// stateVersion is the queue-state file format version. Files with any
// other version are skipped on restore.
const stateVersion = "1.0"

type persistedEntry struct {
	WorkOrderID string    `json:"workOrderId"`
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	MaxWaitMs   *int64    `json:"maxWaitMs"` // null means no limit
}

type persistedState struct {
	Version   string           `json:"version"`
	Queue     []persistedEntry `json:"queue"`
	Running   []string         `json:"running"`
	WaitTimes []int64          `json:"waitTimes"`
	SavedAt   time.Time        `json:"savedAt"`
}

// Persist writes the queue state atomically. Errors are logged, never
// returned; a failed write leaves the previous file intact.
func (q *Queue) Persist() {
	if q.persistPath == "" {
		return
	}

	q.mu.Lock()
	state := persistedState{
		Version: stateVersion,
		Queue:   make([]persistedEntry, len(q.waiting)),
		Running: make([]string, 0, len(q.running)),
		SavedAt: time.Now().UTC(),
	}
	for i, e := range q.waiting {
		pe := persistedEntry{
			WorkOrderID: e.id,
			Priority:    e.priority,
			EnqueuedAt:  e.enqueuedAt,
		}
		if e.maxWait != nil {
			ms := e.maxWait.Milliseconds()
			pe.MaxWaitMs = &ms
		}
		state.Queue[i] = pe
	}
	for id := range q.running {
		state.Running = append(state.Running, id)
	}
	for _, d := range q.ring.history() {
		state.WaitTimes = append(state.WaitTimes, d.Milliseconds())
	}
	q.mu.Unlock()

	sort.Strings(state.Running)
	if err := util.AtomicWriteJSON(q.persistPath, state, 0o644); err != nil {
		q.logger.Error("queue persist failed", "path", q.persistPath, "error", err)
	}
}

// Restore loads persisted state. Waiting entries come back with their
// recorded enqueue times and no position observers. The running set is
// not rehydrated; its ids are returned so the owner can resubmit them.
// A missing, corrupt, or unknown-version file restores nothing.
func (q *Queue) Restore() []string {
	if q.persistPath == "" {
		return nil
	}

	data, err := os.ReadFile(q.persistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger.Error("queue restore failed", "path", q.persistPath, "error", err)
		}
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		q.logger.Error("queue state unreadable, starting empty", "path", q.persistPath, "error", err)
		return nil
	}
	if state.Version != stateVersion {
		q.logger.Warn("queue state version mismatch, starting empty",
			"path", q.persistPath, "version", state.Version, "want", stateVersion)
		return nil
	}

	q.mu.Lock()
	q.waiting = q.waiting[:0]
	q.byID = make(map[string]*entry, len(state.Queue))
	for _, pe := range state.Queue {
		e := &entry{
			id:         pe.WorkOrderID,
			priority:   pe.Priority,
			enqueuedAt: pe.EnqueuedAt,
		}
		if pe.MaxWaitMs != nil {
			d := time.Duration(*pe.MaxWaitMs) * time.Millisecond
			e.maxWait = &d
		}
		q.waiting = append(q.waiting, e)
		q.byID[e.id] = e
	}
	sort.SliceStable(q.waiting, func(i, j int) bool {
		if q.waiting[i].priority != q.waiting[j].priority {
			return q.waiting[i].priority > q.waiting[j].priority
		}
		return q.waiting[i].enqueuedAt.Before(q.waiting[j].enqueuedAt)
	})

	samples := make([]time.Duration, 0, len(state.WaitTimes))
	for _, ms := range state.WaitTimes {
		samples = append(samples, time.Duration(ms)*time.Millisecond)
	}
	q.ring.load(samples)
	waiting := len(q.waiting)
	q.mu.Unlock()

	q.logger.Info("queue state restored",
		"waiting", waiting,
		"running_to_resubmit", len(state.Running),
		"saved_at", state.SavedAt)
	return state.Running
}

// StartFlusher persists the queue on the configured interval until the
// context ends or Stop is called. At most one flusher ever runs; repeat
// calls are no-ops.
func (q *Queue) StartFlusher(ctx context.Context) {
	if q.persistPath == "" {
		return
	}
	q.flushOnce.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			ticker := time.NewTicker(q.persistInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-q.stopCh:
					return
				case <-ticker.C:
					q.Persist()
				}
			}
		}()
	})
}

// Stop halts the flusher and persists one final time.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	q.Persist()
}
