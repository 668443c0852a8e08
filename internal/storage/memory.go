package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/run"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*order.WorkOrder
	runs      map[string]*run.Run
	artifacts map[string]map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*order.WorkOrder),
		runs:      make(map[string]*run.Run),
		artifacts: make(map[string]map[string]any),
	}
}

func (s *MemoryStore) SaveOrder(o *order.WorkOrder) error {
	if o == nil || o.ID == "" {
		return gateerrors.ErrStorageFailed("save order: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadOrder(id string) (*order.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(filter OrderFilter) ([]*order.WorkOrder, error) {
	s.mu.RLock()
	matched := make([]*order.WorkOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if filter.Matches(o) {
			cp := *o
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) UpdateOrderStatus(id string, status order.Status, patch order.StatusPatch) (*order.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	if o.Status != status && !order.CanTransition(o.Status, status) {
		return nil, gateerrors.ErrConflict(id, string(o.Status))
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	if patch.Note != "" {
		o.Note = patch.Note
	}
	if patch.RunID != "" {
		o.RunID = patch.RunID
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return gateerrors.ErrOrderNotFound(id)
	}
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) SaveRun(r *run.Run) error {
	if r == nil || r.ID == "" {
		return gateerrors.ErrStorageFailed("save run: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Iterations = append([]run.IterationData(nil), r.Iterations...)
	cp.Warnings = append([]run.Warning(nil), r.Warnings...)
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadRun(runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, gateerrors.ErrRunNotFound(runID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(filter RunFilter) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*run.Run
	for _, r := range s.runs {
		if filter.WorkOrderID != "" && r.WorkOrderID != filter.WorkOrderID {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) SaveIteration(runID string, iteration int, data *run.IterationData) error {
	_, err := s.SaveArtifact(runID, fmt.Sprintf("iterations/%03d", iteration), data)
	return err
}

func (s *MemoryStore) SaveArtifact(runID, name string, v any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts[runID] == nil {
		s.artifacts[runID] = make(map[string]any)
	}
	s.artifacts[runID][name] = v
	return name, nil
}

// Artifact returns a stored artifact for assertions in tests.
func (s *MemoryStore) Artifact(runID, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.artifacts[runID][name]
	return v, ok
}

func (s *MemoryStore) Close() error {
	return nil
}
