package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/util"
)

// FileStore keeps one YAML file per order under orders/ and one directory
// per run under runs/, with run.yaml plus artifact files inside. An
// in-memory index is rebuilt from disk on open.
type FileStore struct {
	dir string
	mu  sync.RWMutex

	orders map[string]*order.WorkOrder
}

// NewFileStore opens (or creates) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		dir:    dir,
		orders: make(map[string]*order.WorkOrder),
	}
	for _, sub := range []string{"orders", "runs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex reads every order record into the index. Unreadable files are
// skipped rather than failing the open; the store should come up even
// after a partial write elsewhere.
func (s *FileStore) loadIndex() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, "orders"))
	if err != nil {
		return fmt.Errorf("read orders directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "orders", e.Name()))
		if err != nil {
			continue
		}
		var o order.WorkOrder
		if err := yaml.Unmarshal(data, &o); err != nil || o.ID == "" {
			continue
		}
		s.orders[o.ID] = &o
	}
	return nil
}

func (s *FileStore) orderPath(id string) string {
	return filepath.Join(s.dir, "orders", id+".yaml")
}

// RunDir returns the directory holding a run's record and artifacts.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.dir, "runs", runID)
}

// SaveOrder writes the order record, replacing any previous version.
func (s *FileStore) SaveOrder(o *order.WorkOrder) error {
	if o == nil || o.ID == "" {
		return gateerrors.ErrStorageFailed("save order: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	if err := util.AtomicWriteYAML(s.orderPath(o.ID), &cp, 0o644); err != nil {
		return gateerrors.ErrStorageFailed("save order").WithCause(err)
	}
	s.orders[o.ID] = &cp
	return nil
}

// LoadOrder returns a copy of the order record.
func (s *FileStore) LoadOrder(id string) (*order.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	cp := *o
	return &cp, nil
}

// ListOrders returns matching orders, newest first.
func (s *FileStore) ListOrders(filter OrderFilter) ([]*order.WorkOrder, error) {
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

// UpdateOrderStatus persists a status change, enforcing the status graph.
func (s *FileStore) UpdateOrderStatus(id string, status order.Status, patch order.StatusPatch) (*order.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	if o.Status != status && !order.CanTransition(o.Status, status) {
		return nil, gateerrors.ErrConflict(id, string(o.Status))
	}

	cp := *o
	cp.Status = status
	cp.UpdatedAt = time.Now()
	if patch.Note != "" {
		cp.Note = patch.Note
	}
	if patch.RunID != "" {
		cp.RunID = patch.RunID
	}
	if err := util.AtomicWriteYAML(s.orderPath(id), &cp, 0o644); err != nil {
		return nil, gateerrors.ErrStorageFailed("update order status").WithCause(err)
	}
	s.orders[id] = &cp
	out := cp
	return &out, nil
}

// DeleteOrder removes the order record from disk and the index.
func (s *FileStore) DeleteOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return gateerrors.ErrOrderNotFound(id)
	}
	if err := os.Remove(s.orderPath(id)); err != nil && !os.IsNotExist(err) {
		return gateerrors.ErrStorageFailed("delete order").WithCause(err)
	}
	delete(s.orders, id)
	return nil
}

// SaveRun writes the full run record.
func (s *FileStore) SaveRun(r *run.Run) error {
	if r == nil || r.ID == "" {
		return gateerrors.ErrStorageFailed("save run: missing id")
	}
	path := filepath.Join(s.RunDir(r.ID), "run.yaml")
	if err := util.AtomicWriteYAML(path, r, 0o644); err != nil {
		return gateerrors.ErrStorageFailed("save run").WithCause(err)
	}
	return nil
}

// LoadRun reads a run record.
func (s *FileStore) LoadRun(runID string) (*run.Run, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), "run.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateerrors.ErrRunNotFound(runID)
		}
		return nil, gateerrors.ErrStorageFailed("load run").WithCause(err)
	}
	var r run.Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, gateerrors.ErrStorageFailed("parse run record").WithCause(err)
	}
	return &r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *FileStore) ListRuns(filter RunFilter) ([]*run.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "runs"))
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("read runs directory").WithCause(err)
	}

	var runs []*run.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.LoadRun(e.Name())
		if err != nil {
			continue
		}
		if filter.WorkOrderID != "" && r.WorkOrderID != filter.WorkOrderID {
			continue
		}
		runs = append(runs, r)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// SaveIteration writes one iteration's telemetry as its own file so a
// crash mid-run loses at most the current iteration.
func (s *FileStore) SaveIteration(runID string, iteration int, data *run.IterationData) error {
	path := filepath.Join(s.RunDir(runID), "iterations", fmt.Sprintf("%03d.yaml", iteration))
	if err := util.AtomicWriteYAML(path, data, 0o644); err != nil {
		return gateerrors.ErrStorageFailed("save iteration").WithCause(err)
	}
	return nil
}

// SaveArtifact writes a JSON document under the run directory and returns
// its run-relative path.
func (s *FileStore) SaveArtifact(runID, name string, v any) (string, error) {
	rel := filepath.ToSlash(name)
	path := filepath.Join(s.RunDir(runID), filepath.FromSlash(rel))
	if err := util.AtomicWriteJSON(path, v, 0o644); err != nil {
		return "", gateerrors.ErrStorageFailed("save artifact").WithCause(err)
	}
	return rel, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
