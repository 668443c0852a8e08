// Package storage persists work orders and runs. The file backend keeps
// YAML records under a data directory; the db package provides the same
// interface over SQL for archival queries.
package storage

import (
	"time"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/run"
)

// OrderFilter narrows ListOrders. Zero values mean "no constraint".
type OrderFilter struct {
	Statuses []order.Status
	// OlderThan keeps only orders last updated before the given time.
	OlderThan time.Time
	Limit     int
	Offset    int
}

// Matches reports whether o passes the filter (limit/offset excluded).
func (f OrderFilter) Matches(o *order.WorkOrder) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.OlderThan.IsZero() && !o.UpdatedAt.Before(f.OlderThan) {
		return false
	}
	return true
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkOrderID string
	Limit       int
}

// Store is the persistence backend consumed by the orchestrator and the
// executor. All writes are atomic. Implementations must be safe for
// concurrent use.
type Store interface {
	// Order records.
	SaveOrder(o *order.WorkOrder) error
	LoadOrder(id string) (*order.WorkOrder, error)
	ListOrders(filter OrderFilter) ([]*order.WorkOrder, error)
	// UpdateOrderStatus persists a status change, enforcing the order
	// status graph. It fails with ORDER_NOT_FOUND or CONFLICT.
	UpdateOrderStatus(id string, status order.Status, patch order.StatusPatch) (*order.WorkOrder, error)
	DeleteOrder(id string) error

	// Run records.
	SaveRun(r *run.Run) error
	LoadRun(runID string) (*run.Run, error)
	ListRuns(filter RunFilter) ([]*run.Run, error)
	// SaveIteration persists one iteration's telemetry under its run.
	SaveIteration(runID string, iteration int, data *run.IterationData) error

	// SaveArtifact writes an auxiliary JSON document under the run's
	// directory (agent results, verification reports) and returns the
	// path relative to the run directory.
	SaveArtifact(runID, name string, v any) (string, error)

	Close() error
}
