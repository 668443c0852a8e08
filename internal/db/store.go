package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
)

// timeLayout is fixed-width UTC so stored timestamps compare correctly
// as text in both dialects.
const timeLayout = "2006-01-02 15:04:05.000000000"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// Store implements storage.Store over a SQL archive. Records are kept
// as JSON documents with extracted columns for filtering; iterations
// and warnings are normalized into their own tables.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Store over an open archive database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// ph returns the bind marker for a 1-based argument index.
func (s *Store) ph(i int) string {
	return s.db.drv.Placeholder(i)
}

// SaveOrder upserts the full order record.
func (s *Store) SaveOrder(o *order.WorkOrder) error {
	if o == nil || o.ID == "" {
		return gateerrors.ErrStorageFailed("save order: missing id")
	}
	data, err := json.Marshal(o)
	if err != nil {
		return gateerrors.ErrStorageFailed("encode order").WithCause(err)
	}
	query := fmt.Sprintf(`
		INSERT INTO orders (id, status, created_at, updated_at, data)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err = s.db.drv.Exec(context.Background(), query,
		o.ID, string(o.Status), encodeTime(o.CreatedAt), encodeTime(o.UpdatedAt), string(data))
	if err != nil {
		return gateerrors.ErrStorageFailed("save order").WithCause(err)
	}
	return nil
}

// LoadOrder reads one order record.
func (s *Store) LoadOrder(id string) (*order.WorkOrder, error) {
	query := fmt.Sprintf("SELECT data FROM orders WHERE id = %s", s.ph(1))
	var data string
	err := s.db.drv.QueryRow(context.Background(), query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("load order").WithCause(err)
	}
	return decodeOrder(data)
}

func decodeOrder(data string) (*order.WorkOrder, error) {
	var o order.WorkOrder
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, gateerrors.ErrStorageFailed("decode order").WithCause(err)
	}
	return &o, nil
}

// ListOrders returns matching orders, newest first. Status and age
// filters run in SQL; limit and offset are applied after the scan so
// both dialects behave identically.
func (s *Store) ListOrders(filter storage.OrderFilter) ([]*order.WorkOrder, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = s.ph(len(args) + 1)
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}
	if !filter.OlderThan.IsZero() {
		where = append(where, fmt.Sprintf("updated_at < %s", s.ph(len(args)+1)))
		args = append(args, encodeTime(filter.OlderThan))
	}

	query := "SELECT data FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.drv.Query(context.Background(), query, args...)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("list orders").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var matched []*order.WorkOrder
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, gateerrors.ErrStorageFailed("scan order").WithCause(err)
		}
		o, err := decodeOrder(data)
		if err != nil {
			return nil, err
		}
		matched = append(matched, o)
	}
	if err := rows.Err(); err != nil {
		return nil, gateerrors.ErrStorageFailed("list orders").WithCause(err)
	}

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

// UpdateOrderStatus persists a status change, enforcing the status
// graph. The read-check-write runs in one transaction.
func (s *Store) UpdateOrderStatus(id string, status order.Status, patch order.StatusPatch) (*order.WorkOrder, error) {
	ctx := context.Background()
	tx, err := s.db.drv.BeginTx(ctx, nil)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("update order status").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	query := fmt.Sprintf("SELECT data FROM orders WHERE id = %s", s.ph(1))
	err = tx.QueryRow(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateerrors.ErrOrderNotFound(id)
	}
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("update order status").WithCause(err)
	}

	o, err := decodeOrder(data)
	if err != nil {
		return nil, err
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

	updated, err := json.Marshal(o)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("encode order").WithCause(err)
	}
	update := fmt.Sprintf(
		"UPDATE orders SET status = %s, updated_at = %s, data = %s WHERE id = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.Exec(ctx, update, string(o.Status), encodeTime(o.UpdatedAt), string(updated), id); err != nil {
		return nil, gateerrors.ErrStorageFailed("update order status").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, gateerrors.ErrStorageFailed("update order status").WithCause(err)
	}
	return o, nil
}

// DeleteOrder removes the order record. Run records are kept; they
// remain addressable by run id.
func (s *Store) DeleteOrder(id string) error {
	query := fmt.Sprintf("DELETE FROM orders WHERE id = %s", s.ph(1))
	res, err := s.db.drv.Exec(context.Background(), query, id)
	if err != nil {
		return gateerrors.ErrStorageFailed("delete order").WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return gateerrors.ErrOrderNotFound(id)
	}
	return nil
}

// SaveRun upserts the run record and synchronizes its iterations and
// warnings tables in one transaction.
func (s *Store) SaveRun(r *run.Run) error {
	if r == nil || r.ID == "" {
		return gateerrors.ErrStorageFailed("save run: missing id")
	}

	// The normalized tables are authoritative for iterations and
	// warnings; the run document carries everything else.
	doc := *r
	doc.Iterations = nil
	doc.Warnings = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return gateerrors.ErrStorageFailed("encode run").WithCause(err)
	}

	ctx := context.Background()
	tx, err := s.db.drv.BeginTx(ctx, nil)
	if err != nil {
		return gateerrors.ErrStorageFailed("save run").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf(`
		INSERT INTO runs (id, work_order_id, state, result, started_at, ended_at, data)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			ended_at = excluded.ended_at,
			data = excluded.data`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	if _, err := tx.Exec(ctx, upsert,
		r.ID, r.WorkOrderID, string(r.State), string(r.Result),
		encodeTime(r.StartedAt), encodeTime(r.EndedAt), string(data)); err != nil {
		return gateerrors.ErrStorageFailed("save run").WithCause(err)
	}

	for i := range r.Iterations {
		if err := s.upsertIteration(ctx, tx, r.ID, &r.Iterations[i]); err != nil {
			return err
		}
	}

	del := fmt.Sprintf("DELETE FROM warnings WHERE run_id = %s", s.ph(1))
	if _, err := tx.Exec(ctx, del, r.ID); err != nil {
		return gateerrors.ErrStorageFailed("save run warnings").WithCause(err)
	}
	insert := fmt.Sprintf(
		"INSERT INTO warnings (run_id, idx, type, message, iteration, at) VALUES (%s, %s, %s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	for i, w := range r.Warnings {
		if _, err := tx.Exec(ctx, insert, r.ID, i, w.Type, w.Message, w.Iteration, encodeTime(w.Time)); err != nil {
			return gateerrors.ErrStorageFailed("save run warnings").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return gateerrors.ErrStorageFailed("save run").WithCause(err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertIteration(ctx context.Context, e execer, runID string, data *run.IterationData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return gateerrors.ErrStorageFailed("encode iteration").WithCause(err)
	}
	query := fmt.Sprintf(`
		INSERT INTO iterations (run_id, iteration, data)
		VALUES (%s, %s, %s)
		ON CONFLICT (run_id, iteration) DO UPDATE SET data = excluded.data`,
		s.ph(1), s.ph(2), s.ph(3))
	if _, err := e.Exec(ctx, query, runID, data.Iteration, string(encoded)); err != nil {
		return gateerrors.ErrStorageFailed("save iteration").WithCause(err)
	}
	return nil
}

// LoadRun reads a run and reassembles its iterations and warnings.
func (s *Store) LoadRun(runID string) (*run.Run, error) {
	ctx := context.Background()
	query := fmt.Sprintf("SELECT data FROM runs WHERE id = %s", s.ph(1))
	var data string
	err := s.db.drv.QueryRow(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateerrors.ErrRunNotFound(runID)
	}
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("load run").WithCause(err)
	}

	var r run.Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, gateerrors.ErrStorageFailed("decode run").WithCause(err)
	}

	iterations, err := s.loadIterations(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Iterations = iterations

	warnings, err := s.loadWarnings(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Warnings = warnings
	return &r, nil
}

func (s *Store) loadIterations(ctx context.Context, runID string) ([]run.IterationData, error) {
	query := fmt.Sprintf(
		"SELECT data FROM iterations WHERE run_id = %s ORDER BY iteration", s.ph(1))
	rows, err := s.db.drv.Query(ctx, query, runID)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("load iterations").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.IterationData
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, gateerrors.ErrStorageFailed("scan iteration").WithCause(err)
		}
		var it run.IterationData
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, gateerrors.ErrStorageFailed("decode iteration").WithCause(err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) loadWarnings(ctx context.Context, runID string) ([]run.Warning, error) {
	query := fmt.Sprintf(
		"SELECT type, message, iteration, at FROM warnings WHERE run_id = %s ORDER BY idx", s.ph(1))
	rows, err := s.db.drv.Query(ctx, query, runID)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("load warnings").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.Warning
	for rows.Next() {
		var (
			w  run.Warning
			at string
		)
		if err := rows.Scan(&w.Type, &w.Message, &w.Iteration, &at); err != nil {
			return nil, gateerrors.ErrStorageFailed("scan warning").WithCause(err)
		}
		if at != "" {
			if t, err := time.Parse(timeLayout, at); err == nil {
				w.Time = t
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(filter storage.RunFilter) ([]*run.Run, error) {
	var (
		args  []any
		query = "SELECT id FROM runs"
	)
	if filter.WorkOrderID != "" {
		query += fmt.Sprintf(" WHERE work_order_id = %s", s.ph(1))
		args = append(args, filter.WorkOrderID)
	}
	query += " ORDER BY started_at DESC, id ASC"

	rows, err := s.db.drv.Query(context.Background(), query, args...)
	if err != nil {
		return nil, gateerrors.ErrStorageFailed("list runs").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gateerrors.ErrStorageFailed("scan run id").WithCause(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, gateerrors.ErrStorageFailed("list runs").WithCause(err)
	}

	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	runs := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.LoadRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// SaveIteration upserts one iteration's telemetry.
func (s *Store) SaveIteration(runID string, iteration int, data *run.IterationData) error {
	return s.upsertIteration(context.Background(), s.db.drv, runID, data)
}

// SaveArtifact stores an auxiliary JSON document under the run and
// returns the artifact name as its address.
func (s *Store) SaveArtifact(runID, name string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", gateerrors.ErrStorageFailed("encode artifact").WithCause(err)
	}
	query := fmt.Sprintf(`
		INSERT INTO artifacts (run_id, name, data, saved_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (run_id, name) DO UPDATE SET
			data = excluded.data,
			saved_at = excluded.saved_at`,
		s.ph(1), s.ph(2), s.ph(3), s.db.drv.Now())
	if _, err := s.db.drv.Exec(context.Background(), query, runID, name, string(data)); err != nil {
		return "", gateerrors.ErrStorageFailed("save artifact").WithCause(err)
	}
	return name, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
