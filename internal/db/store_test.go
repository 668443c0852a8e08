package db

import (
	"context"
	"errors"
	"testing"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	archive, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })
	return NewStore(archive)
}

func testOrder(prompt string) *order.WorkOrder {
	return order.New(prompt, order.WorkspaceSource{Kind: order.SourceLocal, Path: "/tmp/ws"})
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)

	o := testOrder("fix the login bug")
	o.MaxIterations = 5
	o.MaxWallClock = 2 * time.Hour
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save order: %v", err)
	}

	got, err := s.LoadOrder(o.ID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if got.TaskPrompt != o.TaskPrompt || got.MaxIterations != 5 || got.MaxWallClock != 2*time.Hour {
		t.Errorf("loaded order = %+v, want match of saved", got)
	}
	if got.Status != order.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}

	if _, err := s.LoadOrder("wo-missing"); !errors.Is(err, gateerrors.ErrOrderNotFound("wo-missing")) {
		t.Errorf("missing order error = %v, want ORDER_NOT_FOUND", err)
	}
}

func TestSaveOrderOverwrites(t *testing.T) {
	s := newTestStore(t)
	o := testOrder("task")
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	o.Note = "second write"
	o.Status = order.StatusRunning
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, _ := s.LoadOrder(o.ID)
	if got.Note != "second write" || got.Status != order.StatusRunning {
		t.Errorf("got = %+v, want overwritten record", got)
	}
}

func TestListOrdersFilters(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i, status := range []order.Status{
		order.StatusQueued, order.StatusRunning, order.StatusSucceeded, order.StatusFailed,
	} {
		o := testOrder("task")
		o.Status = status
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		o.UpdatedAt = o.CreatedAt
		if err := s.SaveOrder(o); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, o.ID)
	}

	all, err := s.ListOrders(storage.OrderFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("all orders = %d, want 4", len(all))
	}
	// Newest first.
	if all[0].ID != ids[3] || all[3].ID != ids[0] {
		t.Errorf("order of results = [%s ... %s], want newest first", all[0].ID, all[3].ID)
	}

	terminal, err := s.ListOrders(storage.OrderFilter{
		Statuses: []order.Status{order.StatusSucceeded, order.StatusFailed},
	})
	if err != nil {
		t.Fatalf("list terminal: %v", err)
	}
	if len(terminal) != 2 {
		t.Errorf("terminal orders = %d, want 2", len(terminal))
	}

	old, err := s.ListOrders(storage.OrderFilter{OlderThan: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(old) != 2 {
		t.Errorf("orders older than cutoff = %d, want 2", len(old))
	}

	paged, err := s.ListOrders(storage.OrderFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 2 || paged[0].ID != ids[2] {
		t.Errorf("paged = %v, want 2 results starting at second newest", paged)
	}

	none, err := s.ListOrders(storage.OrderFilter{Offset: 10})
	if err != nil || len(none) != 0 {
		t.Errorf("offset past end = %v, %v; want empty", none, err)
	}
}

func TestUpdateOrderStatusEnforcesGraph(t *testing.T) {
	s := newTestStore(t)
	o := testOrder("task")
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	updated, err := s.UpdateOrderStatus(o.ID, order.StatusRunning, order.StatusPatch{RunID: "run-12345678"})
	if err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	if updated.Status != order.StatusRunning || updated.RunID != "run-12345678" {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := s.UpdateOrderStatus(o.ID, order.StatusSucceeded, order.StatusPatch{Note: "done"}); err != nil {
		t.Fatalf("running→succeeded: %v", err)
	}

	// Terminal statuses absorb nothing.
	if _, err := s.UpdateOrderStatus(o.ID, order.StatusRunning, order.StatusPatch{}); !errors.Is(err, gateerrors.ErrConflict(o.ID, "succeeded")) {
		t.Errorf("succeeded→running error = %v, want CONFLICT", err)
	}

	// Same-status update is a no-op, not a conflict.
	if _, err := s.UpdateOrderStatus(o.ID, order.StatusSucceeded, order.StatusPatch{Note: "still done"}); err != nil {
		t.Errorf("succeeded→succeeded: %v", err)
	}

	got, _ := s.LoadOrder(o.ID)
	if got.Note != "still done" {
		t.Errorf("note = %q, want patch applied", got.Note)
	}

	if _, err := s.UpdateOrderStatus("wo-missing", order.StatusRunning, order.StatusPatch{}); !errors.Is(err, gateerrors.ErrOrderNotFound("wo-missing")) {
		t.Errorf("missing order error = %v, want ORDER_NOT_FOUND", err)
	}
}

func TestDeleteOrder(t *testing.T) {
	s := newTestStore(t)
	o := testOrder("task")
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.DeleteOrder(o.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LoadOrder(o.ID); !errors.Is(err, gateerrors.ErrOrderNotFound(o.ID)) {
		t.Errorf("load after delete = %v, want ORDER_NOT_FOUND", err)
	}
	if err := s.DeleteOrder(o.ID); !errors.Is(err, gateerrors.ErrOrderNotFound(o.ID)) {
		t.Errorf("second delete = %v, want ORDER_NOT_FOUND", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := run.New("wo-12345678")
	r.State = run.StateSucceeded
	r.Result = run.ResultPassed
	r.Iteration = 2
	r.Branch = "agentgate/wo-12345678"
	r.EndedAt = r.StartedAt.Add(10 * time.Minute)
	r.Iterations = []run.IterationData{
		{Iteration: 1, VerificationPassed: false, NumTurns: 12, CostUSD: 0.42},
		{Iteration: 2, VerificationPassed: true, NumTurns: 7, CostUSD: 0.18},
	}
	r.AddWarning("push_failed", "remote rejected the push")

	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.LoadRun(r.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.WorkOrderID != r.WorkOrderID || got.State != run.StateSucceeded || got.Result != run.ResultPassed {
		t.Errorf("loaded run = %+v, want match of saved", got)
	}
	if got.Branch != r.Branch {
		t.Errorf("branch = %q, want %q", got.Branch, r.Branch)
	}
	if len(got.Iterations) != 2 || got.Iterations[1].CostUSD != 0.18 {
		t.Errorf("iterations = %+v, want both reassembled in order", got.Iterations)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Type != "push_failed" {
		t.Errorf("warnings = %+v, want the push warning back", got.Warnings)
	}

	if _, err := s.LoadRun("run-missing"); !errors.Is(err, gateerrors.ErrRunNotFound("run-missing")) {
		t.Errorf("missing run error = %v, want RUN_NOT_FOUND", err)
	}
}

func TestSaveRunReplacesWarnings(t *testing.T) {
	s := newTestStore(t)

	r := run.New("wo-12345678")
	r.AddWarning("push_failed", "first attempt")
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save: %v", err)
	}

	r.Warnings = nil
	r.AddWarning("ci_timeout", "pipeline never finished")
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, _ := s.LoadRun(r.ID)
	if len(got.Warnings) != 1 || got.Warnings[0].Type != "ci_timeout" {
		t.Errorf("warnings = %+v, want only the latest set", got.Warnings)
	}
}

func TestSaveIterationStandalone(t *testing.T) {
	s := newTestStore(t)

	r := run.New("wo-12345678")
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	it := &run.IterationData{Iteration: 1, VerificationPassed: true, DurationMs: 1500}
	if err := s.SaveIteration(r.ID, 1, it); err != nil {
		t.Fatalf("save iteration: %v", err)
	}

	// Upsert on re-save of the same iteration.
	it.DurationMs = 2500
	if err := s.SaveIteration(r.ID, 1, it); err != nil {
		t.Fatalf("resave iteration: %v", err)
	}

	got, err := s.LoadRun(r.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if len(got.Iterations) != 1 || got.Iterations[0].DurationMs != 2500 {
		t.Errorf("iterations = %+v, want the upserted record", got.Iterations)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	var newest string
	for i := 0; i < 3; i++ {
		r := run.New("wo-target")
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveRun(r); err != nil {
			t.Fatalf("save: %v", err)
		}
		newest = r.ID
	}
	other := run.New("wo-other")
	if err := s.SaveRun(other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	runs, err := s.ListRuns(storage.RunFilter{WorkOrderID: "wo-target"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	if runs[0].ID != newest {
		t.Errorf("first run = %s, want newest %s", runs[0].ID, newest)
	}

	limited, err := s.ListRuns(storage.RunFilter{WorkOrderID: "wo-target", Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Errorf("limited = %v, %v; want exactly one", limited, err)
	}
}

func TestSaveArtifact(t *testing.T) {
	s := newTestStore(t)

	rel, err := s.SaveArtifact("run-12345678", "iterations/001/agent_result.json", map[string]any{
		"num_turns": 9,
	})
	if err != nil {
		t.Fatalf("save artifact: %v", err)
	}
	if rel != "iterations/001/agent_result.json" {
		t.Errorf("rel = %q, want the artifact name", rel)
	}

	// Overwrite keeps a single row per name.
	if _, err := s.SaveArtifact("run-12345678", "iterations/001/agent_result.json", map[string]any{
		"num_turns": 11,
	}); err != nil {
		t.Fatalf("resave artifact: %v", err)
	}

	var n int
	err = s.db.Driver().QueryRow(context.Background(), "SELECT COUNT(*) FROM artifacts").Scan(&n)
	if err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if n != 1 {
		t.Errorf("artifact rows = %d, want 1", n)
	}
}

func TestFilePersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/archive.db"

	archive, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewStore(archive)
	o := testOrder("survive a restart")
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := NewStore(reopened).LoadOrder(o.ID)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got.TaskPrompt != "survive a restart" {
		t.Errorf("prompt = %q", got.TaskPrompt)
	}
}
