package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentgate/agentgate/internal/api"
)

type fakeSource struct {
	snap Snapshot
	err  error
}

func (f *fakeSource) Snapshot() (Snapshot, error) {
	return f.snap, f.err
}

func testSnapshot() Snapshot {
	eta := int64(90_000)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return Snapshot{
		Health: api.HealthSnapshot{
			Status: "ok",
			Stats: api.HealthStats{
				Waiting:       1,
				Running:       1,
				MaxConcurrent: 3,
				MaxQueueSize:  50,
				Accepting:     true,
			},
			Utilization: 1.0 / 3.0,
		},
		Queue: api.QueueState{
			Waiting: []api.QueueWaiting{
				{Position: 1, ID: "wo-wait", Priority: 5, EnqueuedAt: base.Add(-30 * time.Second), ETAMs: &eta},
			},
			Running: []api.QueueRunning{
				{ID: "wo-busy", StartedAt: base.Add(-2 * time.Minute)},
			},
		},
	}
}

func applySnapshot(t *testing.T, m Model, snap Snapshot, err error) Model {
	t.Helper()
	updated, _ := m.Update(snapshotMsg{snap: snap, err: err})
	next, ok := updated.(Model)
	if !ok {
		t.Fatalf("Update returned %T", updated)
	}
	return next
}

func TestModelShowsLoadingBeforeFirstSnapshot(t *testing.T) {
	m := NewModel(&fakeSource{})
	view := m.View()
	if !strings.Contains(view, "loading") {
		t.Errorf("view = %q, want loading indicator", view)
	}
}

func TestModelRendersSnapshot(t *testing.T) {
	snap := testSnapshot()
	m := NewModel(&fakeSource{snap: snap})
	m.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	m = applySnapshot(t, m, snap, nil)
	view := m.View()

	for _, want := range []string{"wo-wait", "wo-busy", "Waiting (1)", "Running (1)", "1/3 running", "accepting"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if !strings.Contains(view, "1m30s") {
		t.Errorf("view missing formatted ETA:\n%s", view)
	}
}

func TestModelKeepsLastSnapshotOnError(t *testing.T) {
	snap := testSnapshot()
	m := NewModel(&fakeSource{snap: snap})
	m = applySnapshot(t, m, snap, nil)
	m = applySnapshot(t, m, Snapshot{}, errors.New("connection refused"))

	view := m.View()
	if !strings.Contains(view, "wo-wait") {
		t.Errorf("last good snapshot dropped:\n%s", view)
	}
	if !strings.Contains(view, "refresh failed") || !strings.Contains(view, "connection refused") {
		t.Errorf("error not surfaced:\n%s", view)
	}
}

func TestModelDegradedStatus(t *testing.T) {
	snap := testSnapshot()
	snap.Health.Status = "degraded"
	snap.Health.Indicators = []string{"at_capacity"}
	snap.Health.Stats.Accepting = false

	m := applySnapshot(t, NewModel(&fakeSource{snap: snap}), snap, nil)
	view := m.View()
	if !strings.Contains(view, "degraded") || !strings.Contains(view, "at_capacity") {
		t.Errorf("indicators missing:\n%s", view)
	}
	if !strings.Contains(view, "queue full") {
		t.Errorf("accepting flag not rendered:\n%s", view)
	}
}

func TestModelQuitKeys(t *testing.T) {
	m := NewModel(&fakeSource{})
	for _, key := range []string{"q", "ctrl+c", "esc"} {
		var msg tea.KeyMsg
		switch key {
		case "q":
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
		case "ctrl+c":
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		}
		_, cmd := m.Update(msg)
		if cmd == nil {
			t.Errorf("key %s: no command", key)
			continue
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("key %s: command is not quit", key)
		}
	}
}

func TestModelSchedulesNextPollAfterSnapshot(t *testing.T) {
	m := NewModel(&fakeSource{snap: testSnapshot()})
	_, cmd := m.Update(snapshotMsg{snap: testSnapshot()})
	if cmd == nil {
		t.Fatal("snapshot did not schedule the next poll")
	}
}

func TestHTTPSourceTrimsSlash(t *testing.T) {
	s := NewHTTPSource("http://127.0.0.1:7466/")
	if s.BaseURL != "http://127.0.0.1:7466" {
		t.Errorf("BaseURL = %q", s.BaseURL)
	}
}
