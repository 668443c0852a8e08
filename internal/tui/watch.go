// Package tui renders a live queue dashboard in the terminal.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentgate/agentgate/internal/api"
)

// PollInterval is how often the dashboard refreshes.
const PollInterval = 2 * time.Second

// Snapshot is one refresh of everything the dashboard shows.
type Snapshot struct {
	Health api.HealthSnapshot
	Queue  api.QueueState
}

// Source produces dashboard snapshots.
type Source interface {
	Snapshot() (Snapshot, error)
}

// HTTPSource polls a running daemon's API.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource polls the API at baseURL (e.g. "http://127.0.0.1:7466").
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Snapshot fetches queue state and health in one refresh.
func (s *HTTPSource) Snapshot() (Snapshot, error) {
	var snap Snapshot
	if err := s.getJSON("/api/queue/health", &snap.Health); err != nil {
		return Snapshot{}, err
	}
	if err := s.getJSON("/api/queue", &snap.Queue); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *HTTPSource) getJSON(path string, v any) error {
	resp, err := s.Client.Get(s.BaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Styles holds the dashboard's visual styling.
type Styles struct {
	Header    lipgloss.Style
	StatusOK  lipgloss.Style
	StatusHot lipgloss.Style
	Section   lipgloss.Style
	Error     lipgloss.Style
	Subtle    lipgloss.Style
}

// DefaultStyles returns the default dashboard styling.
func DefaultStyles() Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		StatusOK:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		StatusHot: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Section:   lipgloss.NewStyle().Bold(true).MarginTop(1),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Subtle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

type tickMsg time.Time

type snapshotMsg struct {
	snap Snapshot
	err  error
}

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	source   Source
	interval time.Duration

	spinner spinner.Model
	waiting table.Model

	snap    Snapshot
	loaded  bool
	lastErr error
	now     func() time.Time

	styles Styles
}

// NewModel builds the dashboard over a snapshot source.
func NewModel(source Source) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	cols := []table.Column{
		{Title: "#", Width: 4},
		{Title: "Order", Width: 14},
		{Title: "Priority", Width: 8},
		{Title: "Waited", Width: 10},
		{Title: "ETA", Width: 10},
	}
	tbl := table.New(table.WithColumns(cols), table.WithHeight(10))

	return Model{
		source:   source,
		interval: PollInterval,
		spinner:  sp,
		waiting:  tbl,
		now:      time.Now,
		styles:   DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetch()

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.snap = msg.snap
			m.loaded = true
			m.waiting.SetRows(m.waitingRows())
		}
		return m, m.schedule()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.waiting, cmd = m.waiting.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Header.Render("agentgate queue"))
	b.WriteString("\n")

	if !m.loaded {
		b.WriteString(m.spinner.View())
		b.WriteString(" loading...\n")
		if m.lastErr != nil {
			b.WriteString(m.styles.Error.Render("error: "+m.lastErr.Error()) + "\n")
		}
		b.WriteString(m.styles.Subtle.Render("q to quit"))
		return b.String()
	}

	h := m.snap.Health
	statusStyle := m.styles.StatusOK
	if h.Status != "ok" {
		statusStyle = m.styles.StatusHot
	}
	accepting := "accepting"
	if !h.Stats.Accepting {
		accepting = "queue full"
	}
	b.WriteString(fmt.Sprintf("%s  %d/%d running  %.0f%% utilized  %s\n",
		statusStyle.Render(h.Status),
		h.Stats.Running, h.Stats.MaxConcurrent,
		h.Utilization*100,
		accepting))
	if len(h.Indicators) > 0 {
		b.WriteString(m.styles.StatusHot.Render(strings.Join(h.Indicators, ", ")) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(m.styles.Error.Render("refresh failed: "+m.lastErr.Error()) + "\n")
	}

	b.WriteString(m.styles.Section.Render(fmt.Sprintf("Waiting (%d)", len(m.snap.Queue.Waiting))))
	b.WriteString("\n")
	if len(m.snap.Queue.Waiting) == 0 {
		b.WriteString(m.styles.Subtle.Render("  none") + "\n")
	} else {
		b.WriteString(m.waiting.View())
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Section.Render(fmt.Sprintf("Running (%d)", len(m.snap.Queue.Running))))
	b.WriteString("\n")
	if len(m.snap.Queue.Running) == 0 {
		b.WriteString(m.styles.Subtle.Render("  none") + "\n")
	} else {
		for _, r := range m.snap.Queue.Running {
			elapsed := m.now().Sub(r.StartedAt).Round(time.Second)
			b.WriteString(fmt.Sprintf("  %s %s  %s\n", m.spinner.View(), r.ID, m.styles.Subtle.Render(elapsed.String())))
		}
	}

	b.WriteString("\n" + m.styles.Subtle.Render("q to quit"))
	return b.String()
}

func (m Model) waitingRows() []table.Row {
	rows := make([]table.Row, 0, len(m.snap.Queue.Waiting))
	for _, e := range m.snap.Queue.Waiting {
		waited := m.now().Sub(e.EnqueuedAt).Round(time.Second)
		eta := "-"
		if e.ETAMs != nil {
			eta = (time.Duration(*e.ETAMs) * time.Millisecond).Round(time.Second).String()
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", e.Position),
			e.ID,
			fmt.Sprintf("%d", e.Priority),
			waited.String(),
			eta,
		})
	}
	return rows
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		snap, err := source.Snapshot()
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run starts the dashboard and blocks until the user quits.
func Run(source Source) error {
	p := tea.NewProgram(NewModel(source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
