package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shellgate/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	maxJobs   = 200
	maxEvents = 50
)

// --- Types ---

// JobRow is the monitor's view of one job, built from lifecycle events.
type JobRow struct {
	ID        string
	Command   string
	Status    string
	Message   string
	Submitted time.Time
	Started   time.Time
	Duration  time.Duration
	Evicted   bool
}

// Model is the BubbleTea model behind `system watch`.
type Model struct {
	apiURL string

	width  int
	height int

	jobs      map[string]*JobRow
	eventLog  []events.Event
	hubEvents chan events.Event
	health    healthMsg
	lastError string

	jobTable table.Model
}

// --- Init ---

func NewMonitor(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Command", Width: 16},
			{Title: "Status", Width: 12},
			{Title: "ID", Width: 10},
			{Title: "Duration", Width: 10},
			{Title: "Message", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		jobs:      make(map[string]*JobRow),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		jobTable:  t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)
		m.jobTable.SetHeight(max(m.height/2, 5))

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.lastError = "event stream disconnected; retrying"
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return subscribeToEvents(m.apiURL, m.hubEvents)()
		})

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEvents {
		m.eventLog = m.eventLog[:maxEvents]
	}

	var data events.JobEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.JobID == "" {
		return
	}

	row, ok := m.jobs[data.JobID]
	if !ok {
		row = &JobRow{ID: data.JobID, Submitted: e.At}
		m.jobs[data.JobID] = row
	}
	if data.Command != "" {
		row.Command = data.Command
	}
	if data.Status != "" {
		row.Status = data.Status
	}
	if data.Message != "" {
		row.Message = data.Message
	}

	switch e.Type {
	case events.JobStarted:
		row.Started = e.At
	case events.JobSucceeded, events.JobFailed:
		row.Duration = time.Duration(data.DurationMS) * time.Millisecond
	case events.JobEvicted:
		row.Evicted = true
	}

	m.pruneJobs()
}

// pruneJobs drops the oldest rows once the table exceeds maxJobs.
func (m *Model) pruneJobs() {
	if len(m.jobs) <= maxJobs {
		return
	}
	rows := m.sortedRows()
	for _, r := range rows[maxJobs:] {
		delete(m.jobs, r.ID)
	}
}

// sortedRows returns jobs newest first.
func (m *Model) sortedRows() []*JobRow {
	rows := make([]*JobRow, 0, len(m.jobs))
	for _, r := range m.jobs {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Submitted.Equal(rows[j].Submitted) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].Submitted.After(rows[j].Submitted)
	})
	return rows
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.jobs))
	for _, r := range m.sortedRows() {
		rows = append(rows, jobToRow(r))
	}
	m.jobTable.SetRows(rows)
}

func jobToRow(r *JobRow) table.Row {
	statusSym := statusQueued.Render("○")
	switch r.Status {
	case "IN_PROGRESS":
		statusSym = statusRunning.Render("◉")
	case "SUCCESS":
		statusSym = statusOK.Render("●")
	case "FAILED":
		statusSym = statusFailed.Render("∅")
	}
	status := r.Status
	if r.Evicted {
		status += " (evicted)"
	}

	duration := "-"
	switch {
	case r.Duration > 0:
		duration = r.Duration.Round(time.Millisecond).String()
	case !r.Started.IsZero() && r.Status == "IN_PROGRESS":
		duration = time.Since(r.Started).Round(time.Millisecond).String()
	}

	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	msg := strings.ReplaceAll(r.Message, "\n", " | ")

	return table.Row{statusSym, r.Command, status, id, duration, msg}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	jobs := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Jobs"),
			m.jobTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	footer := " [q] Quit • [↑/↓] Scroll Jobs"
	if m.lastError != "" {
		footer += " • " + statusFailed.Render(m.lastError)
	}
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(footer)

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			jobs,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" {
		status = statusFailed.Render("UNREACHABLE")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("New: %d  Running: %d", m.health.Jobs["NEW"], m.health.Jobs["IN_PROGRESS"]),
		fmt.Sprintf("Commands: %d", m.health.CommandsLoaded),
	}

	cell := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	rendered := make([]string, len(items))
	for i, item := range items {
		rendered[i] = cell.Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, rendered...),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-14s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
