package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fhirgate/internal/events"
)

const (
	eventLogSize    = 50
	sessionsLimit   = 50
	refreshInterval = 5 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health      HealthState
	sessions    *Sessions
	eventLog    []events.Event
	lastEventID int64

	ticker Ticker
	pulse  Pulse
	table  table.Model
	theme  Theme
	now    func() time.Time

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model for the gateway at apiURL.
func New(apiURL string) *Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(sessionColumns()),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	t.SetStyles(theme.Table)

	return &Model{
		client:    NewClient(apiURL),
		sessions:  NewSessions(),
		eventLog:  make([]events.Event, 0, eventLogSize),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		table:     t,
		theme:     theme,
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.client) },
		func() tea.Msg { return fetchSessions(m.client, sessionsLimit) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchSessions(m.client, sessionsLimit) }
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 18; h > 3 {
			m.table.SetHeight(h)
		}

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay(m.now())
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())
		m.sessions.ApplyEvent(e)
		m.refreshTable()
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.InFlight = msg.InFlight
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return fetchHealth(m.client) })

	case sessionsMsg:
		m.sessions.ApplySnapshot(msg)
		m.refreshTable()
		return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return fetchSessions(m.client, sessionsLimit) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// Resume after the last event seen so the replay buffer fills the gap.
		return m, subscribeToEvents(m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return fetchHealth(m.client) })
	}

	return m, nil
}

func (m *Model) refreshTable() {
	m.table.SetRows(sessionRows(m.sessions.Ordered(), m.now()))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing fhirgate watch..."
	}

	now := m.now()
	header := renderHeader(m.health, m.sessions, m.ticker, m.pulse, m.theme, m.width, now)
	sessions := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("SESSIONS (%d)", m.sessions.Len())),
		m.table.View(),
	))
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, sessions, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
