package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fhirgate/internal/events"
)

const visibleEvents = 8

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.SessionFinished:
		typeStyle = theme.StatusOK
	case events.SessionFailed, events.SessionRejected:
		typeStyle = theme.StatusFailed
	case events.SessionStarted, events.SessionInProgress:
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	se, err := e.Session()
	if err != nil || se.SessionID == "" {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	id := se.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	parts := []string{"[" + id + "]"}
	if se.Provider != "" {
		parts = append(parts, se.Provider)
	}
	if se.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", se.HTTPStatus))
	}
	if se.Failure != "" {
		parts = append(parts, se.Failure)
	}
	return strings.Join(parts, " ")
}
