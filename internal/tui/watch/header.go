package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/fhirgate/internal/session"
)

// HealthState tracks gateway health from /healthz polling.
type HealthState struct {
	Status        string
	Version       string
	UptimeSeconds int64
	InFlight      int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, sessions *Sessions, ticker Ticker, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := "-"
	if health.UptimeSeconds > 0 {
		uptime = strings.TrimSuffix(humanize.RelTime(now.Add(-time.Duration(health.UptimeSeconds)*time.Second), now, "", ""), " ")
	}

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = humanize.RelTime(pulse.LastEvent(), now, "ago", "from now")
	}

	title := fmt.Sprintf(" FHIRGATE WATCH %s", theme.Highlight.Render(ticker.Current()))
	if health.Version != "" {
		title += theme.Dim.Render(" v" + health.Version)
	}
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  in flight %s  finished %s  failed %s",
		statusText,
		uptime,
		theme.StatusRunning.Render(humanize.Comma(int64(health.InFlight))),
		theme.StatusOK.Render(humanize.Comma(int64(sessions.Count(session.StatusFinished)))),
		theme.StatusFailed.Render(humanize.Comma(int64(sessions.Count(session.StatusAsyncFailed)))),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, pulse.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}
