package watch

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/session"
)

const maxRows = 200

// SessionRow is one tracked session, decoded from /sessions or built up
// from events.
type SessionRow struct {
	ID         string     `json:"session_id"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	TargetURL  string     `json:"target_url"`
	HTTPStatus *int       `json:"http_status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartTime  *time.Time `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	Failure    string     `json:"-"`
}

// Sessions is the in-memory session view.
type Sessions struct {
	rows   map[string]*SessionRow
	counts map[string]int
}

func NewSessions() *Sessions {
	return &Sessions{rows: make(map[string]*SessionRow), counts: make(map[string]int)}
}

// ApplySnapshot merges a /sessions response. Rows already advanced by
// events keep their newer status.
func (s *Sessions) ApplySnapshot(msg sessionsMsg) {
	for i := range msg.Sessions {
		in := msg.Sessions[i]
		cur, ok := s.rows[in.ID]
		if ok && statusRank(cur.Status) > statusRank(in.Status) {
			continue
		}
		if ok && in.Failure == "" {
			in.Failure = cur.Failure
		}
		s.rows[in.ID] = &in
	}
	if msg.Counts != nil {
		s.counts = msg.Counts
	}
	s.trim()
}

// ApplyEvent advances a session from a lifecycle event.
func (s *Sessions) ApplyEvent(e events.Event) {
	se, err := e.Session()
	if err != nil || se.SessionID == "" {
		return
	}
	row, ok := s.rows[se.SessionID]
	if !ok {
		row = &SessionRow{ID: se.SessionID, CreatedAt: e.At}
		s.rows[se.SessionID] = row
	}
	if se.Provider != "" {
		row.Provider = se.Provider
	}
	if se.TargetURL != "" {
		row.TargetURL = se.TargetURL
	}
	if se.HTTPStatus != 0 {
		code := se.HTTPStatus
		row.HTTPStatus = &code
	}
	if se.Failure != "" {
		row.Failure = se.Failure
	}

	at := e.At
	switch e.Type {
	case events.SessionStarted:
		if row.StartTime == nil {
			row.StartTime = &at
		}
	case events.SessionFinished, events.SessionFailed:
		row.EndTime = &at
	}
	if statusRank(se.Status) >= statusRank(row.Status) {
		if row.Status != se.Status {
			if row.Status != "" {
				s.counts[row.Status]--
			}
			s.counts[se.Status]++
		}
		row.Status = se.Status
	}
	s.trim()
}

// Ordered returns rows newest first.
func (s *Sessions) Ordered() []*SessionRow {
	out := make([]*SessionRow, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Sessions) Count(status session.Status) int {
	return s.counts[string(status)]
}

func (s *Sessions) Len() int { return len(s.rows) }

func (s *Sessions) trim() {
	if len(s.rows) <= maxRows {
		return
	}
	for _, r := range s.Ordered()[maxRows:] {
		delete(s.rows, r.ID)
	}
}

func statusRank(status string) int {
	switch session.Status(status) {
	case session.StatusNotStarted:
		return 1
	case session.StatusStarted:
		return 2
	case session.StatusAsyncInProgress:
		return 3
	case session.StatusFinished, session.StatusAsyncFailed:
		return 4
	}
	return 0
}

func sessionColumns() []table.Column {
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Session", Width: 10},
		{Title: "Provider", Width: 14},
		{Title: "Status", Width: 18},
		{Title: "HTTP", Width: 5},
		{Title: "Age", Width: 16},
		{Title: "Took", Width: 9},
		{Title: "Failure", Width: 13},
	}
}

// sessionRows renders rows for the bubbles table at time now.
func sessionRows(rows []*SessionRow, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		httpStatus := "-"
		if r.HTTPStatus != nil {
			httpStatus = strconv.Itoa(*r.HTTPStatus)
		}
		age := "-"
		if !r.CreatedAt.IsZero() {
			age = humanize.RelTime(r.CreatedAt, now, "ago", "from now")
		}
		out = append(out, table.Row{
			statusIcon(r.Status),
			id,
			r.Provider,
			r.Status,
			httpStatus,
			age,
			took(r, now),
			r.Failure,
		})
	}
	return out
}

func took(r *SessionRow, now time.Time) string {
	if r.StartTime == nil {
		return "-"
	}
	end := now
	if r.EndTime != nil {
		end = *r.EndTime
	}
	d := end.Sub(*r.StartTime)
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(100 * time.Millisecond).String()
}

func statusIcon(status string) string {
	switch session.Status(status) {
	case session.StatusFinished:
		return "✓"
	case session.StatusAsyncFailed:
		return "✗"
	case session.StatusStarted, session.StatusAsyncInProgress:
		return "▶"
	}
	return "·"
}
