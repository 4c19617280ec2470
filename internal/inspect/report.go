// Package inspect renders stored submission sessions for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/fhirgate/internal/validation"
)

// Source yields the diagnostics report for a session.
type Source interface {
	Diagnostics(ctx context.Context, sessionID string) (*validation.Report, error)
}

// BuildReport renders a terminal-friendly report for a session.
func BuildReport(ctx context.Context, src Source, sessionID string) (string, error) {
	report, err := gather(ctx, src, sessionID)
	if err != nil {
		return "", err
	}
	return Render(report, time.Now()), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, sessionID string) (string, error) {
	report, err := gather(ctx, src, sessionID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, src Source, sessionID string) (*validation.Report, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	report, err := src.Diagnostics(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return report, nil
}

// Render formats a report relative to now.
func Render(r *validation.Report, now time.Time) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Session Report\n")
	fmt.Fprintf(&out, "Session ID  : %s\n", r.SessionID)
	fmt.Fprintf(&out, "Provider    : %s\n", renderUnset(r.Provider, "<none>"))
	fmt.Fprintf(&out, "Engine      : %s\n", renderUnset(r.Engine, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Target      : %s\n", renderUnset(r.TargetURL, "<not resolved>"))
	fmt.Fprintf(&out, "Created     : %s (%s)\n", r.CreatedAt.Format(time.RFC3339), humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	if r.StartTime != nil {
		fmt.Fprintf(&out, "Started     : %s\n", r.StartTime.Format(time.RFC3339Nano))
	}
	if r.EndTime != nil {
		fmt.Fprintf(&out, "Ended       : %s\n", r.EndTime.Format(time.RFC3339Nano))
	}
	if r.StartTime != nil && r.EndTime != nil {
		fmt.Fprintf(&out, "Took        : %s\n", r.EndTime.Sub(*r.StartTime))
	}
	if r.HTTPStatus != nil {
		fmt.Fprintf(&out, "HTTP status : %d\n", *r.HTTPStatus)
	}
	fmt.Fprintf(&out, "Valid       : %s\n", renderValid(r.Valid))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Issues (%d)\n", len(r.Issues))
	if len(r.Issues) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, is := range sortedIssues(r.Issues) {
		fmt.Fprintf(&out, "  - %s\n", is.String())
	}

	if len(r.ResultData) > 0 {
		fmt.Fprintf(&out, "\nResult data\n")
		keys := make([]string, 0, len(r.ResultData))
		for k := range r.ResultData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&out, "  %s : %s\n", k, r.ResultData[k])
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

var severityOrder = map[validation.Severity]int{
	validation.SeverityFatal:       0,
	validation.SeverityError:       1,
	validation.SeverityWarning:     2,
	validation.SeverityInformation: 3,
}

func sortedIssues(issues []validation.Issue) []validation.Issue {
	out := append([]validation.Issue(nil), issues...)
	sort.SliceStable(out, func(i, j int) bool {
		return severityOrder[out[i].Severity] < severityOrder[out[j].Severity]
	})
	return out
}

func renderValid(v *bool) string {
	switch {
	case v == nil:
		return "<not validated>"
	case *v:
		return "yes"
	default:
		return "no"
	}
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
