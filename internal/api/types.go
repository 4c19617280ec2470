package api

import (
	"time"

	"github.com/mattjoyce/fhirgate/internal/validation"
)

// Inbound headers recognised on bundle endpoints.
const (
	HeaderProvider    = "X-TechBD-QE-Identifier"
	HeaderOverrideURL = "X-TechBD-Override-Url"
	HeaderEngine      = "X-TechBD-Validation-Engine"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// OutcomeIssue is one OperationOutcome.issue entry.
type OutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// OperationOutcome is the FHIR rendering of a validation result.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Issue        []OutcomeIssue `json:"issue"`
}

// ValidateResponse is returned by the $validate endpoints.
type ValidateResponse struct {
	SessionID        string           `json:"session_id,omitempty"`
	Engine           string           `json:"engine"`
	Valid            bool             `json:"valid"`
	ValidatedAt      time.Time        `json:"validated_at"`
	OperationOutcome OperationOutcome `json:"operation_outcome"`
}

// SubmitResponse is returned by POST /Bundle once the submission is in flight.
type SubmitResponse struct {
	SessionID      string `json:"session_id"`
	Message        string `json:"message"`
	Valid          bool   `json:"valid"`
	StatusURL      string `json:"status_url"`
	DiagnosticsURL string `json:"diagnostics_url"`
}

// RejectedResponse is returned when validation blocks a submission.
type RejectedResponse struct {
	Error            string           `json:"error"`
	SessionID        string           `json:"session_id"`
	OperationOutcome OperationOutcome `json:"operation_outcome"`
}

// StatusResponse is returned by GET /Bundle/$status/{sessionID}.
type StatusResponse struct {
	SessionID  string            `json:"session_id"`
	Provider   string            `json:"provider"`
	Engine     string            `json:"validation_engine"`
	Status     string            `json:"status"`
	TargetURL  string            `json:"target_url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	HTTPStatus *int              `json:"http_status,omitempty"`
	Valid      *bool             `json:"valid,omitempty"`
	IssueCount int               `json:"issue_count"`
	ResultData map[string]string `json:"result_data,omitempty"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []StatusResponse `json:"sessions"`
	Counts   map[string]int   `json:"counts"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	InFlight         int    `json:"in_flight"`
	EventSubscribers int    `json:"event_subscribers"`
}

func toOutcome(r *validation.Result) OperationOutcome {
	oo := OperationOutcome{ResourceType: "OperationOutcome", ID: r.SessionID, Issue: []OutcomeIssue{}}
	for _, is := range r.Issues {
		oo.Issue = append(oo.Issue, OutcomeIssue{
			Severity:    string(is.Severity),
			Code:        string(is.Code),
			Diagnostics: is.Diagnostics,
			Expression:  is.Expression,
		})
	}
	if len(oo.Issue) == 0 {
		oo.Issue = append(oo.Issue, OutcomeIssue{
			Severity:    string(validation.SeverityInformation),
			Code:        "informational",
			Diagnostics: "All OK",
		})
	}
	return oo
}

func toValidateResponse(r *validation.Result) ValidateResponse {
	return ValidateResponse{
		SessionID:        r.SessionID,
		Engine:           r.Engine,
		Valid:            r.Valid,
		ValidatedAt:      r.ValidatedAt,
		OperationOutcome: toOutcome(r),
	}
}
