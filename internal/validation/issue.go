package validation

import (
	"fmt"
	"time"
)

// Severity maps to OperationOutcome.issue.severity.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// IssueCode maps to OperationOutcome.issue.code.
type IssueCode string

const (
	CodeStructure  IssueCode = "structure"
	CodeRequired   IssueCode = "required"
	CodeValue      IssueCode = "value"
	CodeInvalid    IssueCode = "invalid"
	CodeInvariant  IssueCode = "invariant"
	CodeProcessing IssueCode = "processing"
)

// Issue is a single validation finding.
type Issue struct {
	Severity      Severity  `json:"severity"`
	Code          IssueCode `json:"code"`
	Diagnostics   string    `json:"diagnostics"`
	Expression    []string  `json:"expression,omitempty"`
	Engine        string    `json:"engine,omitempty"`
	ConstraintKey string    `json:"constraintKey,omitempty"`
}

// IsError reports whether the issue makes the bundle invalid.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

func (i Issue) String() string {
	if len(i.Expression) > 0 {
		return fmt.Sprintf("%s: %s at %s", i.Severity, i.Diagnostics, i.Expression[0])
	}
	return fmt.Sprintf("%s: %s", i.Severity, i.Diagnostics)
}

func newIssue(sev Severity, code IssueCode, path, format string, args ...any) Issue {
	is := Issue{Severity: sev, Code: code, Diagnostics: fmt.Sprintf(format, args...)}
	if path != "" {
		is.Expression = []string{path}
	}
	return is
}

// Result is the verdict for one payload.
type Result struct {
	SessionID   string    `json:"sessionId,omitempty"`
	Engine      string    `json:"engine"`
	Valid       bool      `json:"valid"`
	Issues      []Issue   `json:"issues"`
	ValidatedAt time.Time `json:"validatedAt"`
}

func newResult(sessionID, engine string, issues []Issue, at time.Time) *Result {
	if issues == nil {
		issues = []Issue{}
	}
	r := &Result{SessionID: sessionID, Engine: engine, Issues: issues, ValidatedAt: at, Valid: true}
	for _, is := range issues {
		if is.IsError() {
			r.Valid = false
			break
		}
	}
	return r
}

// ErrorCount returns the number of error and fatal issues.
func (r *Result) ErrorCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.IsError() {
			n++
		}
	}
	return n
}

// WarningCount returns the number of warnings.
func (r *Result) WarningCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			n++
		}
	}
	return n
}

// Request is a payload to validate.
type Request struct {
	Payload            []byte
	ProviderIdentifier string
	// SessionID is generated when empty.
	SessionID string
	// Engine falls back to the configured default when empty.
	Engine string
}

// Report is the diagnostics view of a session.
type Report struct {
	SessionID  string            `json:"sessionId"`
	Provider   string            `json:"providerIdentifier"`
	Engine     string            `json:"validationEngine"`
	Status     string            `json:"status"`
	TargetURL  string            `json:"targetUrl,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartTime  *time.Time        `json:"startTime,omitempty"`
	EndTime    *time.Time        `json:"endTime,omitempty"`
	HTTPStatus *int              `json:"httpStatus,omitempty"`
	Valid      *bool             `json:"valid,omitempty"`
	Issues     []Issue           `json:"issues"`
	ResultData map[string]string `json:"resultData"`
}
