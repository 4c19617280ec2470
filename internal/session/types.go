package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the data-lake submission status of a session.
type Status string

const (
	StatusNotStarted      Status = "NOT_STARTED"
	StatusStarted         Status = "STARTED"
	StatusAsyncInProgress Status = "ASYNC_IN_PROGRESS"
	StatusFinished        Status = "FINISHED"
	StatusAsyncFailed     Status = "ASYNC_FAILED"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// predecessor is the only status a given status may be entered from.
var predecessor = map[Status]Status{
	StatusStarted:         StatusNotStarted,
	StatusAsyncInProgress: StatusStarted,
	StatusFinished:        StatusAsyncInProgress,
	StatusAsyncFailed:     StatusAsyncInProgress,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusStarted, StatusAsyncInProgress, StatusFinished, StatusAsyncFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAsyncFailed
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to Status) bool {
	prev, ok := predecessor[to]
	return ok && prev == from
}

// TransitionError describes a rejected transition.
type TransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot move from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Session is a tracked unit of work spanning validation through downstream
// submission.
type Session struct {
	ID               string
	Provider         string
	ValidationEngine string
	TargetURL        *string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartTime        *time.Time
	EndTime          *time.Time
	HTTPStatus       *int
	Valid            *bool
	IssueCount       int
	Issues           json.RawMessage
	// ResultData holds diagnostic messages recorded against the session.
	// Submission failures are keyed by the session id itself, one message
	// per failure.
	ResultData map[string]string
}

// CreateRequest describes a new session. ID is generated when empty.
type CreateRequest struct {
	ID               string
	Provider         string
	ValidationEngine string
}

// TransitionOptions carries optional fields written alongside a transition.
type TransitionOptions struct {
	// At defaults to time.Now().
	At         time.Time
	TargetURL  *string
	HTTPStatus *int
}

// ValidationOutcome is the validator's verdict recorded against a session.
type ValidationOutcome struct {
	Valid      bool
	IssueCount int
	Issues     json.RawMessage
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   Status
	Provider string
	Limit    int
}
