package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mattjoyce/fhirgate/internal/validation"
)

var (
	// ErrEmptyPayload rejects a dispatch with no body.
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrMissingProvider rejects a dispatch without a provider identifier.
	ErrMissingProvider = errors.New("provider identifier is required")
	// ErrInvalidTarget is returned for an unparseable or non-absolute target URL.
	ErrInvalidTarget = errors.New("invalid target url")
	// ErrValidationFailed is returned under the reject policy.
	ErrValidationFailed = errors.New("bundle failed validation")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// ValidationError carries the verdict that blocked a submission.
type ValidationError struct {
	SessionID string
	Result    *validation.Result
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("session %s: %v (%d errors)", e.SessionID, ErrValidationFailed, e.Result.ErrorCount())
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// FailureKind classifies why a submission ended in ASYNC_FAILED.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureUnauthorized FailureKind = "unauthorized"
	FailureForbidden    FailureKind = "forbidden"
	FailureHTTPStatus   FailureKind = "http_status"
	FailureTimeout      FailureKind = "timeout"
	FailureCanceled     FailureKind = "canceled"
	FailureTransport    FailureKind = "transport"
	FailureStore        FailureKind = "store"
)

func classifyStatus(code int) FailureKind {
	switch code {
	case http.StatusUnauthorized:
		return FailureUnauthorized
	case http.StatusForbidden:
		return FailureForbidden
	default:
		return FailureHTTPStatus
	}
}
