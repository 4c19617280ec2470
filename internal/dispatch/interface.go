package dispatch

import (
	"context"

	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/fhirgate/internal/dispatch Validator,SessionStore

// Validator checks bundles and owns session creation.
type Validator interface {
	Validate(ctx context.Context, req validation.Request) (*validation.Result, error)
	AdminValidate(ctx context.Context, req validation.Request) (*validation.Result, error)
	Diagnostics(ctx context.Context, sessionID string) (*validation.Report, error)
}

// SessionStore records lifecycle transitions.
type SessionStore interface {
	Transition(ctx context.Context, id string, to session.Status, opts session.TransitionOptions) error
	RecordResultData(ctx context.Context, id, key, message string) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType events.Type, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Type, any) {}
