package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fhirgate/internal/log"
	"github.com/mattjoyce/fhirgate/internal/session"
)

// SessionStore is the slice of the session store the validator needs.
type SessionStore interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	RecordValidation(ctx context.Context, id string, outcome session.ValidationOutcome) error
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Service runs engines and records their verdicts against sessions.
type Service struct {
	store         SessionStore
	engines       map[string]Engine
	defaultEngine string
	logger        *slog.Logger
	now           func() time.Time
}

// NewService registers engines. defaultEngine must be one of them.
func NewService(store SessionStore, defaultEngine string, engines ...Engine) (*Service, error) {
	s := &Service{
		store:   store,
		engines: make(map[string]Engine, len(engines)),
		logger:  log.WithComponent("validation"),
		now:     time.Now,
	}
	for _, e := range engines {
		if _, dup := s.engines[e.Name()]; dup {
			return nil, fmt.Errorf("engine %q registered twice", e.Name())
		}
		s.engines[e.Name()] = e
	}
	if _, ok := s.engines[defaultEngine]; !ok {
		return nil, fmt.Errorf("default engine %q: %w", defaultEngine, ErrUnknownEngine)
	}
	s.defaultEngine = defaultEngine
	return s, nil
}

// Engines returns the registered engine names in sorted order.
func (s *Service) Engines() []string {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Service) engine(name string) (Engine, error) {
	if name == "" {
		name = s.defaultEngine
	}
	e, ok := s.engines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return e, nil
}

// Validate creates a session for the request, runs the selected engine and
// records the verdict.
func (s *Service) Validate(ctx context.Context, req Request) (*Result, error) {
	engine, err := s.engine(req.Engine)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if _, err := s.store.Create(ctx, session.CreateRequest{
		ID:               req.SessionID,
		Provider:         req.ProviderIdentifier,
		ValidationEngine: engine.Name(),
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	issues, err := engine.Validate(ctx, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", engine.Name(), err)
	}
	result := newResult(req.SessionID, engine.Name(), issues, s.now().UTC())

	encoded, err := json.Marshal(result.Issues)
	if err != nil {
		return nil, fmt.Errorf("encode issues: %w", err)
	}
	if err := s.store.RecordValidation(ctx, req.SessionID, session.ValidationOutcome{
		Valid:      result.Valid,
		IssueCount: len(result.Issues),
		Issues:     encoded,
	}); err != nil {
		return nil, fmt.Errorf("record validation: %w", err)
	}

	s.logger.Info("bundle validated",
		"session_id", req.SessionID,
		"provider", req.ProviderIdentifier,
		"engine", engine.Name(),
		"valid", result.Valid,
		"errors", result.ErrorCount(),
		"warnings", result.WarningCount(),
	)
	return result, nil
}

// AdminValidate runs every registered engine (or only req.Engine when set)
// without creating a session.
func (s *Service) AdminValidate(ctx context.Context, req Request) (*Result, error) {
	names := s.Engines()
	if req.Engine != "" {
		e, err := s.engine(req.Engine)
		if err != nil {
			return nil, err
		}
		names = []string{e.Name()}
	}

	var issues []Issue
	for _, name := range names {
		found, err := s.engines[name].Validate(ctx, req.Payload)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", name, err)
		}
		issues = append(issues, found...)
	}
	result := newResult("", strings.Join(names, ","), issues, s.now().UTC())
	s.logger.Debug("admin validation", "provider", req.ProviderIdentifier, "engines", result.Engine, "valid", result.Valid)
	return result, nil
}

// Diagnostics builds a report from the stored session.
func (s *Service) Diagnostics(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SessionID:  sess.ID,
		Provider:   sess.Provider,
		Engine:     sess.ValidationEngine,
		Status:     string(sess.Status),
		CreatedAt:  sess.CreatedAt,
		StartTime:  sess.StartTime,
		EndTime:    sess.EndTime,
		HTTPStatus: sess.HTTPStatus,
		Valid:      sess.Valid,
		Issues:     []Issue{},
		ResultData: sess.ResultData,
	}
	if sess.TargetURL != nil {
		report.TargetURL = *sess.TargetURL
	}
	if report.ResultData == nil {
		report.ResultData = map[string]string{}
	}
	if len(sess.Issues) > 0 {
		if err := json.Unmarshal(sess.Issues, &report.Issues); err != nil {
			return nil, fmt.Errorf("decode stored issues: %w", err)
		}
	}
	return report, nil
}
