package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/fhirgate/internal/capability"
	"github.com/mattjoyce/fhirgate/internal/dispatch"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sessions.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:           "ok",
		Version:          s.config.Version,
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		InFlight:         counts[session.StatusStarted] + counts[session.StatusAsyncInProgress],
		EventSubscribers: s.events.Subscribers(),
	})
}

// handleMetadata handles GET /metadata.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	contentType := capability.Negotiate(r.URL.Query().Get("_format"), r.Header.Get("Accept"))
	body, err := capability.Build(s.config.Capability).Render(contentType)
	if err != nil {
		s.logger.Error("failed to render capability statement", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to render capability statement")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleValidate handles POST /Bundle/$validate.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.Header.Get(HeaderProvider))
	if provider == "" {
		s.writeError(w, http.StatusBadRequest, HeaderProvider+" header is required")
		return
	}
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.submitter.Validate(r.Context(), payload, provider, r.Header.Get(HeaderEngine))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toValidateResponse(result))
}

// handleAdminValidate handles POST /admin/Bundle/$validate.
func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}
	result, err := s.submitter.AdminValidate(r.Context(), payload, r.Header.Get(HeaderProvider), r.Header.Get(HeaderEngine))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toValidateResponse(result))
}

// handleSubmit handles POST /Bundle.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(r.Header.Get(HeaderProvider))
	if provider == "" {
		s.writeError(w, http.StatusBadRequest, HeaderProvider+" header is required")
		return
	}
	payload, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ack, err := s.submitter.Dispatch(r.Context(), dispatch.Request{
		Payload:            payload,
		ProviderIdentifier: provider,
		TargetURL:          r.Header.Get(HeaderOverrideURL),
		Engine:             r.Header.Get(HeaderEngine),
	})
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusUnprocessableEntity, RejectedResponse{
				Error:            err.Error(),
				SessionID:        verr.SessionID,
				OperationOutcome: toOutcome(verr.Result),
			})
			return
		}
		s.writeDispatchError(w, err)
		return
	}

	statusURL := "/Bundle/$status/" + ack.SessionID
	w.Header().Set("Location", statusURL)
	respondJSON(w, http.StatusAccepted, SubmitResponse{
		SessionID:      ack.SessionID,
		Message:        ack.Message,
		Valid:          ack.Validation == nil || ack.Validation.Valid,
		StatusURL:      statusURL,
		DiagnosticsURL: "/Bundle/$diagnostics/" + ack.SessionID,
	})
}

// handleStatus handles GET /Bundle/$status/{sessionID}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toStatusResponse(sess))
}

// handleDiagnostics handles GET /Bundle/$diagnostics/{sessionID}.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := s.submitter.Diagnostics(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleSessions handles GET /sessions?status=&provider=&limit=.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.ListFilter{
		Status:   session.Status(strings.ToUpper(q.Get("status"))),
		Provider: q.Get("provider"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+q.Get("status"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	list, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	counts, err := s.sessions.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	resp := SessionsResponse{
		Sessions: make([]StatusResponse, 0, len(list)),
		Counts:   make(map[string]int, len(counts)),
	}
	for _, sess := range list {
		resp.Sessions = append(resp.Sessions, toStatusResponse(sess))
	}
	for st, n := range counts {
		resp.Counts[string(st)] = n
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.routes(), s.config.Version))
}

// readBody reads a size-capped request body. It writes the error response
// itself and reports false when the handler should stop.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		s.writeError(w, http.StatusBadRequest, dispatch.ErrEmptyPayload.Error())
		return nil, false
	}
	return body, true
}

// writeDispatchError maps domain errors onto HTTP statuses.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, dispatch.ErrEmptyPayload),
		errors.Is(err, dispatch.ErrMissingProvider),
		errors.Is(err, dispatch.ErrInvalidTarget),
		errors.Is(err, validation.ErrUnknownEngine):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrValidationFailed):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toStatusResponse(sess *session.Session) StatusResponse {
	resp := StatusResponse{
		SessionID:  sess.ID,
		Provider:   sess.Provider,
		Engine:     sess.ValidationEngine,
		Status:     string(sess.Status),
		CreatedAt:  sess.CreatedAt,
		StartTime:  sess.StartTime,
		EndTime:    sess.EndTime,
		HTTPStatus: sess.HTTPStatus,
		Valid:      sess.Valid,
		IssueCount: sess.IssueCount,
		ResultData: sess.ResultData,
	}
	if sess.TargetURL != nil {
		resp.TargetURL = *sess.TargetURL
	}
	return resp
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
