package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fhirgate/internal/capability"
	"github.com/mattjoyce/fhirgate/internal/dispatch"
	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// mockSubmitter implements Submitter for testing
type mockSubmitter struct {
	dispatchFunc    func(ctx context.Context, req dispatch.Request) (*dispatch.Ack, error)
	validateFunc    func(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error)
	adminFunc       func(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error)
	diagnosticsFunc func(ctx context.Context, id string) (*validation.Report, error)
}

func (m *mockSubmitter) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Ack, error) {
	return m.dispatchFunc(ctx, req)
}

func (m *mockSubmitter) Validate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error) {
	return m.validateFunc(ctx, payload, provider, engine)
}

func (m *mockSubmitter) AdminValidate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error) {
	return m.adminFunc(ctx, payload, provider, engine)
}

func (m *mockSubmitter) Diagnostics(ctx context.Context, id string) (*validation.Report, error) {
	return m.diagnosticsFunc(ctx, id)
}

// mockSessions implements SessionReader for testing
type mockSessions struct {
	sessions map[string]*session.Session
}

func (m *mockSessions) Get(_ context.Context, id string) (*session.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (m *mockSessions) List(_ context.Context, f session.ListFilter) ([]*session.Session, error) {
	var out []*session.Session
	for _, s := range m.sessions {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *mockSessions) CountByStatus(context.Context) (map[session.Status]int, error) {
	counts := map[session.Status]int{}
	for _, s := range m.sessions {
		counts[s.Status]++
	}
	return counts, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(sub Submitter, sessions SessionReader) *Server {
	if sessions == nil {
		sessions = &mockSessions{sessions: map[string]*session.Session{}}
	}
	return New(Config{
		Listen:       "127.0.0.1:0",
		MaxBodyBytes: 1024,
		Version:      "9.9.9",
		Capability: capability.Options{
			Version:                    "9.9.9",
			FHIRServerURL:              "https://fhir.example.org",
			OperationDefinitionBaseURL: "https://defs.example.org",
		},
	}, sub, sessions, events.NewHub(16), testLogger())
}

func do(t *testing.T, s *Server, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	sessions := &mockSessions{sessions: map[string]*session.Session{
		"a": {ID: "a", Status: session.StatusAsyncInProgress},
		"b": {ID: "b", Status: session.StatusFinished},
	}}
	rec := do(t, newTestServer(&mockSubmitter{}, sessions), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "9.9.9", resp.Version)
	assert.Equal(t, 1, resp.InFlight)
}

func TestHandleMetadataNegotiation(t *testing.T) {
	s := newTestServer(&mockSubmitter{}, nil)

	rec := do(t, s, http.MethodGet, "/metadata", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, capability.ContentTypeXML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<version value="9.9.9"></version>`)

	rec = do(t, s, http.MethodGet, "/metadata", "", map[string]string{"Accept": "application/fhir+json"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, capability.ContentTypeJSON, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"resourceType": "CapabilityStatement"`)

	rec = do(t, s, http.MethodGet, "/metadata?_format=json", "", nil)
	assert.Equal(t, capability.ContentTypeJSON, rec.Header().Get("Content-Type"))
}

func TestHandleSubmitAccepted(t *testing.T) {
	var got dispatch.Request
	sub := &mockSubmitter{dispatchFunc: func(_ context.Context, req dispatch.Request) (*dispatch.Ack, error) {
		got = req
		return &dispatch.Ack{SessionID: "s-1", Message: dispatch.AckMessage, Validation: &validation.Result{Valid: true}}, nil
	}}

	rec := do(t, newTestServer(sub, nil), http.MethodPost, "/Bundle", `{"resourceType":"Bundle"}`, map[string]string{
		HeaderProvider:    "QE1",
		HeaderOverrideURL: "https://alt.example.org/in",
		HeaderEngine:      "fhirpath",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/Bundle/$status/s-1", rec.Header().Get("Location"))

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s-1", resp.SessionID)
	assert.Equal(t, "API invoked", resp.Message)
	assert.True(t, resp.Valid)

	assert.Equal(t, "QE1", got.ProviderIdentifier)
	assert.Equal(t, "https://alt.example.org/in", got.TargetURL)
	assert.Equal(t, "fhirpath", got.Engine)
	assert.Equal(t, `{"resourceType":"Bundle"}`, string(got.Payload))
}

func TestHandleSubmitErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"invalid target", fmt.Errorf("override: %w", dispatch.ErrInvalidTarget), http.StatusBadRequest},
		{"unknown engine", fmt.Errorf("validate: %w", validation.ErrUnknownEngine), http.StatusBadRequest},
		{"shutting down", dispatch.ErrShuttingDown, http.StatusServiceUnavailable},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError},
		{"rejected", &dispatch.ValidationError{SessionID: "s-2", Result: &validation.Result{
			SessionID: "s-2",
			Issues:    []validation.Issue{{Severity: validation.SeverityError, Code: validation.CodeRequired, Diagnostics: "Bundle.type is required"}},
		}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{dispatchFunc: func(context.Context, dispatch.Request) (*dispatch.Ack, error) {
				return nil, tt.err
			}}
			rec := do(t, newTestServer(sub, nil), http.MethodPost, "/Bundle", "{}", map[string]string{HeaderProvider: "QE1"})
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk on fire")
			}
		})
	}
}

func TestHandleSubmitRejectedCarriesOutcome(t *testing.T) {
	sub := &mockSubmitter{dispatchFunc: func(context.Context, dispatch.Request) (*dispatch.Ack, error) {
		return nil, &dispatch.ValidationError{SessionID: "s-3", Result: &validation.Result{
			SessionID: "s-3",
			Issues:    []validation.Issue{{Severity: validation.SeverityError, Code: validation.CodeRequired, Diagnostics: "Bundle.type is required"}},
		}}
	}}
	rec := do(t, newTestServer(sub, nil), http.MethodPost, "/Bundle", "{}", map[string]string{HeaderProvider: "QE1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp RejectedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s-3", resp.SessionID)
	require.Len(t, resp.OperationOutcome.Issue, 1)
	assert.Equal(t, "required", resp.OperationOutcome.Issue[0].Code)
}

func TestHandleSubmitRequiresProviderAndBody(t *testing.T) {
	sub := &mockSubmitter{dispatchFunc: func(context.Context, dispatch.Request) (*dispatch.Ack, error) {
		t.Fatal("dispatch must not be called")
		return nil, nil
	}}
	s := newTestServer(sub, nil)

	rec := do(t, s, http.MethodPost, "/Bundle", "{}", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), HeaderProvider)

	rec = do(t, s, http.MethodPost, "/Bundle", "", map[string]string{HeaderProvider: "QE1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/Bundle", strings.Repeat("x", 2048), map[string]string{HeaderProvider: "QE1"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleValidate(t *testing.T) {
	sub := &mockSubmitter{validateFunc: func(_ context.Context, payload []byte, provider, engine string) (*validation.Result, error) {
		assert.Equal(t, "QE1", provider)
		assert.Equal(t, "", engine)
		return &validation.Result{SessionID: "s-4", Engine: "structural", Valid: true, Issues: []validation.Issue{}}, nil
	}}
	rec := do(t, newTestServer(sub, nil), http.MethodPost, "/Bundle/$validate", `{"resourceType":"Bundle"}`, map[string]string{HeaderProvider: "QE1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s-4", resp.SessionID)
	assert.True(t, resp.Valid)
	assert.Equal(t, "OperationOutcome", resp.OperationOutcome.ResourceType)
	require.Len(t, resp.OperationOutcome.Issue, 1)
	assert.Equal(t, "information", resp.OperationOutcome.Issue[0].Severity)
}

func TestHandleAdminValidate(t *testing.T) {
	var gotProvider, gotEngine string
	sub := &mockSubmitter{adminFunc: func(_ context.Context, _ []byte, provider, engine string) (*validation.Result, error) {
		gotProvider, gotEngine = provider, engine
		return &validation.Result{Engine: "fhirpath,structural", Valid: false, Issues: []validation.Issue{
			{Severity: validation.SeverityError, Code: validation.CodeInvariant, Diagnostics: "Constraint failed: bdl-1"},
		}}, nil
	}}
	rec := do(t, newTestServer(sub, nil), http.MethodPost, "/admin/Bundle/$validate", `{}`, map[string]string{
		HeaderProvider: "QE7",
		HeaderEngine:   "fhirpath",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "QE7", gotProvider)
	assert.Equal(t, "fhirpath", gotEngine)

	var resp ValidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Valid)
	assert.Empty(t, resp.SessionID)
	assert.Equal(t, "invariant", resp.OperationOutcome.Issue[0].Code)
}

func TestHandleStatus(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	target := "https://lake.example.org/dev"
	sessions := &mockSessions{sessions: map[string]*session.Session{
		"s-5": {ID: "s-5", Provider: "QE1", Status: session.StatusAsyncFailed, StartTime: &start, TargetURL: &target,
			ResultData: map[string]string{"s-5": "forbidden: downstream returned 403"}},
	}}
	s := newTestServer(&mockSubmitter{}, sessions)

	rec := do(t, s, http.MethodGet, "/Bundle/$status/s-5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ASYNC_FAILED", resp.Status)
	assert.Equal(t, target, resp.TargetURL)
	assert.Equal(t, "forbidden: downstream returned 403", resp.ResultData["s-5"])

	rec = do(t, s, http.MethodGet, "/Bundle/$status/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDiagnostics(t *testing.T) {
	sub := &mockSubmitter{diagnosticsFunc: func(_ context.Context, id string) (*validation.Report, error) {
		if id != "s-6" {
			return nil, session.ErrSessionNotFound
		}
		return &validation.Report{SessionID: id, Status: "FINISHED", Issues: []validation.Issue{}, ResultData: map[string]string{}}, nil
	}}
	s := newTestServer(sub, nil)

	rec := do(t, s, http.MethodGet, "/Bundle/$diagnostics/s-6", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report validation.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "FINISHED", report.Status)

	rec = do(t, s, http.MethodGet, "/Bundle/$diagnostics/other", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessions(t *testing.T) {
	sessions := &mockSessions{sessions: map[string]*session.Session{
		"a": {ID: "a", Status: session.StatusFinished},
		"b": {ID: "b", Status: session.StatusAsyncFailed},
	}}
	s := newTestServer(&mockSubmitter{}, sessions)

	rec := do(t, s, http.MethodGet, "/sessions?status=finished", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "a", resp.Sessions[0].SessionID)
	assert.Equal(t, 1, resp.Counts["ASYNC_FAILED"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/sessions?status=bogus", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/sessions?limit=0", "", nil).Code)
}

func TestHandleOpenAPI(t *testing.T) {
	rec := do(t, newTestServer(&mockSubmitter{}, nil), http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/Bundle")
	assert.Contains(t, paths, "/Bundle/$status/{sessionID}")
	submit := paths["/Bundle"].(map[string]any)["post"].(map[string]any)
	assert.Contains(t, submit["responses"], "202")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&mockSubmitter{}, nil)
	s.config.CORSOrigins = []string{"https://console.example.org"}

	req := httptest.NewRequest(http.MethodOptions, "/Bundle", nil)
	req.Header.Set("Origin", "https://console.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", strings.ToLower(HeaderProvider))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestWriteSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, writeSSE(rec, events.Event{ID: 7, Type: events.SessionFinished, Data: json.RawMessage(`{"session_id":"s"}`)}))
	assert.Equal(t, "id: 7\nevent: session.finished\ndata: {\"session_id\":\"s\"}\n\n", rec.Body.String())
}
