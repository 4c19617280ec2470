package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/fhirgate/internal/capability"
	"github.com/mattjoyce/fhirgate/internal/dispatch"
	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// Submitter is the dispatcher surface the API drives.
type Submitter interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Ack, error)
	Validate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error)
	AdminValidate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error)
	Diagnostics(ctx context.Context, sessionID string) (*validation.Report, error)
}

// SessionReader exposes stored sessions.
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, f session.ListFilter) ([]*session.Session, error)
	CountByStatus(ctx context.Context) (map[session.Status]int, error)
}

// Config holds API server configuration
type Config struct {
	Listen       string
	CORSOrigins  []string
	MaxBodyBytes int64
	Version      string
	Capability   capability.Options
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	submitter Submitter
	sessions  SessionReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, submitter Submitter, sessions SessionReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 50 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		submitter: submitter,
		sessions:  sessions,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept", HeaderProvider, HeaderOverrideURL, HeaderEngine},
			ExposedHeaders: []string{"Location"},
		}).Handler)
	}

	for _, rt := range s.routes() {
		r.Method(rt.Method, rt.Path, rt.Handler)
	}
	return r
}

type route struct {
	Method  string
	Path    string
	Summary string
	Handler http.HandlerFunc
}

// routes is the single source for both the router and /openapi.json.
func (s *Server) routes() []route {
	return []route{
		{http.MethodGet, "/healthz", "Liveness and in-flight submission count", s.handleHealthz},
		{http.MethodGet, "/metadata", "FHIR CapabilityStatement (XML default, JSON via Accept or _format)", s.handleMetadata},
		{http.MethodPost, "/Bundle/$validate", "Validate a bundle and record the verdict in a new session", s.handleValidate},
		{http.MethodPost, "/Bundle", "Validate and asynchronously submit a bundle to the data lake", s.handleSubmit},
		{http.MethodGet, "/Bundle/$status/{sessionID}", "Submission session status", s.handleStatus},
		{http.MethodGet, "/Bundle/$diagnostics/{sessionID}", "Validation and submission diagnostics for a session", s.handleDiagnostics},
		{http.MethodPost, "/admin/Bundle/$validate", "Validate with every engine without creating a session", s.handleAdminValidate},
		{http.MethodGet, "/sessions", "Recent sessions and per-status counts", s.handleSessions},
		{http.MethodGet, "/events", "Server-sent session lifecycle events", s.handleEvents},
		{http.MethodGet, "/openapi.json", "This document", s.handleOpenAPI},
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
