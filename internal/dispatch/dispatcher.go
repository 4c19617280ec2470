package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/fhirgate/internal/config"
	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/log"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// AckMessage is returned to callers once the submission is in flight.
const AckMessage = "API invoked"

// storeWriteTimeout bounds completion writes, which run after the caller's
// context may be gone.
const storeWriteTimeout = 5 * time.Second

// Options configure a Dispatcher.
type Options struct {
	// DefaultTarget is used when a request carries no override URL.
	DefaultTarget string
	Timeout       time.Duration
	OnInvalid     config.InvalidPolicy
	// RateLimit is submissions per second; zero disables limiting.
	RateLimit   float64
	Burst       int
	ContentType string
	Events      Publisher
	NewClient   ClientFactory
}

// OptionsFromConfig maps configuration onto dispatcher options.
func OptionsFromConfig(cfg *config.Config, hub Publisher) Options {
	return Options{
		DefaultTarget: cfg.DataLake.APIURI,
		Timeout:       cfg.Submission.Timeout,
		OnInvalid:     cfg.Submission.OnInvalid,
		RateLimit:     cfg.Submission.RateLimitPerSecond,
		Burst:         cfg.Submission.Burst,
		ContentType:   cfg.Submission.ContentType,
		Events:        hub,
	}
}

// Request is one submission.
type Request struct {
	Payload            []byte
	ProviderIdentifier string
	// TargetURL overrides the configured default when set.
	TargetURL string
	Engine    string
}

// Outcome is the final state of a submission.
type Outcome struct {
	SessionID  string
	Status     session.Status
	HTTPStatus int
	Failure    FailureKind
	Message    string
	StartTime  time.Time
	EndTime    time.Time
}

// Ack is returned as soon as the submission is in flight. Done receives
// exactly one Outcome and is then closed.
type Ack struct {
	SessionID  string
	Message    string
	Validation *validation.Result
	Done       <-chan Outcome
}

// Dispatcher submits bundles asynchronously.
type Dispatcher struct {
	validator Validator
	store     SessionStore
	events    Publisher
	opts      Options
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	// lifetime is cancelled by Shutdown; every outbound request derives from it.
	lifetime context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Dispatcher. The default target must parse.
func New(validator Validator, store SessionStore, opts Options) (*Dispatcher, error) {
	if _, err := ParseTarget(opts.DefaultTarget); err != nil {
		return nil, fmt.Errorf("default target: %w", err)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if opts.OnInvalid == "" {
		opts.OnInvalid = config.InvalidSubmit
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	if opts.NewClient == nil {
		opts.NewClient = NewHTTPClient
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		validator: validator,
		store:     store,
		events:    opts.Events,
		opts:      opts,
		logger:    log.WithComponent("dispatch"),
		now:       time.Now,
		lifetime:  lifetime,
		cancel:    cancel,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return d, nil
}

// Dispatch validates req, starts the outbound POST and returns without
// waiting for it. Errors returned here mean nothing was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Ack, error) {
	if !d.enter() {
		return nil, ErrShuttingDown
	}
	handedOff := false
	defer func() {
		if !handedOff {
			d.inflight.Done()
		}
	}()

	if len(bytes.TrimSpace(req.Payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	if req.ProviderIdentifier == "" {
		return nil, ErrMissingProvider
	}

	target, err := ResolveTarget(req.TargetURL, d.opts.DefaultTarget)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	logger := log.WithSession(sessionID).With("component", "dispatch", "provider", req.ProviderIdentifier)

	result, err := d.validator.Validate(ctx, validation.Request{
		Payload:            req.Payload,
		ProviderIdentifier: req.ProviderIdentifier,
		SessionID:          sessionID,
		Engine:             req.Engine,
	})
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if !result.Valid {
		if d.opts.OnInvalid == config.InvalidReject {
			logger.Warn("submission rejected by validation", "errors", result.ErrorCount())
			d.events.Publish(events.SessionRejected, events.SessionEvent{
				SessionID: sessionID,
				Provider:  req.ProviderIdentifier,
				Status:    string(session.StatusNotStarted),
				Message:   ErrValidationFailed.Error(),
			})
			return nil, &ValidationError{SessionID: sessionID, Result: result}
		}
		logger.Warn("submitting bundle with validation errors", "errors", result.ErrorCount())
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	// The request context hangs off the lifetime context, not the caller's:
	// the caller gets its Ack long before the POST completes.
	reqCtx, cancelReq := context.WithTimeout(d.lifetime, d.opts.Timeout)
	httpReq, err := newSubmitRequest(reqCtx, target, req.ProviderIdentifier, d.opts.ContentType, req.Payload)
	if err != nil {
		cancelReq()
		return nil, err
	}

	targetURL := target.String()
	started := d.now()
	if err := d.store.Transition(ctx, sessionID, session.StatusStarted, session.TransitionOptions{
		At:        started,
		TargetURL: &targetURL,
	}); err != nil {
		cancelReq()
		return nil, fmt.Errorf("mark started: %w", err)
	}
	d.publish(events.SessionStarted, sessionID, req.ProviderIdentifier, session.StatusStarted, targetURL)

	// Once STARTED is committed the session must reach a terminal state, so
	// the caller going away no longer cancels store writes.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancelWrite()

	// ASYNC_IN_PROGRESS is written before the request goroutine exists so a
	// fast completion can never race it.
	if err := d.store.Transition(writeCtx, sessionID, session.StatusAsyncInProgress, session.TransitionOptions{}); err != nil {
		cancelReq()
		err = fmt.Errorf("mark in progress: %w", err)
		d.abandon(writeCtx, sessionID, req.ProviderIdentifier, targetURL, err, logger)
		return nil, err
	}
	d.publish(events.SessionInProgress, sessionID, req.ProviderIdentifier, session.StatusAsyncInProgress, targetURL)

	done := make(chan Outcome, 1)
	handedOff = true
	go func() {
		defer d.inflight.Done()
		defer cancelReq()
		defer close(done)
		done <- d.complete(reqCtx, httpReq, sessionID, req.ProviderIdentifier, targetURL, started, logger)
	}()

	logger.Info("submission dispatched", "target", targetURL, "valid", result.Valid)
	return &Ack{
		SessionID:  sessionID,
		Message:    AckMessage,
		Validation: result,
		Done:       done,
	}, nil
}

// complete performs the POST and records its result.
func (d *Dispatcher) complete(reqCtx context.Context, httpReq *http.Request, sessionID, provider, targetURL string, started time.Time, logger *slog.Logger) Outcome {
	out := Outcome{SessionID: sessionID, StartTime: started}

	resp, err := d.opts.NewClient(d.opts.Timeout).Do(httpReq)
	if err != nil {
		out.Failure = d.classifyError(reqCtx, err)
		out.Message = fmt.Sprintf("%s: %v", out.Failure, err)
	} else {
		out.HTTPStatus = resp.StatusCode
		excerpt := readExcerpt(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			out.Failure = classifyStatus(resp.StatusCode)
			out.Message = fmt.Sprintf("%s: downstream returned %d", out.Failure, resp.StatusCode)
			if excerpt != "" {
				out.Message += ": " + excerpt
			}
		}
	}

	out.EndTime = d.now()
	if !out.EndTime.After(started) {
		// Coarse clocks can report the same instant twice.
		out.EndTime = started.Add(time.Microsecond)
	}

	out.Status = session.StatusFinished
	eventType := events.SessionFinished
	if out.Failure != FailureNone {
		out.Status = session.StatusAsyncFailed
		eventType = events.SessionFailed
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), storeWriteTimeout)
	defer cancel()

	opts := session.TransitionOptions{At: out.EndTime}
	if out.HTTPStatus != 0 {
		code := out.HTTPStatus
		opts.HTTPStatus = &code
	}
	if out.Failure != FailureNone {
		// Result data is keyed by the session id: one diagnostic per failed submission.
		if err := d.store.RecordResultData(writeCtx, sessionID, sessionID, out.Message); err != nil {
			logger.Error("failed to record diagnostic", "error", err)
		}
	}
	if err := d.store.Transition(writeCtx, sessionID, out.Status, opts); err != nil {
		logger.Error("failed to record completion", "status", out.Status, "error", err)
	}

	d.events.Publish(eventType, events.SessionEvent{
		SessionID:  sessionID,
		Provider:   provider,
		Status:     string(out.Status),
		TargetURL:  targetURL,
		HTTPStatus: out.HTTPStatus,
		Failure:    string(out.Failure),
		Message:    out.Message,
	})

	if out.Failure != FailureNone {
		logger.Warn("submission failed", "failure", out.Failure, "http_status", out.HTTPStatus, "duration", out.EndTime.Sub(started))
	} else {
		logger.Info("submission finished", "http_status", out.HTTPStatus, "duration", out.EndTime.Sub(started))
	}
	return out
}

// abandon fails a session that was marked STARTED but never handed to the
// request goroutine. It steps through ASYNC_IN_PROGRESS because the store
// only accepts forward transitions.
func (d *Dispatcher) abandon(ctx context.Context, sessionID, provider, targetURL string, cause error, logger *slog.Logger) {
	message := fmt.Sprintf("%s: %v", FailureStore, cause)

	if err := d.store.Transition(ctx, sessionID, session.StatusAsyncInProgress, session.TransitionOptions{}); err != nil &&
		!errors.Is(err, session.ErrInvalidTransition) {
		logger.Error("failed to abandon session", "error", err)
		return
	}
	if err := d.store.RecordResultData(ctx, sessionID, sessionID, message); err != nil {
		logger.Error("failed to record diagnostic", "error", err)
	}
	at := d.now()
	if err := d.store.Transition(ctx, sessionID, session.StatusAsyncFailed, session.TransitionOptions{At: at}); err != nil {
		logger.Error("failed to abandon session", "error", err)
		return
	}

	d.events.Publish(events.SessionFailed, events.SessionEvent{
		SessionID: sessionID,
		Provider:  provider,
		Status:    string(session.StatusAsyncFailed),
		TargetURL: targetURL,
		Failure:   string(FailureStore),
		Message:   message,
	})
	logger.Warn("submission abandoned before send", "error", cause)
}

// enter registers a dispatch unless Shutdown has begun.
func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) classifyError(reqCtx context.Context, err error) FailureKind {
	var netErr net.Error
	switch {
	case d.lifetime.Err() != nil:
		return FailureCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	default:
		return FailureTransport
	}
}

func (d *Dispatcher) publish(t events.Type, id, provider string, status session.Status, target string) {
	d.events.Publish(t, events.SessionEvent{
		SessionID: id,
		Provider:  provider,
		Status:    string(status),
		TargetURL: target,
	})
}

// Validate runs synchronous validation under a fresh session id without
// submitting anything.
func (d *Dispatcher) Validate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	return d.validator.Validate(ctx, validation.Request{
		Payload:            payload,
		ProviderIdentifier: provider,
		SessionID:          uuid.NewString(),
		Engine:             engine,
	})
}

// AdminValidate validates without creating a session.
func (d *Dispatcher) AdminValidate(ctx context.Context, payload []byte, provider, engine string) (*validation.Result, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	d.logger.Info("admin validation requested", "provider", provider, "engine", engine)
	return d.validator.AdminValidate(ctx, validation.Request{
		Payload:            payload,
		ProviderIdentifier: provider,
		Engine:             engine,
	})
}

// Diagnostics returns the validator's report for a session.
func (d *Dispatcher) Diagnostics(ctx context.Context, sessionID string) (*validation.Report, error) {
	return d.validator.Diagnostics(ctx, sessionID)
}

// Shutdown stops accepting submissions and waits for in-flight ones. When
// ctx expires first, the remaining requests are cancelled and recorded as
// ASYNC_FAILED before Shutdown returns ctx's error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown grace expired, cancelling in-flight submissions")
		d.cancel()
		<-drained
		return ctx.Err()
	}
}
