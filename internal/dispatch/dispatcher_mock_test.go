package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fhirgate/internal/dispatch/mocks"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

func newMockDispatcher(t *testing.T, target string) (*Dispatcher, *mocks.MockValidator, *mocks.MockSessionStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	v := mocks.NewMockValidator(ctrl)
	st := mocks.NewMockSessionStore(ctrl)
	d, err := New(v, st, Options{DefaultTarget: target, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d, v, st
}

func TestDispatchValidatorErrorStopsSubmission(t *testing.T) {
	srv := newLake(t, statusHandler(http.StatusOK, ""))
	d, v, _ := newMockDispatcher(t, srv.URL)

	boom := errors.New("engine crashed")
	v.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(nil, boom)

	_, err := d.Dispatch(context.Background(), Request{Payload: []byte(testBundle), ProviderIdentifier: "QE1"})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, srv.hits.Load())
}

func TestDispatchPassesSessionIDToValidator(t *testing.T) {
	srv := newLake(t, statusHandler(http.StatusOK, ""))
	d, v, st := newMockDispatcher(t, srv.URL)

	var seen validation.Request
	v.EXPECT().Validate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req validation.Request) (*validation.Result, error) {
			seen = req
			return &validation.Result{SessionID: req.SessionID, Valid: true}, nil
		})

	gomock.InOrder(
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusStarted, gomock.Any()).Return(nil),
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncInProgress, gomock.Any()).Return(nil),
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusFinished, gomock.Any()).Return(nil),
	)

	ack, err := d.Dispatch(context.Background(), Request{
		Payload:            []byte(testBundle),
		ProviderIdentifier: "QE1",
		Engine:             "fhirpath",
	})
	require.NoError(t, err)
	waitOutcome(t, ack)

	assert.Equal(t, ack.SessionID, seen.SessionID)
	assert.Equal(t, "QE1", seen.ProviderIdentifier)
	assert.Equal(t, "fhirpath", seen.Engine)
}

func TestDispatchStartFailureSendsNothing(t *testing.T) {
	srv := newLake(t, statusHandler(http.StatusOK, ""))
	d, v, st := newMockDispatcher(t, srv.URL)

	v.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(&validation.Result{Valid: true}, nil)
	st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusStarted, gomock.Any()).
		Return(session.ErrSessionNotFound)

	_, err := d.Dispatch(context.Background(), Request{Payload: []byte(testBundle), ProviderIdentifier: "QE1"})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Zero(t, srv.hits.Load())
}

func TestDispatchInProgressFailureFailsSession(t *testing.T) {
	srv := newLake(t, statusHandler(http.StatusOK, ""))
	d, v, st := newMockDispatcher(t, srv.URL)
	storeErr := errors.New("disk I/O error")

	v.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(&validation.Result{Valid: true}, nil)
	gomock.InOrder(
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusStarted, gomock.Any()).Return(nil),
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncInProgress, gomock.Any()).Return(storeErr),
		st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncInProgress, gomock.Any()).Return(nil),
	)

	var key, message string
	st.EXPECT().RecordResultData(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id, k, msg string) error {
			key, message = k, msg
			assert.Equal(t, id, k)
			return nil
		})
	st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncFailed, gomock.Any()).Return(nil)

	_, err := d.Dispatch(context.Background(), Request{Payload: []byte(testBundle), ProviderIdentifier: "QE1"})
	require.ErrorIs(t, err, storeErr)
	assert.NotEmpty(t, key)
	assert.Equal(t, "store: mark in progress: disk I/O error", message)
	assert.Zero(t, srv.hits.Load())
}

func TestDispatchFailureRecordsDiagnosticUnderSessionID(t *testing.T) {
	srv := newLake(t, statusHandler(http.StatusUnauthorized, "bad token"))
	d, v, st := newMockDispatcher(t, srv.URL)

	v.EXPECT().Validate(gomock.Any(), gomock.Any()).Return(&validation.Result{Valid: true}, nil)
	st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusStarted, gomock.Any()).Return(nil)
	st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncInProgress, gomock.Any()).Return(nil)

	var key, message string
	st.EXPECT().RecordResultData(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id, k, msg string) error {
			key, message = k, msg
			assert.Equal(t, id, k)
			return nil
		})
	st.EXPECT().Transition(gomock.Any(), gomock.Any(), session.StatusAsyncFailed, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, _ session.Status, opts session.TransitionOptions) error {
			if assert.NotNil(t, opts.HTTPStatus) {
				assert.Equal(t, http.StatusUnauthorized, *opts.HTTPStatus)
			}
			return nil
		})

	ack, err := d.Dispatch(context.Background(), Request{Payload: []byte(testBundle), ProviderIdentifier: "QE1"})
	require.NoError(t, err)
	out := waitOutcome(t, ack)

	assert.Equal(t, FailureUnauthorized, out.Failure)
	assert.Equal(t, ack.SessionID, key)
	assert.Equal(t, "unauthorized: downstream returned 401: bad token", message)
}

func TestDiagnosticsDelegates(t *testing.T) {
	d, v, _ := newMockDispatcher(t, "https://lake.example.org")
	want := &validation.Report{SessionID: "s-1", Status: string(session.StatusFinished)}
	v.EXPECT().Diagnostics(gomock.Any(), "s-1").Return(want, nil)

	got, err := d.Diagnostics(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Same(t, want, got)
}
