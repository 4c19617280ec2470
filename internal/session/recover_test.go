package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRecoverOrphaned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mk := func(id string, steps ...Status) {
		t.Helper()
		_, err := s.Create(ctx, CreateRequest{ID: id, Provider: "QE1"})
		require.NoError(t, err)
		for _, st := range steps {
			require.NoError(t, s.Transition(ctx, id, st, TransitionOptions{}))
		}
	}
	mk("idle")
	mk("started", StatusStarted)
	mk("inflight", StatusStarted, StatusAsyncInProgress)
	mk("done", StatusStarted, StatusAsyncInProgress, StatusFinished)

	ids, err := s.RecoverOrphaned(ctx, "canceled: gateway restarted")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"started", "inflight"}, ids)

	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusAsyncFailed, sess.Status)
		assert.NotNil(t, sess.EndTime)
		assert.Equal(t, "canceled: gateway restarted", sess.ResultData[id])
	}

	idle, err := s.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, idle.Status)
	done, err := s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, done.Status)

	again, err := s.RecoverOrphaned(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, again)
}
