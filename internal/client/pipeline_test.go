package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/testutil"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Submit(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")

		_, err := env.chat.Submit(context.Background(), "g1", "   ")
		assert.ErrorIs(t, err, ErrValidation)

		_, err = env.chat.Submit(context.Background(), "unknown", "hello")
		assert.ErrorIs(t, err, ErrValidation)

		_, err = env.chat.pipeline.SubmitWithToken(context.Background(), "g1", "hello", "")
		assert.ErrorIs(t, err, ErrValidation)

		assert.Empty(t, env.server.requestsFor(protocol.EventSendMessage))
		v, _ := env.chat.Store().Group("g1")
		assert.Empty(t, v.Pending)
	})

	t.Run("disconnected", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.chat.Disconnect()

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		assert.ErrorIs(t, err, ErrDisconnected)

		v, _ := env.chat.Store().Group("g1")
		assert.Empty(t, v.Pending)
	})

	t.Run("pending until confirmed", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")

		var inflight GroupView
		env.chat.pipeline.beforeSubmit = func(groupId string) {
			inflight, _ = env.chat.Store().Group(groupId)
		}

		msg, err := env.chat.Submit(context.Background(), "g1", "  hello  ")
		require.NoError(t, err)
		assert.Equal(t, 1, msg.SeqId)
		assert.Equal(t, selfId, msg.UserId)
		assert.Equal(t, "hello", msg.Content)
		assert.NotEmpty(t, msg.Token)

		require.Len(t, inflight.Pending, 1)
		assert.Equal(t, PendingSending, inflight.Pending[0].State)
		assert.Equal(t, msg.Token, inflight.Pending[0].Token)
		assert.Empty(t, inflight.Messages)

		// the fan-out copy of the same message is not inserted twice
		time.Sleep(30 * time.Millisecond)
		v, _ := env.chat.Store().Group("g1")
		assert.Empty(t, v.Pending)
		assert.Equal(t, []int{1}, messageSeqs(v))
	})

	t.Run("resend after unknown outcome", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.server.dropAck(protocol.EventSendMessage)

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		require.ErrorIs(t, err, ErrUnknownOutcome)

		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.Equal(t, "g1", submitErr.GroupId)

		pending, ok := env.chat.Store().Pending("g1", submitErr.Token)
		require.True(t, ok)
		assert.Equal(t, PendingFailed, pending.State)
		assert.Equal(t, 1, env.server.count("g1"))

		msg, err := env.chat.Resend(context.Background(), "g1", submitErr.Token)
		require.NoError(t, err)
		assert.Equal(t, submitErr.Token, msg.Token)
		assert.Equal(t, 1, msg.SeqId)

		assert.Equal(t, 1, env.server.count("g1"))
		v, _ := env.chat.Store().Group("g1")
		assert.Empty(t, v.Pending)
		assert.Equal(t, []int{1}, messageSeqs(v))

		_, err = env.chat.Resend(context.Background(), "g1", submitErr.Token)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("rejected", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.server.setDeny("g1", http.StatusForbidden)

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		assert.ErrorIs(t, err, ErrUnauthorized)

		v, ok := env.chat.Store().Group("g1")
		require.True(t, ok)
		assert.Empty(t, v.Pending)
	})

	t.Run("group gone", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.server.setDeny("g1", http.StatusNotFound)

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, env.chat.Store().HasGroup("g1"))
	})

	t.Run("not joined keeps the message", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.server.dropSubscription("g1")

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		require.ErrorIs(t, err, ErrNotJoined)
		assert.NotErrorIs(t, err, ErrNotFound)

		var submitErr *SubmitError
		require.True(t, errors.As(err, &submitErr))
		require.True(t, env.chat.Store().HasGroup("g1"))

		pending, ok := env.chat.Store().Pending("g1", submitErr.Token)
		require.True(t, ok)
		assert.Equal(t, PendingFailed, pending.State)
		assert.Equal(t, "hello", pending.Content)

		// the subscription is restored in the background
		assert.Eventually(t, func() bool {
			return len(env.server.requestsFor(protocol.EventJoinGroup)) == 2 && env.chat.coordinator.Joined("g1")
		}, time.Second, 5*time.Millisecond)

		msg, err := env.chat.Resend(context.Background(), "g1", submitErr.Token)
		require.NoError(t, err)
		assert.Equal(t, 1, msg.SeqId)

		v, _ := env.chat.Store().Group("g1")
		assert.Empty(t, v.Pending)
		assert.Equal(t, []int{1}, messageSeqs(v))
	})

	t.Run("lost subscription is restored before sending", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")
		env.chat.coordinator.Invalidate("g1")

		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		require.NoError(t, err)
		assert.Equal(t, []string{
			protocol.EventJoinGroup,
			protocol.EventJoinGroup,
			protocol.EventSendMessage,
		}, env.server.events())
	})

	t.Run("typing stops before the message goes out", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.join(t, "g1")

		env.chat.NotifyTyping("g1", true)
		_, err := env.chat.Submit(context.Background(), "g1", "hello")
		require.NoError(t, err)

		reqs := env.server.requestsFor(protocol.EventTyping)
		require.Len(t, reqs, 2)
		assert.True(t, reqs[0].Typing.IsTyping)
		assert.False(t, reqs[1].Typing.IsTyping)
		assert.Equal(t, []string{
			protocol.EventJoinGroup,
			protocol.EventTyping,
			protocol.EventTyping,
			protocol.EventSendMessage,
		}, env.server.events())
	})
}

func TestPipeline_Backfill(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.join(t, "g1")

	env.deliver(env.server.external("g1", 2, "one"))
	assert.Eventually(t, func() bool {
		return env.chat.Store().MaxSeq("g1") == 1
	}, time.Second, 5*time.Millisecond)

	env.server.external("g1", 2, "two")
	env.server.external("g1", 3, "three")
	env.deliver(env.server.external("g1", 2, "four"))

	assert.Eventually(t, func() bool {
		v, _ := env.chat.Store().Group("g1")
		return len(v.Messages) == 4
	}, time.Second, 5*time.Millisecond)

	v, _ := env.chat.Store().Group("g1")
	assert.Equal(t, []int{1, 2, 3, 4}, messageSeqs(v))
}

func TestPipeline_LoadOlder(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 7; i++ {
		env.server.external("g1", 2, "history")
	}
	env.connect(t)
	env.join(t, "g1")

	v, _ := env.chat.Store().Group("g1")
	assert.Equal(t, []int{5, 6, 7}, messageSeqs(v))
	assert.False(t, v.Exhausted)

	n, err := env.chat.LoadOlder(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = env.chat.LoadOlder(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, env.server.fetchCount())

	// exhausted, no further requests
	n, err = env.chat.LoadOlder(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, env.server.fetchCount())

	v, _ = env.chat.Store().Group("g1")
	assert.True(t, v.Exhausted)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, messageSeqs(v))
}

func TestNewPipeline_PageSize(t *testing.T) {
	tcases := []struct {
		name     string
		pageSize int
		expected int
	}{
		{name: "default", pageSize: 0, expected: defaultPageSize},
		{name: "configured", pageSize: 20, expected: 20},
		{name: "above server maximum", pageSize: 500, expected: maxPageSize},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPipeline(&recordingSender{}, NewStore(selfId), newFakeServer(), testutil.TestLogger(t), tc.pageSize)
			t.Cleanup(p.Close)
			assert.Equal(t, tc.expected, p.pageSize)
		})
	}
}

func TestPipeline_LoadOlderLargePageSize(t *testing.T) {
	srv := newFakeServer()
	for i := 0; i < maxPageSize+20; i++ {
		srv.external("g1", 2, "history")
	}
	store := NewStore(selfId)
	store.ApplyJoin(protocol.JoinResult{Group: types.Group{ExternalId: "g1", SeqId: maxPageSize + 20}})

	p := NewPipeline(&recordingSender{}, store, srv, testutil.TestLogger(t), 1000)
	t.Cleanup(p.Close)

	n, err := p.LoadOlder(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, n)
	assert.False(t, store.Exhausted("g1"))

	n, err = p.LoadOlder(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.True(t, store.Exhausted("g1"))
}

func TestSubmitError(t *testing.T) {
	err := &SubmitError{GroupId: "g1", Token: "t1", Err: ErrUnknownOutcome}
	assert.Contains(t, err.Error(), `"g1"`)
	assert.Contains(t, err.Error(), "t1")
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(ErrUnknownOutcome))
	assert.True(t, retryable(ErrDisconnected))
	assert.True(t, retryable(&protocol.ResponseError{Code: http.StatusTooManyRequests}))
	assert.True(t, retryable(&protocol.ResponseError{Code: http.StatusServiceUnavailable}))
	assert.False(t, retryable(&protocol.ResponseError{Code: http.StatusForbidden}))
	assert.False(t, retryable(ErrValidation))
}
