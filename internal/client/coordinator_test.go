package client

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinedGroups(reqs []*protocol.ClientMessage) []string {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.Join.GroupId)
	}
	return ids
}

func TestJoinStatus_String(t *testing.T) {
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "already joined", AlreadyJoined.String())
	assert.Equal(t, "none", JoinStatus(0).String())
}

func TestCoordinator_Join(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.external("g1", 2, "hello")
		env.connect(t)

		status, err := env.chat.Join(context.Background(), "g1")
		require.NoError(t, err)
		assert.Equal(t, Joined, status)

		status, err = env.chat.Join(context.Background(), "g1")
		require.NoError(t, err)
		assert.Equal(t, AlreadyJoined, status)

		assert.Len(t, env.server.requestsFor(protocol.EventJoinGroup), 1)
		assert.Equal(t, 1, env.server.fetchCount())

		v, ok := env.chat.Store().Group("g1")
		require.True(t, ok)
		assert.Equal(t, []int{1}, messageSeqs(v))
	})

	t.Run("concurrent callers share one request", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)

		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.chat.Join(context.Background(), "g1")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Len(t, env.server.requestsFor(protocol.EventJoinGroup), 1)
		assert.Equal(t, 1, env.server.fetchCount())
	})

	t.Run("missing group id", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)

		_, err := env.chat.Join(context.Background(), "")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, env.server.requestsFor(protocol.EventJoinGroup))
	})

	t.Run("forbidden is forgotten", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.setDeny("secret", http.StatusForbidden)
		env.connect(t)
		env.join(t, "g1")

		_, err := env.chat.Join(context.Background(), "secret")
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NotContains(t, env.chat.coordinator.Known(), "secret")
		assert.False(t, env.chat.Store().HasGroup("secret"))

		env.transport.last().Close()
		assert.Eventually(t, func() bool {
			return len(env.server.requestsFor(protocol.EventJoinGroup)) == 3
		}, 2*time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"g1", "secret", "g1"}, joinedGroups(env.server.requestsFor(protocol.EventJoinGroup)))
	})

	t.Run("unknown outcome stays known", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t)
		env.server.dropAck(protocol.EventJoinGroup)

		_, err := env.chat.Join(context.Background(), "g1")
		assert.ErrorIs(t, err, ErrUnknownOutcome)
		assert.Contains(t, env.chat.coordinator.Known(), "g1")
		assert.False(t, env.chat.coordinator.Joined("g1"))

		env.transport.last().Close()
		assert.Eventually(t, func() bool {
			return env.chat.coordinator.Joined("g1")
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("disconnected", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.chat.Join(context.Background(), "g1")
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.Contains(t, env.chat.coordinator.Known(), "g1")

		// known groups are joined once the session is up
		env.connect(t)
		assert.Eventually(t, func() bool {
			return env.chat.coordinator.Joined("g1")
		}, time.Second, 5*time.Millisecond)
	})
}

func TestCoordinator_Rejoin(t *testing.T) {
	env := newTestEnv(t)
	env.server.external("g1", 2, "one")
	env.server.external("g1", 3, "two")
	env.connect(t)
	env.join(t, "g1")
	env.join(t, "g2")

	v, _ := env.chat.Store().Group("g1")
	require.Equal(t, []int{1, 2}, messageSeqs(v))

	// never delivered to this participant
	for i := 0; i < 4; i++ {
		env.server.external("g1", 2, "missed")
	}
	env.transport.last().Close()

	assert.Eventually(t, func() bool {
		return env.chat.coordinator.Joined("g1") && env.chat.coordinator.Joined("g2")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"g1", "g2", "g1", "g2"}, joinedGroups(env.server.requestsFor(protocol.EventJoinGroup)))

	assert.Eventually(t, func() bool {
		v, _ := env.chat.Store().Group("g1")
		return len(v.Messages) == 6
	}, time.Second, 5*time.Millisecond)

	v, _ = env.chat.Store().Group("g1")
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, messageSeqs(v))
}

func TestCoordinator_Leave(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.join(t, "g1")
	env.server.dropAck(protocol.EventLeaveGroup)

	env.chat.Leave(context.Background(), "g1")

	assert.False(t, env.chat.coordinator.Joined("g1"))
	assert.NotContains(t, env.chat.coordinator.Known(), "g1")
	assert.Len(t, env.server.requestsFor(protocol.EventLeaveGroup), 1)

	status, err := env.chat.Join(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, Joined, status)
}

func TestCoordinator_Invalidate(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)
	env.join(t, "g1")

	push(env.transport.last(), &protocol.ServerMessage{Presence: &protocol.Presence{GroupId: "g1", Present: false}})

	assert.Eventually(t, func() bool {
		return !env.chat.coordinator.Joined("g1")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, env.chat.coordinator.Known(), "g1")

	_, err := env.chat.Join(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, env.server.requestsFor(protocol.EventJoinGroup), 2)
	assert.True(t, env.chat.coordinator.Joined("g1"))
}
