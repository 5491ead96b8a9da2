package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-groupchat/internal/client"
	"github.com/npezzotti/go-groupchat/internal/testutil"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveChat(t *testing.T, baseURL string, user types.User) *client.Chat {
	t.Helper()

	token, err := CreateToken(testSigningKey, user.Id, time.Hour)
	require.NoError(t, err)

	chat := client.New(client.Config{
		User: user,
		Transport: &client.WebsocketTransport{
			URL:   "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
			Token: token,
		},
		History: &client.HTTPHistory{BaseURL: baseURL, Token: token},
		Logger:  testutil.TestLogger(t),
		Options: client.Options{AckTimeout: 2 * time.Second, MaxAttempts: 1},
	})
	t.Cleanup(chat.Close)
	return chat
}

func TestLiveSession(t *testing.T) {
	ta := newTestApp(t)
	g := ta.group(t, "g1", 1, 2)
	ta.messages(t, g, 2)

	go ta.cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ta.cs.Shutdown(ctx)
	})

	srv := httptest.NewServer(ta.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := newLiveChat(t, srv.URL, types.User{Id: 1, Username: "alice"})
	bob := newLiveChat(t, srv.URL, types.User{Id: 2, Username: "bob"})

	received := make(chan types.Message, 16)
	bob.OnMessage(func(m types.Message) {
		received <- m
	})

	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))

	status, err := alice.Join(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, client.Joined, status)

	_, err = bob.Join(ctx, "g1")
	require.NoError(t, err)

	view, ok := alice.Store().Group("g1")
	require.True(t, ok)
	assert.Equal(t, 2, view.Group.SeqId)

	msg, err := alice.Submit(ctx, "g1", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, 3, msg.SeqId)
	assert.Equal(t, "g1", msg.GroupId)
	assert.Equal(t, 1, msg.UserId)

	select {
	case m := <-received:
		assert.Equal(t, "hello bob", m.Content)
		assert.Equal(t, msg.Id, m.Id)
	case <-time.After(3 * time.Second):
		t.Fatal("expected bob to receive the message")
	}

	history := &client.HTTPHistory{BaseURL: srv.URL}
	history.Token, err = CreateToken(testSigningKey, 2, time.Hour)
	require.NoError(t, err)

	msgs, err := history.FetchHistory(ctx, "g1", 0, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello bob", msgs[2].Content)

	outsider := newLiveChat(t, srv.URL, types.User{Id: 3, Username: "carol"})
	require.NoError(t, outsider.Connect(ctx))
	_, err = outsider.Join(ctx, "g1")
	assert.ErrorIs(t, err, client.ErrUnauthorized)
}
