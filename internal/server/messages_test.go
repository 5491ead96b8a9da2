package server

import (
	"net/http"
	"testing"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoErrOK(t *testing.T) {
	result := NoErrOK(1, map[string]any{"testkey": "testvalue"})

	assert.Equal(t, 1, result.Id)
	assert.False(t, result.Timestamp.IsZero(), "expected timestamp to be set")
	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode)
	assert.Empty(t, result.Response.Error)
	assert.JSONEq(t, `{"testkey":"testvalue"}`, string(result.Response.Data))
	assert.NoError(t, result.Response.Err())
}

func TestNoErrOK_NoData(t *testing.T) {
	result := NoErrOK(0, nil)

	assert.Zero(t, result.Id, "unsolicited responses carry no id")
	assert.Nil(t, result.Response.Data)
}

func TestErrDuplicate(t *testing.T) {
	stored := types.Message{Id: "m1", SeqId: 4, GroupId: "g1", Content: "hello"}
	result := ErrDuplicate(2, protocol.PublishResult{Message: stored})

	assert.Equal(t, http.StatusConflict, result.Response.ResponseCode)
	assert.NoError(t, result.Response.Err(), "a duplicate is resolved with the stored result")

	var res protocol.PublishResult
	require.NoError(t, result.Response.Decode(&res))
	assert.Equal(t, "m1", res.Message.Id)
	assert.Equal(t, 4, res.Message.SeqId)
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name     string
		msg      *ServerMessage
		code     int
		sentinel error
	}{
		{"ErrGroupNotFound", ErrGroupNotFound(1), http.StatusNotFound, protocol.ErrNotFound},
		{"ErrGroupNotJoined", ErrGroupNotJoined(1), http.StatusPreconditionFailed, protocol.ErrNotJoined},
		{"ErrNotFound", ErrNotFound(1), http.StatusNotFound, protocol.ErrNotFound},
		{"ErrNotMember", ErrNotMember(1), http.StatusForbidden, protocol.ErrUnauthorized},
		{"ErrRateLimited", ErrRateLimited(1), http.StatusTooManyRequests, protocol.ErrRateLimited},
		{"ErrInternalError", ErrInternalError(1), http.StatusInternalServerError, protocol.ErrUnavailable},
		{"ErrServiceUnavailable", ErrServiceUnavailable(1), http.StatusServiceUnavailable, protocol.ErrUnavailable},
		{"ErrInvalidMessage", ErrInvalidMessage(1), http.StatusBadRequest, protocol.ErrValidation},
		{"ErrEmptyMessage", ErrEmptyMessage(1), http.StatusBadRequest, protocol.ErrValidation},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response)
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.NotEmpty(t, tc.msg.Response.Error)
			assert.Equal(t, protocol.EventResponse, tc.msg.Event())
			assert.ErrorIs(t, tc.msg.Response.Err(), tc.sentinel)
		})
	}
}

func TestNoErrAccepted(t *testing.T) {
	result := NoErrAccepted(3)
	assert.Equal(t, http.StatusAccepted, result.Response.ResponseCode)
	assert.NoError(t, result.Response.Err())
}
