package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
)

// ClientMessage is an inbound envelope annotated with the session it came from.
type ClientMessage struct {
	protocol.ClientMessage
	UserId int `json:"-"`
	client *Client
}

// ServerMessage is an outbound envelope. UserId addresses participant scoped
// deliveries and SkipClient excludes one session from a fan-out.
type ServerMessage struct {
	protocol.ServerMessage
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{}
	msg.Timestamp = Now()
	if id > 0 {
		msg.Id = id
	}

	resp := &protocol.Response{
		ResponseCode: code,
		Error:        errMsg,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			resp.Data = raw
		}
	}
	msg.Response = resp

	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

// ErrDuplicate answers a submission whose idempotency token was already
// applied. data carries the stored result.
func ErrDuplicate(id int, data any) *ServerMessage {
	return response(id, http.StatusConflict, "duplicate submission", data)
}

func ErrGroupNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "group not found", nil)
}

// ErrGroupNotJoined answers a request for a group the session has not
// joined yet, which differs from the group not existing.
func ErrGroupNotJoined(id int) *ServerMessage {
	return response(id, http.StatusPreconditionFailed, "group not joined", nil)
}

func ErrNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "not found", nil)
}

func ErrNotMember(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "not a member of the group", nil)
}

func ErrRateLimited(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "rate limit exceeded", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrEmptyMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "message content is empty or too long", nil)
}

func Now() time.Time {
	return protocol.Now()
}
