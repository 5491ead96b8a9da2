package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation is returned for requests rejected before any round trip
	// or refused by the server as malformed.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized means the participant is not a member of the group.
	ErrUnauthorized = errors.New("not a member of the group")
	// ErrNotFound means the group or message no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrNotJoined means the session is not subscribed to the group. The
	// group still exists and may be joined again.
	ErrNotJoined = errors.New("group not joined")
	// ErrConflict means the idempotency token was already applied.
	ErrConflict = errors.New("duplicate submission")
	// ErrRateLimited means the server dropped the request to throttle the session.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable covers transient server side failures.
	ErrUnavailable = errors.New("service unavailable")
)

// ResponseError is a non-success response received from the server.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

// Unwrap maps the response code onto the error taxonomy so callers can
// classify with errors.Is.
func (e *ResponseError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return ErrValidation
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrNotJoined
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUnavailable
	}
}

// Err returns nil for successful responses and a *ResponseError otherwise.
// Conflict responses carry the already-applied result and count as success.
func (r *Response) Err() error {
	if r.ResponseCode < 300 || r.ResponseCode == http.StatusConflict {
		return nil
	}
	return &ResponseError{Code: r.ResponseCode, Message: r.Error}
}
