package client

import (
	"errors"

	"github.com/npezzotti/go-groupchat/internal/protocol"
)

// Errors reported by the server map onto the protocol taxonomy, so a
// *protocol.ResponseError matches these with errors.Is.
var (
	ErrValidation   = protocol.ErrValidation
	ErrUnauthorized = protocol.ErrUnauthorized
	ErrNotFound     = protocol.ErrNotFound
	ErrNotJoined    = protocol.ErrNotJoined
	ErrRateLimited  = protocol.ErrRateLimited
	ErrUnavailable  = protocol.ErrUnavailable
)

var (
	// ErrUnknownOutcome is returned when no acknowledgment arrived in time.
	// The request may or may not have been applied by the server.
	ErrUnknownOutcome = errors.New("unknown outcome: no acknowledgment received")
	// ErrDisconnected is returned for requests made while the transport is down.
	ErrDisconnected = errors.New("not connected")
	// ErrConnectionFailed is returned when the transport could not be
	// established.
	ErrConnectionFailed = errors.New("connection failed")
)

// retryable reports whether a request failing with err may be sent again
// later without user intervention.
func retryable(err error) bool {
	return errors.Is(err, ErrUnknownOutcome) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}
