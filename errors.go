package signalr

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed completes all invocations and streams which were pending when the connection ended.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidState is returned when an operation is not allowed in the current ConnectionState.
	ErrInvalidState = errors.New("invalid connection state")
	// ErrHandshakeTimeout is returned when the server did not answer the handshake within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrServerTimeout ends the connection when the server did not send anything within TimeoutInterval.
	ErrServerTimeout = errors.New("server timeout")
)

// HubError is an error sent by the server, either in a completion or in a close message.
type HubError struct {
	Message string
}

func (h *HubError) Error() string {
	return h.Message
}

type negotiateError struct {
	status string
	url    string
}

func (n *negotiateError) Error() string {
	return fmt.Sprintf("negotiate %v -> %v", n.url, n.status)
}
