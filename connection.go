package signalr

import (
	"context"
	"io"
)

// Connection describes the transport between a HubConnection and the server.
// A Read may return a partial message; the hub protocol reassembles frames.
// The connection ends when its Context is done.
type Connection interface {
	io.Reader
	io.Writer
	Context() context.Context
	ConnectionID() string
}

// ConnectionBase is a baseclass for implementers of the Connection interface.
type ConnectionBase struct {
	ctx          context.Context
	connectionID string
}

// NewConnectionBase creates a ConnectionBase with a context.Context and a connectionID
func NewConnectionBase(ctx context.Context, connectionID string) *ConnectionBase {
	return &ConnectionBase{ctx: ctx, connectionID: connectionID}
}

func (cb *ConnectionBase) Context() context.Context {
	return cb.ctx
}

func (cb *ConnectionBase) ConnectionID() string {
	return cb.connectionID
}
