package signalr

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
)

type netConnection struct {
	ConnectionBase
	conn net.Conn
}

// NewNetConnection wraps net.Conn into a Connection. The net.Conn is closed when ctx is done.
func NewNetConnection(ctx context.Context, conn net.Conn) Connection {
	netConn := &netConnection{
		ConnectionBase: *NewConnectionBase(ctx, uuid.NewString()),
		conn:           conn,
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return netConn
}

func (nc *netConnection) Write(p []byte) (n int, err error) {
	n, err = nc.conn.Write(p)
	if err != nil {
		err = fmt.Errorf("%T: %w", nc, err)
	}
	return n, err
}

func (nc *netConnection) Read(p []byte) (n int, err error) {
	n, err = nc.conn.Read(p)
	if err != nil {
		err = fmt.Errorf("%T: %w", nc, err)
	}
	return n, err
}

// Close closes the net.Conn.
func (nc *netConnection) Close() error {
	return nc.conn.Close()
}
