package signalr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"

	"github.com/hubkit/signalr/hubprotocol"
)

type webSocketConnection struct {
	ConnectionBase
	conn        *websocket.Conn
	messageType websocket.MessageType
	readMx      sync.Mutex
	reader      io.Reader
}

func newWebSocketConnection(ctx context.Context, connectionID string, conn *websocket.Conn, binary bool) *webSocketConnection {
	w := &webSocketConnection{
		ConnectionBase: *NewConnectionBase(ctx, connectionID),
		conn:           conn,
		messageType:    websocket.MessageText,
	}
	if binary {
		w.messageType = websocket.MessageBinary
	}
	conn.SetReadLimit(hubprotocol.MaxFrameSize)
	go func() {
		<-ctx.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	return w
}

// Write sends p as one websocket message.
func (w *webSocketConnection) Write(p []byte) (n int, err error) {
	if err := w.conn.Write(w.Context(), w.messageType, p); err != nil {
		return 0, fmt.Errorf("%T: %w", w, err)
	}
	return len(p), nil
}

// Read reads from the current websocket message and continues with the next one when it is exhausted.
func (w *webSocketConnection) Read(p []byte) (n int, err error) {
	w.readMx.Lock()
	defer w.readMx.Unlock()
	for {
		if w.reader == nil {
			_, r, err := w.conn.Reader(w.Context())
			if err != nil {
				return 0, fmt.Errorf("%T: %w", w, err)
			}
			w.reader = r
		}
		n, err = w.reader.Read(p)
		if errors.Is(err, io.EOF) {
			w.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%T: %w", w, err)
		}
		return n, nil
	}
}
