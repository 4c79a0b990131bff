package testhub

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn reads the websocket messages as one byte stream and writes every hub message as one websocket message.
type wsConn struct {
	conn        *websocket.Conn
	reader      io.Reader
	writeMx     sync.Mutex
	messageType int
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, messageType: websocket.TextMessage}
}

func (w *wsConn) setBinary(binary bool) {
	w.writeMx.Lock()
	defer w.writeMx.Unlock()
	if binary {
		w.messageType = websocket.BinaryMessage
	} else {
		w.messageType = websocket.TextMessage
	}
}

// Read is only called from the read loop of the session.
func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if errors.Is(err, io.EOF) {
			w.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// Write is used for the handshake, which is written in one piece.
func (w *wsConn) Write(p []byte) (int, error) {
	err := w.writeMessage(func(writer io.Writer) error {
		_, err := writer.Write(p)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) writeMessage(write func(io.Writer) error) error {
	w.writeMx.Lock()
	defer w.writeMx.Unlock()
	writer, err := w.conn.NextWriter(w.messageType)
	if err != nil {
		return err
	}
	if err := write(writer); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
