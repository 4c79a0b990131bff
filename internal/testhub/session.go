package testhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"

	"github.com/hubkit/signalr/hubprotocol"
)

// session serves one client connection.
type session struct {
	srv       *Server
	id        string
	conn      *wsConn
	protocol  hubprotocol.Protocol
	remainBuf *bytes.Buffer
	ctx       context.Context
	cancel    context.CancelFunc
	info      log.Logger
	dbg       log.Logger
	lastID    atomic.Int64

	mx            sync.Mutex
	uploads       map[string]chan interface{}
	streams       map[string]context.CancelFunc
	clientResults map[string]chan hubprotocol.CompletionMessage
}

func newSession(srv *Server, id string, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(srv.ctx)
	return &session{
		srv:           srv,
		id:            id,
		conn:          newWSConn(conn),
		remainBuf:     &bytes.Buffer{},
		ctx:           ctx,
		cancel:        cancel,
		info:          log.With(srv.info, "connection", id),
		dbg:           log.With(srv.dbg, "connection", id),
		uploads:       make(map[string]chan interface{}),
		streams:       make(map[string]context.CancelFunc),
		clientResults: make(map[string]chan hubprotocol.CompletionMessage),
	}
}

func (s *session) serve() error {
	defer s.cancel()
	go func() {
		<-s.ctx.Done()
		_ = s.conn.Close()
	}()
	if err := s.handshake(); err != nil {
		return err
	}
	go s.keepAlive()
	for {
		messages, err := s.protocol.ReadMessages(s.conn, s.remainBuf)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, message := range messages {
			if done := s.handleMessage(message); done {
				return nil
			}
		}
	}
}

func (s *session) handshake() error {
	frame, err := hubprotocol.ReadHandshake(s.conn, s.remainBuf)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	request := hubprotocol.HandshakeRequest{}
	if err := json.Unmarshal(frame, &request); err != nil {
		_ = hubprotocol.WriteHandshake(hubprotocol.HandshakeResponse{Error: "malformed handshake request"}, s.conn)
		return fmt.Errorf("handshake %q: %w", frame, err)
	}
	protocol, err := hubprotocol.ForName(request.Protocol)
	if err == nil && request.Version != 1 {
		err = fmt.Errorf("protocol version %v is not supported", request.Version)
	}
	if err != nil {
		_ = hubprotocol.WriteHandshake(hubprotocol.HandshakeResponse{Error: err.Error()}, s.conn)
		return err
	}
	protocol.SetDebugLogger(s.dbg)
	if err := hubprotocol.WriteHandshake(hubprotocol.HandshakeResponse{}, s.conn); err != nil {
		return err
	}
	s.protocol = protocol
	s.conn.setBinary(protocol.Binary())
	_ = s.dbg.Log(evt, "handshake", "protocol", protocol.Name())
	return nil
}

func (s *session) keepAlive() {
	ticker := time.NewTicker(s.srv.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(hubprotocol.HubMessage{Type: hubprotocol.PingType}); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// handleMessage returns true when the client closed the session.
func (s *session) handleMessage(message interface{}) bool {
	switch message := message.(type) {
	case hubprotocol.InvocationMessage:
		s.invoke(message)
	case hubprotocol.StreamItemMessage:
		s.mx.Lock()
		upload, ok := s.uploads[message.InvocationID]
		s.mx.Unlock()
		if !ok {
			_ = s.info.Log(evt, "stream item", "error", "unknown stream id", "streamId", message.InvocationID)
			return false
		}
		select {
		case upload <- message.Item:
		case <-s.ctx.Done():
		}
	case hubprotocol.CompletionMessage:
		s.mx.Lock()
		upload, isUpload := s.uploads[message.InvocationID]
		delete(s.uploads, message.InvocationID)
		result, isResult := s.clientResults[message.InvocationID]
		delete(s.clientResults, message.InvocationID)
		s.mx.Unlock()
		switch {
		case isUpload:
			close(upload)
		case isResult:
			result <- message
		default:
			_ = s.info.Log(evt, "completion", "error", "unknown invocation id", "invocationId", message.InvocationID)
		}
	case hubprotocol.CancelInvocationMessage:
		s.mx.Lock()
		cancel, ok := s.streams[message.InvocationID]
		s.mx.Unlock()
		if ok {
			cancel()
		}
	case hubprotocol.CloseMessage:
		_ = s.dbg.Log(evt, "close received", "error", message.Error)
		return true
	}
	return false
}

// invoke runs a hub method in its own goroutine, so stream items for its uploads can be received meanwhile.
func (s *session) invoke(invocation hubprotocol.InvocationMessage) {
	method, ok := hubMethods[normalize(invocation.Target)]
	if !ok {
		_ = s.info.Log(evt, "invoke", "error", "unknown method", "target", invocation.Target)
		if invocation.InvocationID != "" {
			_ = s.complete(invocation.InvocationID, nil, fmt.Errorf("Unknown hub method '%v'", invocation.Target))
		}
		return
	}
	c := &call{s: s, invocation: invocation, ctx: s.ctx}
	s.mx.Lock()
	for _, streamID := range invocation.StreamIds {
		upload := make(chan interface{}, 16)
		s.uploads[streamID] = upload
		c.uploads = append(c.uploads, upload)
	}
	if invocation.Type == hubprotocol.StreamInvocationType {
		var cancel context.CancelFunc
		c.ctx, cancel = context.WithCancel(s.ctx)
		s.streams[invocation.InvocationID] = cancel
	}
	s.mx.Unlock()
	go func() {
		defer s.endStream(invocation.InvocationID)
		result, err := method(c)
		if invocation.InvocationID == "" {
			if err != nil {
				_ = s.info.Log(evt, "invoke", "target", invocation.Target, "error", err)
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			result, err = nil, nil
		}
		_ = s.complete(invocation.InvocationID, result, err)
	}()
}

func (s *session) endStream(invocationID string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if cancel, ok := s.streams[invocationID]; ok {
		cancel()
		delete(s.streams, invocationID)
	}
}

// invokeClient invokes a client method and waits for its result.
func (s *session) invokeClient(ctx context.Context, target string, arguments ...interface{}) (interface{}, error) {
	id := "s" + strconv.FormatInt(s.lastID.Add(1), 10)
	result := make(chan hubprotocol.CompletionMessage, 1)
	s.mx.Lock()
	s.clientResults[id] = result
	s.mx.Unlock()
	if err := s.write(hubprotocol.InvocationMessage{
		Type:         hubprotocol.InvocationType,
		Target:       target,
		InvocationID: id,
		Arguments:    arguments,
	}); err != nil {
		return nil, err
	}
	select {
	case completion := <-result:
		if completion.Error != "" {
			return nil, errors.New(completion.Error)
		}
		return completion.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) send(target string, arguments ...interface{}) error {
	return s.write(hubprotocol.InvocationMessage{
		Type:      hubprotocol.InvocationType,
		Target:    target,
		Arguments: arguments,
	})
}

func (s *session) complete(id string, result interface{}, err error) error {
	completion := hubprotocol.CompletionMessage{
		Type:         hubprotocol.CompletionType,
		InvocationID: id,
		Result:       result,
	}
	if err != nil {
		completion.Result = nil
		completion.Error = err.Error()
	}
	return s.write(completion)
}

func (s *session) write(message interface{}) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return s.conn.writeMessage(func(w io.Writer) error {
		return s.protocol.WriteMessage(message, w)
	})
}

func (s *session) close(closeErr string, allowReconnect bool) {
	if err := s.write(hubprotocol.CloseMessage{
		Type:           hubprotocol.CloseType,
		Error:          closeErr,
		AllowReconnect: allowReconnect,
	}); err != nil {
		_ = s.dbg.Log(evt, "close", "error", err)
	}
	s.cancel()
}

func (s *session) drop() {
	s.cancel()
}
