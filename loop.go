package signalr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubkit/signalr/hubprotocol"
)

// loop runs one transport session of a HubConnection: from the completed handshake until the connection is lost,
// closed by the server or stopped.
type loop struct {
	hc          *HubConnection
	conn        Connection
	protocol    hubprotocol.Protocol
	remainBuf   *bytes.Buffer
	ctx         context.Context
	cancel      context.CancelFunc
	invocations *invocations
	info        StructuredLogger
	dbg         StructuredLogger
	dispatch    chan hubprotocol.InvocationMessage
	handled     chan struct{}
	done        chan struct{}

	writeMx   sync.Mutex
	keepAlive *time.Timer
	abortErr  atomic.Pointer[error]

	serverClosed   bool
	allowReconnect bool
}

// errServerClosed ends the loop after the server sent a close message without error.
var errServerClosed = errors.New("server closed the connection")

func newLoop(hc *HubConnection, ctx context.Context, cancel context.CancelFunc, conn Connection,
	protocol hubprotocol.Protocol, remainBuf *bytes.Buffer) *loop {
	info, dbg := hc.prefixLoggers(conn.ConnectionID())
	l := &loop{
		hc:          hc,
		conn:        conn,
		protocol:    protocol,
		remainBuf:   remainBuf,
		ctx:         ctx,
		cancel:      cancel,
		invocations: newInvocations(protocol, hc.metrics),
		info:        info,
		dbg:         dbg,
		dispatch:    make(chan hubprotocol.InvocationMessage, 64),
		handled:     make(chan struct{}),
		done:        make(chan struct{}),
		keepAlive:   time.NewTimer(hc.keepAliveInterval),
	}
	return l
}

// Run processes messages until the session ends. It returns nil when the server closed the connection without error.
// Before it returns, the handlers of all invocations received during the session have run.
func (l *loop) Run() error {
	defer close(l.done)
	// Handlers run one after the other, in the order the invocations arrived
	go func() {
		defer close(l.handled)
		for invocation := range l.dispatch {
			l.invokeHandler(invocation)
		}
	}()

	recvCh := make(chan []interface{})
	errCh := make(chan error, 1)
	go l.receive(recvCh, errCh)

	timeout := time.NewTimer(l.hc.timeout)
	var err error
loop:
	for {
		select {
		case messages := <-recvCh:
			for _, message := range messages {
				if err = l.handleMessage(message); err != nil {
					break loop
				}
			}
			// Handling may block on a slow stream consumer. Reset discards a timeout which expired meanwhile
			timeout.Reset(l.hc.timeout)
		case err = <-errCh:
			break loop
		case <-timeout.C:
			err = fmt.Errorf("%w: nothing received within %v", ErrServerTimeout, l.hc.timeout)
			_ = l.info.Log(evt, "timeout", "error", err, react, "close connection")
			break loop
		case <-l.keepAlive.C:
			// Every write resets keepAlive, so it only fires when nothing was sent for KeepAliveInterval
			if err := l.write(hubprotocol.HubMessage{Type: hubprotocol.PingType}); err != nil {
				_ = l.info.Log(evt, "ping", "error", err)
			}
		case <-l.ctx.Done():
			err = l.ctx.Err()
			break loop
		}
	}
	timeout.Stop()
	l.keepAlive.Stop()
	if abortErr := l.abortErr.Load(); abortErr != nil {
		err = *abortErr
	}
	if errors.Is(err, errServerClosed) {
		err = nil
	}
	l.cancel()
	if closer, ok := l.conn.(io.Closer); ok {
		_ = closer.Close()
	}
	l.invocations.cancelAll(ErrConnectionClosed)
	close(l.dispatch)
	<-l.handled
	_ = l.dbg.Log(evt, "message loop ended", "error", err)
	return err
}

func (l *loop) receive(recvCh chan<- []interface{}, errCh chan<- error) {
	for {
		messages, err := l.protocol.ReadMessages(l.conn, l.remainBuf)
		if err != nil {
			if l.ctx.Err() == nil {
				_ = l.info.Log(evt, msgRecv, "error", err, react, "close connection")
			}
			errCh <- err
			return
		}
		select {
		case recvCh <- messages:
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *loop) handleMessage(message interface{}) error {
	_ = l.dbg.Log(evt, msgRecv, msg, fmtMsg(message))
	switch message := message.(type) {
	case hubprotocol.InvocationMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(message.Type))
		select {
		case l.dispatch <- message:
		default:
			// The dispatch queue is full, wait for the handlers unless the session ends meanwhile
			select {
			case l.dispatch <- message:
			case <-l.ctx.Done():
				_ = l.info.Log(evt, msgRecv, msg, fmtMsg(message), react, "drop invocation, session ended")
			}
		}
	case hubprotocol.StreamItemMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(hubprotocol.StreamItemType))
		if err := l.invocations.receiveStreamItem(l.ctx, message); err != nil {
			_ = l.info.Log(evt, msgRecv, "error", err, msg, fmtMsg(message), react, "ignore")
		}
	case hubprotocol.CompletionMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(hubprotocol.CompletionType))
		if err := l.invocations.receiveCompletion(message); err != nil {
			_ = l.info.Log(evt, msgRecv, "error", err, msg, fmtMsg(message), react, "ignore")
		}
	case hubprotocol.CancelInvocationMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(hubprotocol.CancelInvocationType))
		// The client does not serve streams, so there is nothing to cancel
	case hubprotocol.CloseMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(hubprotocol.CloseType))
		l.serverClosed = true
		l.allowReconnect = message.AllowReconnect
		if message.Error != "" {
			_ = l.info.Log(evt, "close received", "error", message.Error, "allowReconnect", message.AllowReconnect)
			return &HubError{Message: message.Error}
		}
		return errServerClosed
	case hubprotocol.HubMessage:
		l.hc.metrics.messageReceived(hubprotocol.TypeName(message.Type))
		if message.Type != hubprotocol.PingType {
			_ = l.dbg.Log(evt, msgRecv, msg, fmtMsg(message), react, "ignore unknown message type")
		}
	}
	return nil
}

// reconnectAllowed reports if the session may be replaced by a new one after it ended.
func (l *loop) reconnectAllowed() bool {
	return !l.serverClosed || l.allowReconnect
}

// invokeHandler runs the handler for a server invocation. Invocations with id expect a client result.
func (l *loop) invokeHandler(invocation hubprotocol.InvocationMessage) {
	fn, ok := l.hc.handlers.get(invocation.Target)
	if !ok {
		_ = l.info.Log(evt, "invocation", "error", "no handler registered", "name", invocation.Target)
		if invocation.InvocationID != "" {
			l.sendCompletion(invocation.InvocationID, nil, errors.New("client didn't provide a result"))
		}
		return
	}
	in, err := buildArguments(fn, invocation.Arguments, l.protocol)
	if err != nil {
		_ = l.info.Log(evt, "buildArguments", "error", err, "name", invocation.Target)
		if invocation.InvocationID != "" {
			l.sendCompletion(invocation.InvocationID, nil, err)
		}
		return
	}
	result, err := l.call(fn, in, invocation.Target)
	if invocation.InvocationID == "" {
		return
	}
	l.sendCompletion(invocation.InvocationID, result, err)
}

func (l *loop) call(fn reflect.Value, in []reflect.Value, name string) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = l.info.Log(evt, "panic in handler", "error", r, "name", name)
			_ = l.dbg.Log(evt, "panic in handler", "error", r, "name", name, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler %v: %v", name, r)
		}
	}()
	return handlerResult(fn.Call(in))
}

func (l *loop) sendCompletion(id string, result interface{}, err error) {
	completion := hubprotocol.CompletionMessage{
		Type:         hubprotocol.CompletionType,
		InvocationID: id,
		Result:       result,
	}
	if err != nil {
		completion.Error = err.Error()
	}
	if err := l.write(completion); err != nil {
		_ = l.info.Log(evt, msgSend, "error", err, msg, fmtMsg(completion))
	}
}

// write sends a message. Messages are never interleaved. A failed write ends the session.
func (l *loop) write(message interface{}) error {
	l.writeMx.Lock()
	defer l.writeMx.Unlock()
	if err := l.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if err := l.protocol.WriteMessage(message, l.conn); err != nil {
		_ = l.info.Log(evt, msgSend, "error", err, msg, fmtMsg(message), react, "close connection")
		l.abort(err)
		return err
	}
	l.keepAlive.Reset(l.hc.keepAliveInterval)
	return nil
}

func (l *loop) abort(err error) {
	l.abortErr.CompareAndSwap(nil, &err)
	l.cancel()
}

func fmtMsg(message interface{}) string {
	return fmt.Sprintf("%#v", message)
}
