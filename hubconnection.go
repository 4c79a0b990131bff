package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/teivah/onecontext"

	"github.com/hubkit/signalr/hubprotocol"
)

// HubConnection is the client side of a SignalR hub connection.
// It is created with NewHubConnection, started with Start and stopped with Stop.
// All operations return immediately. Their outcome is delivered exactly once on the returned channel,
// or to the callback of the *WithCallback variants.
type HubConnection struct {
	ctx                  context.Context
	address              string
	connector            func(ctx context.Context) (Connection, error)
	httpOptions          []HTTPOption
	format               string
	info                 StructuredLogger
	dbg                  StructuredLogger
	timeout              time.Duration
	keepAliveInterval    time.Duration
	handshakeTimeout     time.Duration
	streamBufferCapacity uint
	newBackOff           func() backoff.BackOff
	metrics              *metrics

	handlers *handlers
	state    *stateHolder
	lastID   atomic.Int64

	mx           sync.Mutex
	loop         *loop
	runCancel    context.CancelFunc
	runDone      chan struct{}
	connectionID string

	eventsMx     sync.Mutex
	closed       []func(error)
	reconnecting []func(error)
	reconnected  []func(string)
}

// NewHubConnection builds a HubConnection for the hub at address, e.g. "http://localhost:8080/test".
// ctx is the lifetime of the HubConnection. address may be empty when a connector is set with WithConnector or
// WithConnection.
func NewHubConnection(ctx context.Context, address string, options ...func(*HubConnection) error) (*HubConnection, error) {
	info, dbg := buildInfoDebugLogger(log.NewLogfmtLogger(os.Stderr), false)
	h := &HubConnection{
		ctx:                  ctx,
		address:              address,
		format:               "json",
		info:                 info,
		dbg:                  dbg,
		timeout:              30 * time.Second,
		keepAliveInterval:    15 * time.Second,
		handshakeTimeout:     15 * time.Second,
		streamBufferCapacity: 10,
		handlers:             newHandlers(),
	}
	for _, option := range options {
		if option != nil {
			if err := option(h); err != nil {
				return nil, err
			}
		}
	}
	if h.connector == nil {
		if address == "" {
			return nil, errors.New("address must not be empty without WithConnector or WithConnection")
		}
		h.connector = func(ctx context.Context) (Connection, error) {
			options := append([]HTTPOption{withBinaryFormat(h.format == "messagepack")}, h.httpOptions...)
			return NewHTTPConnection(ctx, h.address, options...)
		}
	}
	h.state = newStateHolder(h.metrics.setState)
	return h, nil
}

// On registers handler for the client method which the server invokes by name. The name is case-insensitive.
// handler must be a func. The invocation arguments are decoded into its parameter types, a variadic handler
// receives all remaining arguments in its last parameter. When the server expects a result,
// the first return value is sent back, or the last return value if it is a non-nil error.
// Registering a handler for a name again replaces the previous one.
// Handlers run one after the other in arrival order. Invocations received before the connection ends are still
// handled, and Stop returns after their handlers. So a handler must not wait for the result of Stop,
// it can use StopWithCallback instead.
func (h *HubConnection) On(method string, handler interface{}) error {
	return h.handlers.on(method, handler)
}

// Off removes the handler for method.
func (h *HubConnection) Off(method string) {
	h.handlers.off(method)
}

// OnClosed registers a callback which is called when the connection is closed for good.
// err is nil when the connection was stopped or closed by the server without error.
func (h *HubConnection) OnClosed(callback func(err error)) {
	h.eventsMx.Lock()
	defer h.eventsMx.Unlock()
	h.closed = append(h.closed, callback)
}

// OnReconnecting registers a callback which is called when the connection was lost and automatic reconnect starts.
func (h *HubConnection) OnReconnecting(callback func(err error)) {
	h.eventsMx.Lock()
	defer h.eventsMx.Unlock()
	h.reconnecting = append(h.reconnecting, callback)
}

// OnReconnected registers a callback which is called with the new connection id after a successful reconnect.
func (h *HubConnection) OnReconnected(callback func(connectionID string)) {
	h.eventsMx.Lock()
	defer h.eventsMx.Unlock()
	h.reconnected = append(h.reconnected, callback)
}

// State returns the current ConnectionState.
func (h *HubConnection) State() ConnectionState {
	return h.state.get()
}

// WaitForState returns a channel which yields nil when the HubConnection reaches state,
// or the error of ctx when ctx is done before.
func (h *HubConnection) WaitForState(ctx context.Context, state ConnectionState) <-chan error {
	return h.state.waitFor(ctx, state)
}

// ConnectionID returns the connection id the server assigned during negotiation.
func (h *HubConnection) ConnectionID() string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.connectionID
}

// Start connects to the server. The returned channel yields nil when the connection is established,
// or the error which prevented it.
func (h *HubConnection) Start() <-chan error {
	h.mx.Lock()
	if state := h.state.get(); state != Disconnected {
		h.mx.Unlock()
		return errChanWithError(fmt.Errorf("%w: can not start a connection which is %v", ErrInvalidState, state))
	}
	if err := h.ctx.Err(); err != nil {
		h.mx.Unlock()
		return errChanWithError(err)
	}
	runCtx, runCancel := context.WithCancel(h.ctx)
	runDone := make(chan struct{})
	h.runCancel, h.runDone = runCancel, runDone
	h.state.set(Connecting)
	h.mx.Unlock()

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- h.start(runCtx, runDone)
	}()
	return ch
}

func (h *HubConnection) start(runCtx context.Context, runDone chan struct{}) error {
	l, err := h.connect(runCtx)
	h.mx.Lock()
	if err == nil && h.state.get() != Connecting {
		// Stopped while connecting
		l.cancel()
		err = fmt.Errorf("%w: stopped while connecting", ErrConnectionClosed)
	}
	if err != nil {
		h.state.set(Disconnected)
		h.runCancel()
		close(runDone)
		h.mx.Unlock()
		_ = h.info.Log(evt, "start", "error", err)
		return err
	}
	h.loop = l
	h.connectionID = l.conn.ConnectionID()
	h.state.set(Connected)
	h.mx.Unlock()
	_ = h.dbg.Log(evt, "connected", "connection", l.conn.ConnectionID())
	go h.run(runCtx, runDone, l)
	return nil
}

// run runs sessions until the connection is stopped, lost without reconnect, or reconnecting gives up.
func (h *HubConnection) run(runCtx context.Context, runDone chan struct{}, l *loop) {
	var err error
	for {
		err = l.Run()
		h.mx.Lock()
		h.loop = nil
		stopping := h.state.get() == Disconnecting
		h.mx.Unlock()
		if stopping {
			err = nil
			break
		}
		if h.newBackOff == nil || !l.reconnectAllowed() {
			break
		}
		if l, err = h.reconnect(runCtx, err); err != nil {
			if h.State() == Disconnecting {
				err = nil
			}
			break
		}
	}
	h.mx.Lock()
	h.state.set(Disconnected)
	h.runCancel()
	close(runDone)
	h.mx.Unlock()
	h.fireClosed(err)
}

// connect opens a Connection and does the handshake. The returned loop is not running yet.
func (h *HubConnection) connect(ctx context.Context) (*loop, error) {
	connCtx, connCancel := context.WithCancel(ctx)
	conn, err := h.connector(connCtx)
	if err != nil {
		connCancel()
		return nil, err
	}
	protocol, err := hubprotocol.ForName(h.format)
	if err != nil {
		connCancel()
		return nil, err
	}
	protocol.SetDebugLogger(h.dbg)
	remainBuf := &bytes.Buffer{}
	if err := h.handshake(connCtx, conn, protocol, remainBuf); err != nil {
		connCancel()
		if closer, ok := conn.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	loopCtx, loopCancel := onecontext.Merge(connCtx, conn.Context())
	return newLoop(h, loopCtx, func() {
		loopCancel()
		connCancel()
	}, conn, protocol, remainBuf), nil
}

func (h *HubConnection) handshake(ctx context.Context, conn Connection, protocol hubprotocol.Protocol, remainBuf *bytes.Buffer) error {
	info, dbg := h.prefixLoggers(conn.ConnectionID())
	request := hubprotocol.HandshakeRequest{Protocol: protocol.Name(), Version: 1}
	result := make(chan error, 1)
	go func() {
		if err := hubprotocol.WriteHandshake(request, conn); err != nil {
			result <- err
			return
		}
		_ = dbg.Log(evt, "handshake sent", msg, fmtMsg(request))
		frame, err := hubprotocol.ReadHandshake(conn, remainBuf)
		if err != nil {
			result <- err
			return
		}
		response := hubprotocol.HandshakeResponse{}
		if err := json.Unmarshal(frame, &response); err != nil {
			result <- fmt.Errorf("malformed handshake response %q: %w", frame, err)
			return
		}
		if response.Error != "" {
			result <- fmt.Errorf("handshake: %w", &HubError{Message: response.Error})
			return
		}
		_ = dbg.Log(evt, "handshake received", msg, string(frame))
		result <- nil
	}()
	timer := time.NewTimer(h.handshakeTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-result:
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = info.Log(evt, "handshake", "error", err)
	}
	return err
}

// Stop closes the connection. Pending invocations and streams end with ErrConnectionClosed.
// The returned channel yields nil when the HubConnection is Disconnected.
func (h *HubConnection) Stop() <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- h.stop()
	}()
	return ch
}

func (h *HubConnection) stop() error {
	h.mx.Lock()
	state := h.state.get()
	runDone := h.runDone
	if state == Disconnected {
		h.mx.Unlock()
		return nil
	}
	if state == Disconnecting {
		h.mx.Unlock()
		<-runDone
		return nil
	}
	h.state.set(Disconnecting)
	l := h.loop
	runCancel := h.runCancel
	h.mx.Unlock()

	if l != nil {
		if err := l.write(hubprotocol.CloseMessage{Type: hubprotocol.CloseType}); err != nil {
			_ = h.dbg.Log(evt, "stop", "error", err, react, "close connection without close message")
		}
	}
	runCancel()
	<-runDone
	return nil
}

// connectedLoop returns the running session. Messages can only be sent when Connected.
func (h *HubConnection) connectedLoop() (*loop, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if state := h.state.get(); state != Connected || h.loop == nil {
		return nil, fmt.Errorf("%w: can not send data if the connection is %v", ErrInvalidState, state)
	}
	return h.loop, nil
}

func (h *HubConnection) nextID() string {
	return strconv.FormatInt(h.lastID.Add(1), 10)
}

func (h *HubConnection) fireClosed(err error) {
	h.eventsMx.Lock()
	callbacks := append([]func(error){}, h.closed...)
	h.eventsMx.Unlock()
	for _, callback := range callbacks {
		callback(err)
	}
}

func (h *HubConnection) fireReconnecting(err error) {
	h.eventsMx.Lock()
	callbacks := append([]func(error){}, h.reconnecting...)
	h.eventsMx.Unlock()
	for _, callback := range callbacks {
		callback(err)
	}
}

func (h *HubConnection) fireReconnected(connectionID string) {
	h.eventsMx.Lock()
	callbacks := append([]func(string){}, h.reconnected...)
	h.eventsMx.Unlock()
	for _, callback := range callbacks {
		callback(connectionID)
	}
}

func (h *HubConnection) prefixLoggers(connectionID string) (info StructuredLogger, dbg StructuredLogger) {
	return log.WithPrefix(h.info, "ts", log.DefaultTimestampUTC, "class", "HubConnection", "connection", connectionID),
		log.WithPrefix(h.dbg, "ts", log.DefaultTimestampUTC, "class", "HubConnection", "connection", connectionID)
}

const (
	evt     = "event"
	msg     = "message"
	react   = "reaction"
	msgRecv = "message received"
	msgSend = "message send"
)
