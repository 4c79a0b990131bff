package signalr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// StructuredLogger is the simplest logging interface for structured logging.
// See github.com/go-kit/log
type StructuredLogger interface {
	Log(keyVals ...interface{}) error
}

// Logger sets the logger used by the HubConnection to log info events.
// If debug is true, debug log event are generated, too
func Logger(logger StructuredLogger, debug bool) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		h.info, h.dbg = buildInfoDebugLogger(logger, debug)
		return nil
	}
}

func buildInfoDebugLogger(logger log.Logger, debug bool) (log.Logger, log.Logger) {
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return level.Info(logger), log.With(level.Debug(logger), "caller", log.DefaultCaller)
}

// TransferFormat sets the transfer format used on the transport. Allowed values are "Text" and "Binary".
// Text selects the json hub protocol, Binary the messagepack hub protocol.
func TransferFormat(format string) func(*HubConnection) error {
	return func(h *HubConnection) error {
		switch TransferFormatType(format) {
		case TransferFormatText:
			h.format = "json"
		case TransferFormatBinary:
			h.format = "messagepack"
		default:
			return fmt.Errorf("invalid transferformat %v", format)
		}
		return nil
	}
}

// WithConnector sets the factory which creates the Connection on Start and on every reconnect.
// ctx is the lifetime of the Connection. The default connector negotiates with the server at the address
// passed to NewHubConnection and opens a websocket.
func WithConnector(connectionFactory func(ctx context.Context) (Connection, error)) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if connectionFactory == nil {
			return errors.New("connector must not be nil")
		}
		h.connector = connectionFactory
		return nil
	}
}

// WithConnection sets a single Connection. As a Connection can not be reopened,
// automatic reconnect is not possible with this option.
func WithConnection(connection Connection) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if connection == nil {
			return errors.New("connection must not be nil")
		}
		used := false
		h.connector = func(context.Context) (Connection, error) {
			if used {
				return nil, errors.New("connection has already been used")
			}
			used = true
			return connection, nil
		}
		return nil
	}
}

// HTTPOptions passes options to NewHTTPConnection when the default connector is used.
func HTTPOptions(options ...HTTPOption) func(*HubConnection) error {
	return func(h *HubConnection) error {
		h.httpOptions = append(h.httpOptions, options...)
		return nil
	}
}

// TimeoutInterval is the interval the HubConnection will consider the server disconnected
// if it hasn't received a message (including keep-alive) in it.
// The recommended value is double the KeepAliveInterval value of the server.
// Default is 30 seconds.
func TimeoutInterval(timeout time.Duration) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid timeout interval %v", timeout)
		}
		h.timeout = timeout
		return nil
	}
}

// KeepAliveInterval is the interval if the HubConnection hasn't sent a message within,
// a ping message is sent automatically to keep the connection open.
// Default is 15 seconds.
func KeepAliveInterval(interval time.Duration) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if interval <= 0 {
			return fmt.Errorf("invalid keep alive interval %v", interval)
		}
		h.keepAliveInterval = interval
		return nil
	}
}

// HandshakeTimeout is the interval the server has to answer the handshake within.
// Default is 15 seconds.
func HandshakeTimeout(timeout time.Duration) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid handshake timeout %v", timeout)
		}
		h.handshakeTimeout = timeout
		return nil
	}
}

// StreamBufferCapacity is the maximum number of items that can be buffered for a stream returned by Stream.
// Default is 10.
func StreamBufferCapacity(capacity uint) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if capacity == 0 {
			return errors.New("unsupported StreamBufferCapacity 0")
		}
		h.streamBufferCapacity = capacity
		return nil
	}
}

// WithAutomaticReconnect enables reconnecting when the connection is lost.
// newBackOff is called for every loss of connection and the BackOff it returns controls the delays between
// reconnect attempts. When the BackOff returns backoff.Stop, the HubConnection gives up and is Disconnected.
// A nil newBackOff uses DefaultReconnectBackOff.
func WithAutomaticReconnect(newBackOff func() backoff.BackOff) func(*HubConnection) error {
	return func(h *HubConnection) error {
		if newBackOff == nil {
			newBackOff = DefaultReconnectBackOff
		}
		h.newBackOff = newBackOff
		return nil
	}
}

// WithMetrics registers prometheus collectors for the HubConnection with registerer.
func WithMetrics(registerer prometheus.Registerer) func(*HubConnection) error {
	return func(h *HubConnection) error {
		m, err := newMetrics(registerer)
		if err != nil {
			return err
		}
		h.metrics = m
		return nil
	}
}
