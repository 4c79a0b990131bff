package signalr

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectBackOff retries with exponentially growing delays starting at 2 seconds,
// up to 30 seconds between attempts, and gives up after 2 minutes.
func DefaultReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// ReconnectDelays returns a BackOff factory which waits the given delays between the reconnect attempts
// and gives up when all delays are used.
func ReconnectDelays(delays ...time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return &delayList{delays: delays}
	}
}

type delayList struct {
	delays []time.Duration
	next   int
}

func (d *delayList) NextBackOff() time.Duration {
	if d.next >= len(d.delays) {
		return backoff.Stop
	}
	delay := d.delays[d.next]
	d.next++
	return delay
}

func (d *delayList) Reset() {
	d.next = 0
}

// reconnect replaces a lost session. It returns the new running loop or the error of the last attempt.
func (h *HubConnection) reconnect(runCtx context.Context, cause error) (*loop, error) {
	h.mx.Lock()
	if h.state.get() != Connected {
		h.mx.Unlock()
		return nil, fmt.Errorf("%w: reconnect aborted", ErrConnectionClosed)
	}
	h.state.set(Reconnecting)
	h.mx.Unlock()
	_ = h.info.Log(evt, "reconnecting", "error", cause)
	h.fireReconnecting(cause)

	var l *loop
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		h.metrics.reconnectAttempt()
		var err error
		l, err = h.connect(runCtx)
		if err != nil {
			_ = h.info.Log(evt, "reconnect", "attempt", attempt, "error", err)
			if runCtx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(h.newBackOff(), runCtx))
	if err != nil {
		_ = h.info.Log(evt, "reconnect", "error", err, react, "give up")
		return nil, err
	}

	h.mx.Lock()
	if h.state.get() != Reconnecting {
		// Stopped during the last attempt
		h.mx.Unlock()
		l.cancel()
		return nil, fmt.Errorf("%w: stopped while reconnecting", ErrConnectionClosed)
	}
	h.loop = l
	h.connectionID = l.conn.ConnectionID()
	h.state.set(Connected)
	h.mx.Unlock()
	_ = h.info.Log(evt, "reconnected", "connection", l.conn.ConnectionID(), "attempts", attempt)
	h.fireReconnected(l.conn.ConnectionID())
	return l, nil
}
