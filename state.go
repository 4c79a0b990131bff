package signalr

import (
	"context"
	"fmt"
	"sync"
)

// ConnectionState is the lifecycle state of a HubConnection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Disconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// stateHolder broadcasts state changes by closing and replacing the changed channel.
type stateHolder struct {
	mx      sync.Mutex
	state   ConnectionState
	changed chan struct{}
	onSet   func(ConnectionState)
}

func newStateHolder(onSet func(ConnectionState)) *stateHolder {
	return &stateHolder{state: Disconnected, changed: make(chan struct{}), onSet: onSet}
}

func (s *stateHolder) get() ConnectionState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *stateHolder) set(state ConnectionState) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
	if s.onSet != nil {
		s.onSet(state)
	}
}

// current returns the state and a channel which is closed on the next change.
func (s *stateHolder) current() (ConnectionState, <-chan struct{}) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state, s.changed
}

// waitFor returns a channel which yields nil when waitFor is reached or ctx.Err() if ctx is done first.
func (s *stateHolder) waitFor(ctx context.Context, waitFor ConnectionState) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		for {
			state, changed := s.current()
			if state == waitFor {
				ch <- nil
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				ch <- ctx.Err()
				return
			}
		}
	}()
	return ch
}
