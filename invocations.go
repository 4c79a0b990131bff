package signalr

import (
	"context"
	"fmt"
	"sync"

	"github.com/hubkit/signalr/hubprotocol"
)

// pendingInvocation is the receiving end of an invocation or stream.
// The result channel is closed exactly once, by finish.
type pendingInvocation struct {
	kind     string
	ch       chan InvokeResult
	done     chan struct{}
	mx       sync.Mutex
	finished bool
	once     sync.Once
}

// send delivers a stream item. It blocks until the receiver takes it, the invocation is finished or ctx is done.
func (p *pendingInvocation) send(ctx context.Context, r InvokeResult) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.finished {
		return false
	}
	select {
	case p.ch <- r:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish delivers the final result, if any, and closes the result channel. Only the first call has an effect.
func (p *pendingInvocation) finish(final *InvokeResult) bool {
	first := false
	p.once.Do(func() {
		first = true
		close(p.done)
		p.mx.Lock()
		defer p.mx.Unlock()
		p.finished = true
		if final != nil {
			select {
			case p.ch <- *final:
			default:
				// Stream buffer is full. Deliver when the receiver catches up
				go func(ch chan InvokeResult, r InvokeResult) {
					ch <- r
					close(ch)
				}(p.ch, *final)
				return
			}
		}
		close(p.ch)
	})
	return first
}

// invocations correlates completions and stream items with pending invocations by invocation id.
type invocations struct {
	mx       sync.Mutex
	pending  map[string]*pendingInvocation
	protocol hubprotocol.Protocol
	metrics  *metrics
	closed   error
}

func newInvocations(protocol hubprotocol.Protocol, metrics *metrics) *invocations {
	return &invocations{
		pending:  make(map[string]*pendingInvocation),
		protocol: protocol,
		metrics:  metrics,
	}
}

// finish finishes p and records the outcome.
func (i *invocations) finish(p *pendingInvocation, final *InvokeResult) {
	var err error
	if final != nil {
		err = final.Error
	}
	if p.finish(final) {
		i.metrics.invocation(p.kind, err)
	}
}

// fail finishes the invocation with err if it is still pending.
func (i *invocations) fail(id string, err error) {
	if p, ok := i.remove(id); ok {
		result := errorResult(err)
		i.finish(p, &result)
	}
}

func (i *invocations) add(id string, kind string, capacity uint) (*pendingInvocation, error) {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.closed != nil {
		return nil, i.closed
	}
	if capacity == 0 {
		capacity = 1
	}
	p := &pendingInvocation{
		kind: kind,
		ch:   make(chan InvokeResult, capacity),
		done: make(chan struct{}),
	}
	i.pending[id] = p
	return p, nil
}

// remove takes the pending invocation out of the table. The caller owns it afterwards and has to finish it.
func (i *invocations) remove(id string) (*pendingInvocation, bool) {
	i.mx.Lock()
	defer i.mx.Unlock()
	p, ok := i.pending[id]
	if ok {
		delete(i.pending, id)
	}
	return p, ok
}

func (i *invocations) get(id string) (*pendingInvocation, bool) {
	i.mx.Lock()
	defer i.mx.Unlock()
	p, ok := i.pending[id]
	return p, ok
}

func (i *invocations) receiveCompletion(completion hubprotocol.CompletionMessage) error {
	p, ok := i.remove(completion.InvocationID)
	if !ok {
		return fmt.Errorf(`unknown completion id "%v"`, completion.InvocationID)
	}
	var result InvokeResult
	switch {
	case completion.Error != "":
		result = errorResult(&HubError{Message: completion.Error})
	case completion.Result != nil:
		result = newValueResult(i.protocol, completion.Result)
	default:
		if p.kind == streamKind {
			// Regular end of a stream
			i.finish(p, nil)
			return nil
		}
		result = InvokeResult{}
	}
	i.finish(p, &result)
	return nil
}

func (i *invocations) receiveStreamItem(ctx context.Context, item hubprotocol.StreamItemMessage) error {
	p, ok := i.get(item.InvocationID)
	if !ok {
		return fmt.Errorf(`unknown stream id "%v"`, item.InvocationID)
	}
	if p.kind != streamKind {
		return fmt.Errorf(`stream item for non streaming invocation "%v"`, item.InvocationID)
	}
	p.send(ctx, newValueResult(i.protocol, item.Item))
	return nil
}

// cancelAll finishes all pending invocations with err and rejects new ones.
func (i *invocations) cancelAll(err error) {
	i.mx.Lock()
	pending := i.pending
	i.pending = make(map[string]*pendingInvocation)
	i.closed = err
	i.mx.Unlock()
	for _, p := range pending {
		result := errorResult(err)
		i.finish(p, &result)
	}
}

func (i *invocations) count() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return len(i.pending)
}

const (
	invokeKind = "invoke"
	streamKind = "stream"
)
