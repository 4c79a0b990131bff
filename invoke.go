package signalr

import (
	"context"
	"reflect"

	"github.com/hubkit/signalr/hubprotocol"
)

// Invoke invokes method on the server with the given arguments and waits for its completion.
// The returned channel yields exactly one InvokeResult, with the result value of the method
// or the error which ended the invocation, and is closed afterwards.
// Arguments which are receive channels are streamed to the server, one stream item for each value.
// Closing the channel ends the stream.
func (h *HubConnection) Invoke(method string, arguments ...interface{}) <-chan InvokeResult {
	l, err := h.connectedLoop()
	if err != nil {
		return resultChanWithError(err)
	}
	return l.invoke(h.nextID(), method, arguments)
}

// Send invokes method on the server without waiting for a result.
// The returned channel yields nil when the invocation was sent, or the error which prevented it.
func (h *HubConnection) Send(method string, arguments ...interface{}) <-chan error {
	l, err := h.connectedLoop()
	if err != nil {
		return errChanWithError(err)
	}
	ch := make(chan error, 1)
	ch <- l.send(method, arguments)
	close(ch)
	return ch
}

// Stream invokes the server streaming method. The returned channel yields one InvokeResult per stream item
// and is closed when the server completes the stream. A stream which ends with an error yields a last InvokeResult
// carrying it. When ctx is done before, the server is asked to cancel the stream and the last InvokeResult
// carries ctx.Err().
func (h *HubConnection) Stream(ctx context.Context, method string, arguments ...interface{}) <-chan InvokeResult {
	l, err := h.connectedLoop()
	if err != nil {
		return resultChanWithError(err)
	}
	return l.stream(ctx, h.nextID(), method, arguments, h.streamBufferCapacity)
}

func (l *loop) invoke(id string, method string, arguments []interface{}) <-chan InvokeResult {
	arguments, uploads := l.splitUploads(arguments)
	p, err := l.invocations.add(id, invokeKind, 1)
	if err != nil {
		return resultChanWithError(err)
	}
	invocation := hubprotocol.InvocationMessage{
		Type:         hubprotocol.InvocationType,
		Target:       method,
		InvocationID: id,
		Arguments:    arguments,
		StreamIds:    uploads.ids(),
	}
	if err := l.write(invocation); err != nil {
		l.invocations.fail(id, err)
		return p.ch
	}
	uploads.start(l)
	return p.ch
}

func (l *loop) send(method string, arguments []interface{}) error {
	arguments, uploads := l.splitUploads(arguments)
	invocation := hubprotocol.InvocationMessage{
		Type:      hubprotocol.InvocationType,
		Target:    method,
		Arguments: arguments,
		StreamIds: uploads.ids(),
	}
	err := l.write(invocation)
	l.hc.metrics.invocation("send", err)
	if err != nil {
		return err
	}
	uploads.start(l)
	return nil
}

func (l *loop) stream(ctx context.Context, id string, method string, arguments []interface{}, capacity uint) <-chan InvokeResult {
	arguments, uploads := l.splitUploads(arguments)
	p, err := l.invocations.add(id, streamKind, capacity)
	if err != nil {
		return resultChanWithError(err)
	}
	invocation := hubprotocol.InvocationMessage{
		Type:         hubprotocol.StreamInvocationType,
		Target:       method,
		InvocationID: id,
		Arguments:    arguments,
		StreamIds:    uploads.ids(),
	}
	if err := l.write(invocation); err != nil {
		l.invocations.fail(id, err)
		return p.ch
	}
	uploads.start(l)
	go func() {
		select {
		case <-ctx.Done():
			if _, ok := l.invocations.get(id); !ok {
				return
			}
			if err := l.write(hubprotocol.CancelInvocationMessage{
				Type:         hubprotocol.CancelInvocationType,
				InvocationID: id,
			}); err != nil {
				_ = l.dbg.Log(evt, "cancel stream", "error", err)
			}
			l.invocations.fail(id, ctx.Err())
		case <-p.done:
		}
	}()
	return p.ch
}

type upload struct {
	id      string
	channel reflect.Value
}

type uploads []upload

func (u uploads) ids() []string {
	if len(u) == 0 {
		return nil
	}
	ids := make([]string, len(u))
	for i, up := range u {
		ids[i] = up.id
	}
	return ids
}

// start pushes the items of all upload channels to the server. Each stream is completed when its channel is closed.
func (u uploads) start(l *loop) {
	for _, up := range u {
		go l.pushStream(up)
	}
}

// splitUploads removes the receivable channels from arguments and assigns a stream id to each of them.
func (l *loop) splitUploads(arguments []interface{}) ([]interface{}, uploads) {
	var ups uploads
	plain := make([]interface{}, 0, len(arguments))
	for _, argument := range arguments {
		value := reflect.ValueOf(argument)
		if value.Kind() == reflect.Chan && value.Type().ChanDir()&reflect.RecvDir != 0 {
			ups = append(ups, upload{id: l.hc.nextID(), channel: value})
			continue
		}
		plain = append(plain, argument)
	}
	return plain, ups
}

func (l *loop) pushStream(up upload) {
	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: up.channel},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.ctx.Done())},
	}
	for {
		chosen, item, ok := reflect.Select(cases)
		if chosen == 1 {
			return
		}
		if !ok {
			if err := l.write(hubprotocol.CompletionMessage{
				Type:         hubprotocol.CompletionType,
				InvocationID: up.id,
			}); err != nil {
				_ = l.dbg.Log(evt, "upload completion", "error", err, "streamId", up.id)
			}
			return
		}
		if err := l.write(hubprotocol.StreamItemMessage{
			Type:         hubprotocol.StreamItemType,
			InvocationID: up.id,
			Item:         item.Interface(),
		}); err != nil {
			_ = l.dbg.Log(evt, "upload item", "error", err, "streamId", up.id)
			return
		}
	}
}
