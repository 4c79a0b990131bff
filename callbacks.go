package signalr

// The *WithCallback variants report the outcome of an operation to a callback instead of a channel.
// The callback is called exactly once, from a goroutine of its own.

// StartWithCallback starts the connection like Start and calls done with nil on success or with the start error.
func (h *HubConnection) StartWithCallback(done func(err error)) {
	awaitErr(h.Start(), done)
}

// StopWithCallback stops the connection like Stop and calls done when the HubConnection is Disconnected.
func (h *HubConnection) StopWithCallback(done func(err error)) {
	awaitErr(h.Stop(), done)
}

// SendWithCallback sends like Send and calls done when the invocation was sent or could not be sent.
func (h *HubConnection) SendWithCallback(method string, arguments []interface{}, done func(err error)) {
	awaitErr(h.Send(method, arguments...), done)
}

// InvokeWithCallback invokes like Invoke and calls done with the result value or the error of the invocation.
func (h *HubConnection) InvokeWithCallback(method string, arguments []interface{}, done func(value interface{}, err error)) {
	ch := h.Invoke(method, arguments...)
	go func() {
		result, ok := <-ch
		if !ok {
			done(nil, ErrConnectionClosed)
			return
		}
		done(result.Value, result.Error)
	}()
}

func awaitErr(ch <-chan error, done func(err error)) {
	go func() {
		err, ok := <-ch
		if !ok {
			err = ErrConnectionClosed
		}
		done(err)
	}()
}
