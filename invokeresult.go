package signalr

import (
	"github.com/hubkit/signalr/hubprotocol"
)

// InvokeResult is the combined value/error result for async invocations. Used as channel type.
// Value is the result decoded into an interface{}. Use Unmarshal to decode it into a specific type.
type InvokeResult struct {
	Value interface{}
	Error error

	raw      interface{}
	protocol hubprotocol.Protocol
}

// Unmarshal decodes the raw result into dst, which must be a pointer.
// Results with an Error or without a value leave dst unchanged.
func (r InvokeResult) Unmarshal(dst interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if r.raw == nil || r.protocol == nil {
		return nil
	}
	return r.protocol.UnmarshalArgument(r.raw, dst)
}

func newValueResult(protocol hubprotocol.Protocol, raw interface{}) InvokeResult {
	result := InvokeResult{raw: raw, protocol: protocol}
	if raw != nil {
		if err := protocol.UnmarshalArgument(raw, &result.Value); err != nil {
			result.Error = err
		}
	}
	return result
}

func errorResult(err error) InvokeResult {
	return InvokeResult{Error: err}
}

// resultChanWithError returns a closed channel which only contains err.
func resultChanWithError(err error) <-chan InvokeResult {
	ch := make(chan InvokeResult, 1)
	ch <- errorResult(err)
	close(ch)
	return ch
}

func errChanWithError(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
