package signalr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/hubkit/signalr/hubprotocol"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// handlers holds the callbacks registered with On. Method names are case-insensitive.
type handlers struct {
	mx      sync.RWMutex
	methods map[string]reflect.Value
}

func newHandlers() *handlers {
	return &handlers{methods: make(map[string]reflect.Value)}
}

func (h *handlers) on(method string, handler interface{}) error {
	if method == "" {
		return errors.New("method name must not be empty")
	}
	fn := reflect.ValueOf(handler)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return fmt.Errorf("handler for %v must be a func, got %T", method, handler)
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	h.methods[strings.ToLower(method)] = fn
	return nil
}

func (h *handlers) off(method string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	delete(h.methods, strings.ToLower(method))
}

func (h *handlers) get(method string) (reflect.Value, bool) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	fn, ok := h.methods[strings.ToLower(method)]
	return fn, ok
}

// buildArguments decodes the raw invocation arguments into the parameter types of fn.
// The last parameter of a variadic fn takes all remaining arguments.
func buildArguments(fn reflect.Value, arguments []interface{}, protocol hubprotocol.Protocol) ([]reflect.Value, error) {
	t := fn.Type()
	numIn := t.NumIn()
	fixed := numIn
	if t.IsVariadic() {
		fixed--
		if len(arguments) < fixed {
			return nil, fmt.Errorf("handler expects at least %v arguments, got %v", fixed, len(arguments))
		}
	} else if len(arguments) != numIn {
		return nil, fmt.Errorf("handler expects %v arguments, got %v", numIn, len(arguments))
	}
	in := make([]reflect.Value, len(arguments))
	for i, argument := range arguments {
		var argType reflect.Type
		if i < fixed {
			argType = t.In(i)
		} else {
			argType = t.In(numIn - 1).Elem()
		}
		value := reflect.New(argType)
		if err := protocol.UnmarshalArgument(argument, value.Interface()); err != nil {
			return nil, fmt.Errorf("argument %v: %w", i, err)
		}
		in[i] = value.Elem()
	}
	return in, nil
}

// handlerResult maps the return values of a handler to a client result.
// A non-nil error as last return value is the error result, otherwise the first value is the result.
func handlerResult(out []reflect.Value) (interface{}, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	if last.Type() == errorType {
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Interface(), nil
}
