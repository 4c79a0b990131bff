package testhub

import (
	"context"
	"fmt"
	"strings"

	"github.com/hubkit/signalr/hubprotocol"
)

// call is one invocation of a hub method.
type call struct {
	s          *session
	invocation hubprotocol.InvocationMessage
	ctx        context.Context
	uploads    []chan interface{}
}

// arg decodes the argument at index i into dst.
func (c *call) arg(i int, dst interface{}) error {
	if i >= len(c.invocation.Arguments) {
		return fmt.Errorf("%v expects at least %v arguments", c.invocation.Target, i+1)
	}
	return c.s.protocol.UnmarshalArgument(c.invocation.Arguments[i], dst)
}

func (c *call) upload(i int) (<-chan interface{}, error) {
	if i >= len(c.uploads) {
		return nil, fmt.Errorf("%v expects %v streams", c.invocation.Target, i+1)
	}
	return c.uploads[i], nil
}

// streamItem sends one item of a server stream.
func (c *call) streamItem(item interface{}) error {
	return c.s.write(hubprotocol.StreamItemMessage{
		Type:         hubprotocol.StreamItemType,
		InvocationID: c.invocation.InvocationID,
		Item:         item,
	})
}

// hubMethod returns the completion result of an invocation. Stream methods send their items with call.streamItem
// and return nil.
type hubMethod func(c *call) (interface{}, error)

var hubMethods = map[string]hubMethod{
	"echo":                        echo,
	"invoke":                      invoke,
	"invokewithoutreturn":         invokeWithoutReturn,
	"stream":                      stream,
	"count":                       count,
	"addnumbers":                  addNumbers,
	"invokewithclientresult":      invokeWithClientResult,
	"invokewithemptyclientresult": invokeWithEmptyClientResult,
	"sendechoback":                sendEchoBack,
}

func normalize(target string) string {
	return strings.ToLower(target)
}

// echo sends the arguments back to the client methods Echo and EchoBack and returns the first one.
func echo(c *call) (interface{}, error) {
	arguments := c.invocation.Arguments
	for _, target := range []string{"Echo", "EchoBack"} {
		if err := c.s.send(target, arguments...); err != nil {
			return nil, err
		}
	}
	if len(arguments) == 0 {
		return nil, nil
	}
	return arguments[0], nil
}

// invoke returns its second argument.
func invoke(c *call) (interface{}, error) {
	if len(c.invocation.Arguments) < 2 {
		return nil, fmt.Errorf("invoke expects 2 arguments, got %v", len(c.invocation.Arguments))
	}
	return c.invocation.Arguments[1], nil
}

func invokeWithoutReturn(*call) (interface{}, error) {
	return nil, nil
}

// stream streams "a", "b" and "c".
func stream(c *call) (interface{}, error) {
	for _, item := range []string{"a", "b", "c"} {
		if err := c.ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.streamItem(item); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// count streams start+1, start+2, ... one item for each item uploaded by the client.
func count(c *call) (interface{}, error) {
	var start int
	if err := c.arg(0, &start); err != nil {
		return nil, err
	}
	upload, err := c.upload(0)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case _, ok := <-upload:
			if !ok {
				return nil, nil
			}
			start++
			if err := c.streamItem(start); err != nil {
				return nil, err
			}
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// addNumbers sends EchoBack(start) and returns start plus the sum of all uploaded numbers.
func addNumbers(c *call) (interface{}, error) {
	var start int
	if err := c.arg(0, &start); err != nil {
		return nil, err
	}
	upload, err := c.upload(0)
	if err != nil {
		return nil, err
	}
	if err := c.s.send("EchoBack", start); err != nil {
		return nil, err
	}
	sum := start
	for {
		select {
		case item, ok := <-upload:
			if !ok {
				return sum, nil
			}
			var n int
			if err := c.s.protocol.UnmarshalArgument(item, &n); err != nil {
				return nil, err
			}
			sum += n
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// invokeWithClientResult asks the client method ClientResult for a result, sends it to EchoBack and returns it.
func invokeWithClientResult(c *call) (interface{}, error) {
	if len(c.invocation.Arguments) < 1 {
		return nil, fmt.Errorf("invokeWithClientResult expects 1 argument")
	}
	result, err := c.s.invokeClient(c.ctx, "ClientResult", c.invocation.Arguments[0])
	if err != nil {
		return nil, err
	}
	if err := c.s.send("EchoBack", result); err != nil {
		return nil, err
	}
	return result, nil
}

// sendEchoBack sends its arguments to the client method EchoBack.
func sendEchoBack(c *call) (interface{}, error) {
	return nil, c.s.send("EchoBack", c.invocation.Arguments...)
}

// invokeWithEmptyClientResult expects the client method ClientResult to answer without a value
// and confirms that with EchoBack("received").
func invokeWithEmptyClientResult(c *call) (interface{}, error) {
	if len(c.invocation.Arguments) < 1 {
		return nil, fmt.Errorf("invokeWithEmptyClientResult expects 1 argument")
	}
	result, err := c.s.invokeClient(c.ctx, "ClientResult", c.invocation.Arguments[0])
	if err != nil {
		return nil, err
	}
	if result != nil {
		var value interface{}
		if err := c.s.protocol.UnmarshalArgument(result, &value); err != nil {
			return nil, err
		}
		if value != nil {
			return nil, fmt.Errorf("expected an empty client result, got %v", value)
		}
	}
	return nil, c.s.send("EchoBack", "received")
}
