package hubprotocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-kit/log"
)

// JSONProtocol is the text based hub protocol. Messages are JSON objects terminated by RecordSeparator.
type JSONProtocol struct {
	dbg log.Logger
}

// jsonMessage holds the union of all message fields, so a message needs to be unmarshaled only once.
type jsonMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target"`
	InvocationID   string            `json:"invocationId"`
	Arguments      []json.RawMessage `json:"arguments"`
	StreamIds      []string          `json:"streamIds"`
	Item           json.RawMessage   `json:"item"`
	Result         json.RawMessage   `json:"result"`
	Error          string            `json:"error"`
	AllowReconnect bool              `json:"allowReconnect"`
}

type jsonError struct {
	raw string
	err error
}

func (j *jsonError) Error() string {
	return fmt.Sprintf("%v (source: %v)", j.err, j.raw)
}

func (j *jsonError) Unwrap() error {
	return j.err
}

func (j *JSONProtocol) Name() string {
	return "json"
}

func (j *JSONProtocol) Binary() bool {
	return false
}

func (j *JSONProtocol) ReadMessages(reader io.Reader, remainBuf *bytes.Buffer) ([]interface{}, error) {
	frames, err := readFrames(reader, remainBuf, splitTextFrames)
	if err != nil {
		return nil, err
	}
	messages := make([]interface{}, 0, len(frames))
	for _, frame := range frames {
		message, err := j.parseMessage(frame)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (j *JSONProtocol) parseMessage(data []byte) (interface{}, error) {
	_ = j.debugLogger().Log(evt, "read", msg, string(data))
	message := jsonMessage{}
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, &jsonError{string(data), err}
	}
	switch message.Type {
	case InvocationType, StreamInvocationType:
		arguments := make([]interface{}, len(message.Arguments))
		for i, a := range message.Arguments {
			arguments[i] = a
		}
		return InvocationMessage{
			Type:         message.Type,
			Target:       message.Target,
			InvocationID: message.InvocationID,
			Arguments:    arguments,
			StreamIds:    message.StreamIds,
		}, nil
	case StreamItemType:
		return StreamItemMessage{
			Type:         message.Type,
			InvocationID: message.InvocationID,
			Item:         rawOrNil(message.Item),
		}, nil
	case CompletionType:
		return CompletionMessage{
			Type:         message.Type,
			InvocationID: message.InvocationID,
			Result:       rawOrNil(message.Result),
			Error:        message.Error,
		}, nil
	case CancelInvocationType:
		return CancelInvocationMessage{
			Type:         message.Type,
			InvocationID: message.InvocationID,
		}, nil
	case CloseType:
		return CloseMessage{
			Type:           message.Type,
			Error:          message.Error,
			AllowReconnect: message.AllowReconnect,
		}, nil
	default:
		return HubMessage{Type: message.Type}, nil
	}
}

// rawOrNil keeps a nil interface for absent values, so a void completion has a nil Result.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (j *JSONProtocol) WriteMessage(message interface{}, writer io.Writer) error {
	if invocation, ok := message.(InvocationMessage); ok && invocation.Arguments == nil {
		// The other party expects an array, not null
		invocation.Arguments = make([]interface{}, 0)
		message = invocation
	}
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	_ = j.debugLogger().Log(evt, "write", msg, string(b))
	_, err = writer.Write(append(b, RecordSeparator))
	return err
}

// UnmarshalArgument decodes a json.RawMessage into dst.
func (j *JSONProtocol) UnmarshalArgument(src interface{}, dst interface{}) error {
	raw, ok := src.(json.RawMessage)
	if !ok {
		return fmt.Errorf("invalid source %#v for UnmarshalArgument", src)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &jsonError{string(raw), err}
	}
	return nil
}

func (j *JSONProtocol) SetDebugLogger(dbg log.Logger) {
	j.dbg = log.WithPrefix(dbg, "protocol", "JSON")
}

func (j *JSONProtocol) debugLogger() log.Logger {
	if j.dbg == nil {
		return log.NewNopLogger()
	}
	return j.dbg
}

const (
	evt = "event"
	msg = "message"
)
