package hubprotocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
)

// Protocol is a SignalR hub protocol: it frames, encodes and decodes hub messages.
type Protocol interface {
	// Name is the protocol name used in the handshake, "json" or "messagepack".
	Name() string
	// Binary reports if the protocol needs a transport with binary transfer format.
	Binary() bool
	// ReadMessages reads from reader until at least one complete message is available and returns
	// all complete messages. Data belonging to incomplete messages is kept in remainBuf.
	ReadMessages(reader io.Reader, remainBuf *bytes.Buffer) ([]interface{}, error)
	// WriteMessage writes message with a single Write call.
	WriteMessage(message interface{}, writer io.Writer) error
	// UnmarshalArgument decodes a raw argument, item or result into dst, which must be a pointer.
	UnmarshalArgument(src interface{}, dst interface{}) error
	SetDebugLogger(dbg log.Logger)
}

// ForName returns a fresh Protocol for the handshake protocol name.
func ForName(name string) (Protocol, error) {
	switch name {
	case "json":
		return &JSONProtocol{dbg: log.NewNopLogger()}, nil
	case "messagepack":
		return &MessagePackProtocol{dbg: log.NewNopLogger()}, nil
	default:
		return nil, fmt.Errorf("protocol %q is not supported", name)
	}
}

// ErrFrameTooLarge is returned when a message exceeds the maximum frame size.
var ErrFrameTooLarge = errors.New("hubprotocol: frame too large")

// MaxFrameSize is the upper bound for a single message.
const MaxFrameSize = 1 << 24

type splitFunc func(data []byte) (frames [][]byte, consumed int, err error)

// readFrames returns complete frames available in remainBuf, reading from reader when there are none.
func readFrames(reader io.Reader, remainBuf *bytes.Buffer, split splitFunc) ([][]byte, error) {
	p := make([]byte, 1<<15)
	for {
		frames, consumed, err := split(remainBuf.Bytes())
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			remainBuf.Next(consumed)
			return frames, nil
		}
		if remainBuf.Len() > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		n, err := reader.Read(p)
		if n > 0 {
			_, _ = remainBuf.Write(p[:n])
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}

func splitTextFrames(data []byte) ([][]byte, int, error) {
	var frames [][]byte
	consumed := 0
	for {
		i := bytes.IndexByte(data[consumed:], RecordSeparator)
		if i == -1 {
			return frames, consumed, nil
		}
		frame := make([]byte, i)
		copy(frame, data[consumed:consumed+i])
		frames = append(frames, frame)
		consumed += i + 1
	}
}

// ReadHandshake reads the JSON handshake frame. Everything after the record separator stays in remainBuf,
// so a message following the handshake in the same transport read is not lost.
func ReadHandshake(reader io.Reader, remainBuf *bytes.Buffer) ([]byte, error) {
	frames, err := readFrames(reader, remainBuf, func(data []byte) ([][]byte, int, error) {
		i := bytes.IndexByte(data, RecordSeparator)
		if i == -1 {
			return nil, 0, nil
		}
		frame := make([]byte, i)
		copy(frame, data[:i])
		return [][]byte{frame}, i + 1, nil
	})
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// WriteHandshake writes a handshake request or response as JSON frame.
func WriteHandshake(message interface{}, writer io.Writer) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	_, err = writer.Write(append(b, RecordSeparator))
	return err
}
