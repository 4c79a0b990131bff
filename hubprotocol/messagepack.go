package hubprotocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/vmihailenco/msgpack/v5"
)

// MessagePackProtocol is the binary hub protocol. Every message is an array prefixed by its varint encoded length.
type MessagePackProtocol struct {
	dbg log.Logger
}

const (
	resultKindError   = 1
	resultKindVoid    = 2
	resultKindNonVoid = 3
)

func (m *MessagePackProtocol) Name() string {
	return "messagepack"
}

func (m *MessagePackProtocol) Binary() bool {
	return true
}

func (m *MessagePackProtocol) ReadMessages(reader io.Reader, remainBuf *bytes.Buffer) ([]interface{}, error) {
	frames, err := readFrames(reader, remainBuf, splitBinaryFrames)
	if err != nil {
		return nil, err
	}
	messages := make([]interface{}, 0, len(frames))
	for _, frame := range frames {
		message, err := m.parseMessage(bytes.NewBuffer(frame))
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func splitBinaryFrames(data []byte) ([][]byte, int, error) {
	var frames [][]byte
	consumed := 0
	for consumed < len(data) {
		frameLen, lenLen := binary.Uvarint(data[consumed:])
		if lenLen == 0 {
			// Not enough bytes to decode the length
			break
		}
		if lenLen < 0 || lenLen > 5 || frameLen > MaxFrameSize {
			return nil, 0, fmt.Errorf("messagepack frame length: %w", ErrFrameTooLarge)
		}
		start := consumed + lenLen
		if uint64(len(data)-start) < frameLen {
			break
		}
		frame := make([]byte, frameLen)
		copy(frame, data[start:start+int(frameLen)])
		frames = append(frames, frame)
		consumed = start + int(frameLen)
	}
	return frames, consumed, nil
}

func newDecoder(r io.Reader) *msgpack.Decoder {
	decoder := msgpack.NewDecoder(r)
	// Default map decoding expects all maps to have string keys
	decoder.SetMapDecoder(func(decoder *msgpack.Decoder) (interface{}, error) {
		return decoder.DecodeUntypedMap()
	})
	// Ensure uppercase/lowercase mapping for struct member names
	decoder.SetCustomStructTag("json")
	return decoder
}

func (m *MessagePackProtocol) parseMessage(buf *bytes.Buffer) (interface{}, error) {
	_ = m.debugLogger().Log(evt, "read", msg, fmt.Sprintf("%x", buf.Bytes()))
	decoder := newDecoder(buf)
	msgLen, err := decoder.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	msgType, err := decoder.DecodeInt()
	if err != nil {
		return nil, err
	}
	// Ping and Close have no headers, all others start with a header map which is ignored
	if msgType != PingType && msgType != CloseType {
		if _, err = decoder.DecodeUntypedMap(); err != nil {
			return nil, err
		}
	}
	switch msgType {
	case InvocationType, StreamInvocationType:
		if msgLen < 5 {
			return nil, fmt.Errorf("invalid invocationMessage length %v", msgLen)
		}
		invocationID, err := decodeNilableString(decoder)
		if err != nil {
			return nil, err
		}
		invocation := InvocationMessage{
			Type:         msgType,
			InvocationID: invocationID,
		}
		if invocation.Target, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		argLen, err := decoder.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		invocation.Arguments = make([]interface{}, 0, argLen)
		for i := 0; i < argLen; i++ {
			argument, err := decoder.DecodeRaw()
			if err != nil {
				return nil, err
			}
			invocation.Arguments = append(invocation.Arguments, argument)
		}
		// StreamIds are optional
		if msgLen > 5 {
			streamIDLen, err := decoder.DecodeArrayLen()
			if err != nil {
				return nil, err
			}
			for i := 0; i < streamIDLen; i++ {
				streamID, err := decoder.DecodeString()
				if err != nil {
					return nil, err
				}
				invocation.StreamIds = append(invocation.StreamIds, streamID)
			}
		}
		return invocation, nil
	case StreamItemType:
		if msgLen != 4 {
			return nil, fmt.Errorf("invalid streamItemMessage length %v", msgLen)
		}
		streamItem := StreamItemMessage{Type: StreamItemType}
		if streamItem.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		if streamItem.Item, err = decoder.DecodeRaw(); err != nil {
			return nil, err
		}
		return streamItem, nil
	case CompletionType:
		if msgLen < 4 {
			return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
		}
		completion := CompletionMessage{Type: CompletionType}
		if completion.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		resultKind, err := decoder.DecodeInt8()
		if err != nil {
			return nil, err
		}
		switch resultKind {
		case resultKindError:
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			if completion.Error, err = decoder.DecodeString(); err != nil {
				return nil, err
			}
		case resultKindVoid:
		case resultKindNonVoid:
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			if completion.Result, err = decoder.DecodeRaw(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("invalid resultKind %v", resultKind)
		}
		return completion, nil
	case CancelInvocationType:
		if msgLen != 3 {
			return nil, fmt.Errorf("invalid cancelInvocationMessage length %v", msgLen)
		}
		cancelInvocation := CancelInvocationMessage{Type: CancelInvocationType}
		if cancelInvocation.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		return cancelInvocation, nil
	case PingType:
		return HubMessage{Type: PingType}, nil
	case CloseType:
		if msgLen < 2 {
			return nil, fmt.Errorf("invalid closeMessage length %v", msgLen)
		}
		closeMessage := CloseMessage{Type: CloseType}
		if closeMessage.Error, err = decodeNilableString(decoder); err != nil {
			return nil, err
		}
		if msgLen > 2 {
			if closeMessage.AllowReconnect, err = decoder.DecodeBool(); err != nil {
				return nil, err
			}
		}
		return closeMessage, nil
	default:
		return HubMessage{Type: msgType}, nil
	}
}

func decodeNilableString(decoder *msgpack.Decoder) (string, error) {
	raw, err := decoder.DecodeInterface()
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("invalid string value %#v", raw)
	}
	return s, nil
}

func (m *MessagePackProtocol) WriteMessage(message interface{}, writer io.Writer) error {
	buf := &bytes.Buffer{}
	encoder := msgpack.NewEncoder(buf)
	encoder.SetCustomStructTag("json")
	if err := m.encodeMessage(encoder, message); err != nil {
		return err
	}
	// Single frame with length prefix, written at once
	lenBuf := make([]byte, binary.MaxVarintLen32)
	lenLen := binary.PutUvarint(lenBuf, uint64(buf.Len()))
	frame := make([]byte, 0, lenLen+buf.Len())
	frame = append(frame, lenBuf[:lenLen]...)
	frame = append(frame, buf.Bytes()...)
	_ = m.debugLogger().Log(evt, "write", msg, fmt.Sprintf("%#v", message))
	_, err := writer.Write(frame)
	return err
}

func (m *MessagePackProtocol) encodeMessage(encoder *msgpack.Encoder, message interface{}) error {
	switch msg := message.(type) {
	case InvocationMessage:
		if err := encodeMsgHeader(encoder, 6, msg.Type); err != nil {
			return err
		}
		if err := encodeNilableString(encoder, msg.InvocationID); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.Target); err != nil {
			return err
		}
		if err := encoder.EncodeArrayLen(len(msg.Arguments)); err != nil {
			return err
		}
		for _, arg := range msg.Arguments {
			if err := encodeValue(encoder, arg); err != nil {
				return err
			}
		}
		if err := encoder.EncodeArrayLen(len(msg.StreamIds)); err != nil {
			return err
		}
		for _, id := range msg.StreamIds {
			if err := encoder.EncodeString(id); err != nil {
				return err
			}
		}
	case StreamItemMessage:
		if err := encodeMsgHeader(encoder, 4, msg.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.InvocationID); err != nil {
			return err
		}
		if err := encodeValue(encoder, msg.Item); err != nil {
			return err
		}
	case CompletionMessage:
		resultKind := int8(resultKindVoid)
		if msg.Error != "" {
			resultKind = resultKindError
		} else if msg.Result != nil {
			resultKind = resultKindNonVoid
		}
		msgLen := 5
		if resultKind == resultKindVoid {
			msgLen = 4
		}
		if err := encodeMsgHeader(encoder, msgLen, msg.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(msg.InvocationID); err != nil {
			return err
		}
		if err := encoder.EncodeInt8(resultKind); err != nil {
			return err
		}
		switch resultKind {
		case resultKindError:
			return encoder.EncodeString(msg.Error)
		case resultKindNonVoid:
			return encodeValue(encoder, msg.Result)
		}
	case CancelInvocationMessage:
		if err := encodeMsgHeader(encoder, 3, msg.Type); err != nil {
			return err
		}
		return encoder.EncodeString(msg.InvocationID)
	case HubMessage:
		if err := encoder.EncodeArrayLen(1); err != nil {
			return err
		}
		return encoder.EncodeInt(int64(msg.Type))
	case CloseMessage:
		if err := encoder.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := encoder.EncodeInt(CloseType); err != nil {
			return err
		}
		if err := encodeNilableString(encoder, msg.Error); err != nil {
			return err
		}
		return encoder.EncodeBool(msg.AllowReconnect)
	default:
		return fmt.Errorf("%T is not a hub message", message)
	}
	return nil
}

// encodeValue passes raw values received from the other party through unchanged.
func encodeValue(encoder *msgpack.Encoder, value interface{}) error {
	if raw, ok := value.(msgpack.RawMessage); ok {
		return raw.EncodeMsgpack(encoder)
	}
	return encoder.Encode(value)
}

func encodeNilableString(encoder *msgpack.Encoder, s string) error {
	if s == "" {
		return encoder.EncodeNil()
	}
	return encoder.EncodeString(s)
}

func encodeMsgHeader(e *msgpack.Encoder, msgLen int, msgType int) (err error) {
	if err = e.EncodeArrayLen(msgLen); err != nil {
		return err
	}
	if err = e.EncodeInt(int64(msgType)); err != nil {
		return err
	}
	return e.EncodeMap(map[string]interface{}{})
}

// UnmarshalArgument decodes a msgpack.RawMessage into dst.
func (m *MessagePackProtocol) UnmarshalArgument(src interface{}, dst interface{}) error {
	raw, ok := src.(msgpack.RawMessage)
	if !ok {
		return fmt.Errorf("invalid source %#v for UnmarshalArgument", src)
	}
	return newDecoder(bytes.NewReader(raw)).Decode(dst)
}

func (m *MessagePackProtocol) SetDebugLogger(dbg log.Logger) {
	m.dbg = log.WithPrefix(dbg, "protocol", "MSGP")
}

func (m *MessagePackProtocol) debugLogger() log.Logger {
	if m.dbg == nil {
		return log.NewNopLogger()
	}
	return m.dbg
}
