package hubprotocol

import "fmt"

// Message types of the SignalR hub protocol.
// See https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
const (
	InvocationType       = 1
	StreamItemType       = 2
	CompletionType       = 3
	StreamInvocationType = 4
	CancelInvocationType = 5
	PingType             = 6
	CloseType            = 7
)

// RecordSeparator terminates every JSON message and the handshake.
const RecordSeparator = 0x1e

// TypeName returns a readable name for a message type, used as log and metric label.
func TypeName(messageType int) string {
	switch messageType {
	case InvocationType:
		return "invocation"
	case StreamItemType:
		return "streamitem"
	case CompletionType:
		return "completion"
	case StreamInvocationType:
		return "streaminvocation"
	case CancelInvocationType:
		return "cancelinvocation"
	case PingType:
		return "ping"
	case CloseType:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// HubMessage is the common part of all messages. Messages which carry nothing else (Ping)
// and messages of unknown type are returned as HubMessage.
type HubMessage struct {
	Type int `json:"type"`
}

// InvocationMessage is used for Invocation (type 1) and StreamInvocation (type 4).
// After parsing, Arguments contains raw, protocol specific values which have to be
// decoded with Protocol.UnmarshalArgument.
type InvocationMessage struct {
	Type         int           `json:"type"`
	Target       string        `json:"target"`
	InvocationID string        `json:"invocationId,omitempty"`
	Arguments    []interface{} `json:"arguments"`
	StreamIds    []string      `json:"streamIds,omitempty"`
}

type StreamItemMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Item         interface{} `json:"item"`
}

// CompletionMessage ends an invocation. A nil Result with an empty Error is a void completion.
type CompletionMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Result       interface{} `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type CancelInvocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
}

type CloseMessage struct {
	Type           int    `json:"type"`
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

// HandshakeRequest is sent by the client as first message, always in JSON.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the answer of the server to the HandshakeRequest.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}
