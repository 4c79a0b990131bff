package signalr

// TransportType is a transport offered by the server during negotiation.
type TransportType string

const (
	TransportWebSockets       TransportType = "WebSockets"
	TransportServerSentEvents TransportType = "ServerSentEvents"
	TransportLongPolling      TransportType = "LongPolling"
)

// TransferFormatType is a transfer format supported by a transport.
type TransferFormatType string

const (
	TransferFormatText   TransferFormatType = "Text"
	TransferFormatBinary TransferFormatType = "Binary"
)

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionToken     string               `json:"connectionToken,omitempty"`
	ConnectionID        string               `json:"connectionId"`
	NegotiateVersion    int                  `json:"negotiateVersion,omitempty"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	// Redirect fields, e.g. when connecting to a service which hands the client over to another endpoint
	URL         string `json:"url,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (nr *negotiateResponse) hasTransport(transportType TransportType, format TransferFormatType) bool {
	for _, transport := range nr.AvailableTransports {
		if transport.Transport != string(transportType) {
			continue
		}
		for _, f := range transport.TransferFormats {
			if f == string(format) {
				return true
			}
		}
	}
	return false
}

// connectionToken is the id used in the transport URL. Version 0 servers only send a connectionId.
func (nr *negotiateResponse) connectionToken() string {
	if nr.ConnectionToken != "" {
		return nr.ConnectionToken
	}
	return nr.ConnectionID
}
