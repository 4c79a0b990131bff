package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Doer is the *http.Client interface
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxNegotiateRedirects = 100

// HTTPOption configures the negotiation and the websocket of NewHTTPConnection.
type HTTPOption func(*httpConnection) error

type httpConnection struct {
	client          Doer
	headers         func() http.Header
	skipNegotiation bool
	binary          bool
	accessToken     string
}

// WithHTTPClient sets the http client used to negotiate with the signalR server.
// The client is only used for http requests. It is not used for the websocket connection.
func WithHTTPClient(client Doer) HTTPOption {
	return func(c *httpConnection) error {
		c.client = client
		return nil
	}
}

// WithHTTPHeaders sets the function for providing request headers for HTTP and websocket requests
func WithHTTPHeaders(headers func() http.Header) HTTPOption {
	return func(c *httpConnection) error {
		c.headers = headers
		return nil
	}
}

// WithSkipNegotiation connects directly with a websocket, without asking the server for transports.
// Only servers with a single instance and websockets enabled accept this.
func WithSkipNegotiation() HTTPOption {
	return func(c *httpConnection) error {
		c.skipNegotiation = true
		return nil
	}
}

// withBinaryFormat selects binary websocket messages. Set by the HubConnection for the messagepack protocol.
func withBinaryFormat(binary bool) HTTPOption {
	return func(c *httpConnection) error {
		c.binary = binary
		return nil
	}
}

// NewHTTPConnection negotiates with the server at address and opens a websocket Connection.
// ctx is the lifetime of the Connection: when it is done, the websocket is closed.
func NewHTTPConnection(ctx context.Context, address string, options ...HTTPOption) (Connection, error) {
	httpConn := &httpConnection{}
	for _, option := range options {
		if option != nil {
			if err := option(httpConn); err != nil {
				return nil, err
			}
		}
	}
	if httpConn.client == nil {
		httpConn.client = http.DefaultClient
	}

	reqURL, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	connectionID := uuid.NewString()
	var cookies []*http.Cookie
	if !httpConn.skipNegotiation {
		var nr *negotiateResponse
		nr, reqURL, cookies, err = httpConn.negotiate(ctx, reqURL)
		if err != nil {
			return nil, err
		}
		connectionID = nr.ConnectionID
		q := reqURL.Query()
		q.Set("id", nr.connectionToken())
		reqURL.RawQuery = q.Encode()
	}

	wsURL := *reqURL
	// switch to wss for secure connection
	switch reqURL.Scheme {
	case "https", "wss":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	opts := &websocket.DialOptions{HTTPHeader: httpConn.requestHeader()}
	// websocket.Dial rejects clients with a timeout, the dial is bounded by ctx anyway
	if c, ok := httpConn.client.(*http.Client); ok && c.Timeout == 0 {
		opts.HTTPClient = c
	}
	for _, cookie := range cookies {
		opts.HTTPHeader.Add("Cookie", cookie.String())
	}

	ws, _, err := websocket.Dial(ctx, wsURL.String(), opts)
	if err != nil {
		return nil, err
	}
	return newWebSocketConnection(ctx, connectionID, ws, httpConn.binary), nil
}

// negotiate asks the server for a connection id and follows redirects to other endpoints.
func (h *httpConnection) negotiate(ctx context.Context, reqURL *url.URL) (*negotiateResponse, *url.URL, []*http.Cookie, error) {
	format := TransferFormatText
	if h.binary {
		format = TransferFormatBinary
	}
	for i := 0; i < maxNegotiateRedirects; i++ {
		negotiateURL := *reqURL
		negotiateURL.Path = path.Join(negotiateURL.Path, "negotiate")
		q := negotiateURL.Query()
		q.Set("negotiateVersion", "1")
		negotiateURL.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, "POST", negotiateURL.String(), nil)
		if err != nil {
			return nil, nil, nil, err
		}
		req.Header = h.requestHeader()

		nr, cookies, err := h.doNegotiate(req)
		if err != nil {
			return nil, nil, nil, err
		}
		if nr.Error != "" {
			return nil, nil, nil, fmt.Errorf("negotiate: %w", &HubError{Message: nr.Error})
		}
		if nr.URL != "" {
			if reqURL, err = url.Parse(nr.URL); err != nil {
				return nil, nil, nil, err
			}
			if nr.AccessToken != "" {
				h.accessToken = nr.AccessToken
			}
			continue
		}
		if !nr.hasTransport(TransportWebSockets, format) {
			return nil, nil, nil, fmt.Errorf("server does not support %v with transfer format %v", TransportWebSockets, format)
		}
		return nr, reqURL, cookies, nil
	}
	return nil, nil, nil, errors.New("negotiate redirection limit exceeded")
}

func (h *httpConnection) doNegotiate(req *http.Request) (*negotiateResponse, []*http.Cookie, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { closeResponseBody(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, &negotiateError{status: resp.Status, url: req.URL.String()}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	nr := &negotiateResponse{}
	if err := json.Unmarshal(body, nr); err != nil {
		return nil, nil, err
	}
	return nr, resp.Cookies(), nil
}

func (h *httpConnection) requestHeader() http.Header {
	header := http.Header{}
	if h.headers != nil {
		if hh := h.headers(); hh != nil {
			header = hh.Clone()
		}
	}
	if h.accessToken != "" {
		header.Set("Authorization", "Bearer "+h.accessToken)
	}
	return header
}

// closeResponseBody reads a http response body to the end and closes it
// See https://blog.cubieserver.de/2022/http-connection-reuse-in-go-clients/
// The body needs to be fully read and closed, otherwise the connection will not be reused
func closeResponseBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
