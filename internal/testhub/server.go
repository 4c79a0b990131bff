// Package testhub is a SignalR hub server which offers the methods the hub connection client is tested against.
// It speaks the json and the messagepack hub protocol over websockets.
package testhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server serves the test hub. Sessions live until the client closes them, CloseSessions is called,
// or the context passed to NewServer is done.
type Server struct {
	ctx               context.Context
	info              log.Logger
	dbg               log.Logger
	keepAliveInterval time.Duration
	logRequests       bool
	upgrader          websocket.Upgrader

	mx         sync.Mutex
	negotiated map[string]string // connectionToken -> connectionId
	sessions   map[string]*session
}

// Logger sets the logger of the Server. If debug is true, debug log events are generated, too.
func Logger(logger log.Logger, debug bool) func(*Server) error {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		if debug {
			logger = level.NewFilter(logger, level.AllowDebug())
		} else {
			logger = level.NewFilter(logger, level.AllowInfo())
		}
		s.info, s.dbg = level.Info(logger), level.Debug(logger)
		return nil
	}
}

// KeepAliveInterval is the interval in which the server sends pings. Default is 15 seconds.
func KeepAliveInterval(interval time.Duration) func(*Server) error {
	return func(s *Server) error {
		if interval <= 0 {
			return fmt.Errorf("invalid keep alive interval %v", interval)
		}
		s.keepAliveInterval = interval
		return nil
	}
}

// LogRequests logs every http request the Server handles.
func LogRequests() func(*Server) error {
	return func(s *Server) error {
		s.logRequests = true
		return nil
	}
}

// NewServer creates a Server. ctx is the lifetime of all sessions.
func NewServer(ctx context.Context, options ...func(*Server) error) (*Server, error) {
	s := &Server{
		ctx:               ctx,
		keepAliveInterval: 15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1 << 12,
			WriteBufferSize: 1 << 12,
		},
		negotiated: make(map[string]string),
		sessions:   make(map[string]*session),
	}
	if err := Logger(log.NewLogfmtLogger(os.Stderr), false)(s); err != nil {
		return nil, err
	}
	for _, option := range options {
		if option != nil {
			if err := option(s); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Handler returns the http.Handler which serves the hub at path, e.g. "/test".
// Clients negotiate with POST path/negotiate and connect with GET path.
func (s *Server) Handler(path string) http.Handler {
	path = "/" + strings.Trim(path, "/")
	router := mux.NewRouter()
	router.HandleFunc(strings.TrimSuffix(path, "/")+"/negotiate", s.negotiate).Methods(http.MethodPost)
	router.HandleFunc(path, s.serveWebsocket).Methods(http.MethodGet)
	if s.logRequests {
		router.Use(func(next http.Handler) http.Handler {
			return logRequests(s.info, next)
		})
	}
	return router
}

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionToken     string               `json:"connectionToken,omitempty"`
	ConnectionID        string               `json:"connectionId"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []availableTransport `json:"availableTransports"`
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	response := negotiateResponse{
		ConnectionID: uuid.NewString(),
		AvailableTransports: []availableTransport{{
			Transport:       "WebSockets",
			TransferFormats: []string{"Text", "Binary"},
		}},
	}
	token := response.ConnectionID
	if r.URL.Query().Get("negotiateVersion") == "1" {
		response.NegotiateVersion = 1
		response.ConnectionToken = uuid.NewString()
		token = response.ConnectionToken
	}
	s.mx.Lock()
	s.negotiated[token] = response.ConnectionID
	s.mx.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")
	s.mx.Lock()
	connectionID, ok := s.negotiated[token]
	delete(s.negotiated, token)
	s.mx.Unlock()
	if token == "" {
		// Clients which skip negotiation
		connectionID, ok = uuid.NewString(), true
	}
	if !ok {
		http.Error(w, "No Connection with that ID", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = s.dbg.Log(evt, "upgrade", "error", err)
		return
	}
	sess := newSession(s, connectionID, conn)
	s.mx.Lock()
	s.sessions[connectionID] = sess
	s.mx.Unlock()
	defer func() {
		s.mx.Lock()
		delete(s.sessions, connectionID)
		s.mx.Unlock()
	}()
	if err := sess.serve(); err != nil {
		_ = s.info.Log(evt, "session ended", "connection", connectionID, "error", err)
	}
}

// CloseSessions sends a close message to all connected clients and ends their sessions.
func (s *Server) CloseSessions(closeErr string, allowReconnect bool) {
	for _, sess := range s.activeSessions() {
		sess.close(closeErr, allowReconnect)
	}
}

// DropSessions ends all sessions without close message, as if the network failed.
func (s *Server) DropSessions() {
	for _, sess := range s.activeSessions() {
		sess.drop()
	}
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.sessions)
}

func (s *Server) activeSessions() []*session {
	s.mx.Lock()
	defer s.mx.Unlock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

const (
	evt = "event"
	msg = "message"
)
