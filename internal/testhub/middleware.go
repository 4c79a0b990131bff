package testhub

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
)

// logRequests logs status, method, uri and duration of every request.
func logRequests(logger log.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h.ServeHTTP(wrapped, r)
		_ = logger.Log(evt, "request", "status", wrapped.status, "method", r.Method,
			"uri", r.URL.String(), "duration", time.Since(start))
	})
}

// statusRecorder captures the status code written by the handler.
// It passes Hijack through, so websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.Hijacker not implemented")
	}
	rw.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
