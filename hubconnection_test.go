package signalr

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hubkit/signalr/internal/testhub"
)

type testHub struct {
	server *testhub.Server
	http   *httptest.Server
	cancel context.CancelFunc
}

func startTestHub(options ...func(*testhub.Server) error) *testHub {
	ctx, cancel := context.WithCancel(context.Background())
	server, err := testhub.NewServer(ctx, append([]func(*testhub.Server) error{
		testhub.Logger(log.NewNopLogger(), false),
	}, options...)...)
	Expect(err).NotTo(HaveOccurred())
	return &testHub{server: server, http: httptest.NewServer(server.Handler("/test")), cancel: cancel}
}

func (t *testHub) url() string {
	return t.http.URL + "/test"
}

func (t *testHub) close() {
	t.cancel()
	t.http.Close()
}

func newTestHubConnection(hub *testHub, options ...func(*HubConnection) error) *HubConnection {
	conn, err := NewHubConnection(context.Background(), hub.url(), append([]func(*HubConnection) error{
		testLoggerOption(),
	}, options...)...)
	Expect(err).NotTo(HaveOccurred())
	return conn
}

var _ = Describe("HubConnection", func() {
	for _, format := range []string{"Text", "Binary"} {
		format := format
		Context("with transfer format "+format, func() {
			var hub *testHub
			var conn *HubConnection
			BeforeEach(func(done Done) {
				hub = startTestHub()
				conn = newTestHubConnection(hub, TransferFormat(format))
				Expect(<-conn.Start()).To(Succeed())
				Expect(conn.State()).To(Equal(Connected))
				close(done)
			}, 5.0)
			AfterEach(func(done Done) {
				Expect(<-conn.Stop()).To(Succeed())
				hub.close()
				close(done)
			}, 5.0)

			It("should invoke Echo and receive the echo in the Echo handler", func(done Done) {
				received := make(chan string, 1)
				Expect(conn.On("Echo", func(message string) { received <- message })).To(Succeed())
				result := <-conn.Invoke("Echo", "Hello world")
				Expect(result.Error).NotTo(HaveOccurred())
				Expect(result.Value).To(Equal("Hello world"))
				Expect(<-received).To(Equal("Hello world"))
				close(done)
			}, 5.0)
			It("should decode the result into the requested type", func(done Done) {
				result := <-conn.Invoke("Invoke", "a", 42)
				Expect(result.Error).NotTo(HaveOccurred())
				var n int
				Expect(result.Unmarshal(&n)).To(Succeed())
				Expect(n).To(Equal(42))
				close(done)
			}, 5.0)
			It("should complete void invocations without value", func(done Done) {
				result := <-conn.Invoke("InvokeWithoutReturn", "x")
				Expect(result.Error).NotTo(HaveOccurred())
				Expect(result.Value).To(BeNil())
				close(done)
			}, 5.0)
			It("should return the server error for unknown methods", func(done Done) {
				result := <-conn.Invoke("DoesNotExist")
				var hubErr *HubError
				Expect(errors.As(result.Error, &hubErr)).To(BeTrue())
				Expect(hubErr.Message).To(ContainSubstring("DoesNotExist"))
				close(done)
			}, 5.0)
			It("should receive all items of a stream", func(done Done) {
				var items []string
				for result := range conn.Stream(context.Background(), "Stream") {
					Expect(result.Error).NotTo(HaveOccurred())
					var item string
					Expect(result.Unmarshal(&item)).To(Succeed())
					items = append(items, item)
				}
				Expect(items).To(Equal([]string{"a", "b", "c"}))
				close(done)
			}, 5.0)
			It("should upload a stream while receiving a stream", func(done Done) {
				upload := make(chan int)
				results := conn.Stream(context.Background(), "Count", 10, upload)
				var items []int
				for i := 1; i <= 3; i++ {
					upload <- i
					result := <-results
					Expect(result.Error).NotTo(HaveOccurred())
					var item int
					Expect(result.Unmarshal(&item)).To(Succeed())
					items = append(items, item)
				}
				close(upload)
				_, ok := <-results
				Expect(ok).To(BeFalse())
				Expect(items).To(Equal([]int{11, 12, 13}))
				close(done)
			}, 5.0)
			It("should upload streams with Invoke", func(done Done) {
				echoBack := make(chan int, 1)
				Expect(conn.On("EchoBack", func(n int) { echoBack <- n })).To(Succeed())
				upload := make(chan int, 3)
				upload <- 1
				upload <- 2
				upload <- 3
				close(upload)
				result := <-conn.Invoke("AddNumbers", 10, upload)
				Expect(result.Error).NotTo(HaveOccurred())
				var sum int
				Expect(result.Unmarshal(&sum)).To(Succeed())
				Expect(sum).To(Equal(16))
				Expect(<-echoBack).To(Equal(10))
				close(done)
			}, 5.0)
			It("should answer server invocations with the handler result", func(done Done) {
				echoBack := make(chan string, 1)
				Expect(conn.On("clientresult", func(message string) string { return message + "!" })).To(Succeed())
				Expect(conn.On("EchoBack", func(message string) { echoBack <- message })).To(Succeed())
				result := <-conn.Invoke("InvokeWithClientResult", "question")
				Expect(result.Error).NotTo(HaveOccurred())
				Expect(result.Value).To(Equal("question!"))
				Expect(<-echoBack).To(Equal("question!"))
				close(done)
			}, 5.0)
			It("should send handler errors as client result errors", func(done Done) {
				Expect(conn.On("ClientResult", func(string) (string, error) { return "", errors.New("no answer") })).To(Succeed())
				result := <-conn.Invoke("InvokeWithClientResult", "question")
				Expect(result.Error).To(MatchError("no answer"))
				close(done)
			}, 5.0)
			It("should answer with an error when no handler is registered for a client result", func(done Done) {
				result := <-conn.Invoke("InvokeWithClientResult", "question")
				Expect(result.Error).To(HaveOccurred())
				Expect(result.Error.Error()).To(ContainSubstring("client didn't provide a result"))
				close(done)
			}, 5.0)
			It("should answer server invocations with an empty client result", func(done Done) {
				echoBack := make(chan string, 1)
				Expect(conn.On("ClientResult", func(string) interface{} { return nil })).To(Succeed())
				Expect(conn.On("EchoBack", func(message string) { echoBack <- message })).To(Succeed())
				result := <-conn.Invoke("InvokeWithEmptyClientResult", "Hello, World!")
				Expect(result.Error).NotTo(HaveOccurred())
				Expect(<-echoBack).To(Equal("received"))
				close(done)
			}, 5.0)
			It("should run the handlers of invocations received before Stop", func(done Done) {
				var received atomic.Int32
				Expect(conn.On("Echo", func(string) {
					time.Sleep(10 * time.Millisecond)
					received.Add(1)
				})).To(Succeed())
				for i := 0; i < 20; i++ {
					Expect((<-conn.Invoke("Echo", "Hello world")).Error).NotTo(HaveOccurred())
				}
				Expect(<-conn.Stop()).To(Succeed())
				Expect(received.Load()).To(Equal(int32(20)))
				close(done)
			}, 5.0)
			It("should not call a handler after Off", func(done Done) {
				echoBack := make(chan string, 1)
				Expect(conn.On("EchoBack", func(message string) { echoBack <- message })).To(Succeed())
				conn.Off("echoback")
				// The completion follows the EchoBack, so Stop runs after the EchoBack was dispatched
				Expect((<-conn.Invoke("SendEchoBack", "x")).Error).NotTo(HaveOccurred())
				Expect(<-conn.Stop()).To(Succeed())
				Expect(echoBack).NotTo(Receive())
				close(done)
			}, 5.0)
			It("should send without waiting for a result", func(done Done) {
				echoBack := make(chan []string, 1)
				Expect(conn.On("EchoBack", func(arguments ...string) { echoBack <- arguments })).To(Succeed())
				Expect(<-conn.Send("SendEchoBack", "x", "y")).To(Succeed())
				Expect(<-echoBack).To(Equal([]string{"x", "y"}))
				close(done)
			}, 5.0)
		})
	}

	Context("Start and Stop", func() {
		var hub *testHub
		BeforeEach(func() {
			hub = startTestHub()
		})
		AfterEach(func() {
			hub.close()
		})
		It("should not start twice", func(done Done) {
			conn := newTestHubConnection(hub)
			Expect(<-conn.Start()).To(Succeed())
			Expect(<-conn.Start()).To(MatchError(ErrInvalidState))
			Expect(conn.ConnectionID()).NotTo(BeEmpty())
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
		It("should not invoke when it is not connected", func(done Done) {
			conn := newTestHubConnection(hub)
			Expect((<-conn.Invoke("Echo", "x")).Error).To(MatchError(ErrInvalidState))
			Expect(<-conn.Send("Echo", "x")).To(MatchError(ErrInvalidState))
			Expect((<-conn.Stream(context.Background(), "Stream")).Error).To(MatchError(ErrInvalidState))
			close(done)
		}, 5.0)
		It("should stop a connection which was never started", func(done Done) {
			conn := newTestHubConnection(hub)
			Expect(<-conn.Stop()).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 5.0)
		It("should be restartable after Stop", func(done Done) {
			conn := newTestHubConnection(hub)
			Expect(<-conn.Start()).To(Succeed())
			Expect(<-conn.Stop()).To(Succeed())
			Expect(<-conn.Start()).To(Succeed())
			Expect((<-conn.Invoke("Echo", "again")).Value).To(Equal("again"))
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
		It("should end pending invocations with ErrConnectionClosed on Stop", func(done Done) {
			conn := newTestHubConnection(hub)
			Expect(<-conn.Start()).To(Succeed())
			never := make(chan int)
			pending := conn.Invoke("AddNumbers", 1, never)
			Expect(<-conn.Stop()).To(Succeed())
			Expect((<-pending).Error).To(MatchError(ErrConnectionClosed))
			_, ok := <-pending
			Expect(ok).To(BeFalse())
			close(done)
		}, 5.0)
		It("should fail to start when the server does not exist", func(done Done) {
			conn, err := NewHubConnection(context.Background(), "http://127.0.0.1:1/test", testLoggerOption())
			Expect(err).NotTo(HaveOccurred())
			Expect(<-conn.Start()).To(HaveOccurred())
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 5.0)
		It("should report state changes to WaitForState", func(done Done) {
			conn := newTestHubConnection(hub)
			connected := conn.WaitForState(context.Background(), Connected)
			Expect(<-conn.Start()).To(Succeed())
			Expect(<-connected).To(Succeed())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			Expect(<-conn.WaitForState(ctx, Reconnecting)).To(MatchError(context.DeadlineExceeded))
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
	})

	Context("callbacks", func() {
		It("should call every callback exactly once", func(done Done) {
			hub := startTestHub()
			defer hub.close()
			conn := newTestHubConnection(hub)
			var calls atomic.Int32
			step := make(chan error)
			conn.StartWithCallback(func(err error) {
				calls.Add(1)
				step <- err
			})
			Expect(<-step).To(Succeed())
			values := make(chan interface{})
			conn.InvokeWithCallback("Echo", []interface{}{"Hello world"}, func(value interface{}, err error) {
				defer GinkgoRecover()
				calls.Add(1)
				Expect(err).NotTo(HaveOccurred())
				values <- value
			})
			Expect(<-values).To(Equal("Hello world"))
			conn.SendWithCallback("InvokeWithoutReturn", []interface{}{1}, func(err error) {
				calls.Add(1)
				step <- err
			})
			Expect(<-step).To(Succeed())
			conn.StopWithCallback(func(err error) {
				calls.Add(1)
				step <- err
			})
			Expect(<-step).To(Succeed())
			Consistently(calls.Load, 100*time.Millisecond).Should(Equal(int32(4)))
			close(done)
		}, 5.0)
		It("should report errors to the callback", func(done Done) {
			hub := startTestHub()
			defer hub.close()
			conn := newTestHubConnection(hub)
			errs := make(chan error, 1)
			conn.InvokeWithCallback("Echo", nil, func(_ interface{}, err error) { errs <- err })
			Expect(<-errs).To(MatchError(ErrInvalidState))
			close(done)
		}, 5.0)
	})

	Context("when the server ends the connection", func() {
		var hub *testHub
		BeforeEach(func() {
			hub = startTestHub()
		})
		AfterEach(func() {
			hub.close()
		})
		It("should be closed with the error of the close message", func(done Done) {
			conn := newTestHubConnection(hub)
			closed := make(chan error, 1)
			conn.OnClosed(func(err error) { closed <- err })
			Expect(<-conn.Start()).To(Succeed())
			hub.server.CloseSessions("server shutdown", false)
			err := <-closed
			var hubErr *HubError
			Expect(errors.As(err, &hubErr)).To(BeTrue())
			Expect(hubErr.Message).To(Equal("server shutdown"))
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 5.0)
		It("should not reconnect when the server does not allow it", func(done Done) {
			conn := newTestHubConnection(hub, WithAutomaticReconnect(ReconnectDelays(time.Millisecond)))
			closed := make(chan error, 1)
			conn.OnClosed(func(err error) { closed <- err })
			var reconnects atomic.Int32
			conn.OnReconnecting(func(error) { reconnects.Add(1) })
			Expect(<-conn.Start()).To(Succeed())
			hub.server.CloseSessions("", false)
			Expect(<-closed).To(BeNil())
			Expect(reconnects.Load()).To(BeZero())
			close(done)
		}, 5.0)
		It("should reconnect when the connection is lost", func(done Done) {
			registry := prometheus.NewRegistry()
			conn := newTestHubConnection(hub,
				WithAutomaticReconnect(ReconnectDelays(10*time.Millisecond, 10*time.Millisecond)),
				WithMetrics(registry))
			reconnecting := make(chan error, 1)
			reconnected := make(chan string, 1)
			conn.OnReconnecting(func(err error) { reconnecting <- err })
			conn.OnReconnected(func(connectionID string) { reconnected <- connectionID })
			Expect(<-conn.Start()).To(Succeed())
			firstID := conn.ConnectionID()
			hub.server.DropSessions()
			Expect(<-reconnecting).To(HaveOccurred())
			newID := <-reconnected
			Expect(newID).NotTo(Equal(firstID))
			Expect(conn.State()).To(Equal(Connected))
			Expect((<-conn.Invoke("Echo", "after reconnect")).Value).To(Equal("after reconnect"))
			Expect(testutil.ToFloat64(conn.metrics.reconnects)).To(BeNumerically(">=", 1))
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
		It("should reconnect when the server closes with allowReconnect", func(done Done) {
			conn := newTestHubConnection(hub, WithAutomaticReconnect(ReconnectDelays(10*time.Millisecond)))
			reconnected := make(chan string, 1)
			conn.OnReconnected(func(connectionID string) { reconnected <- connectionID })
			Expect(<-conn.Start()).To(Succeed())
			hub.server.CloseSessions("restart", true)
			Eventually(reconnected, 2*time.Second).Should(Receive())
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
		It("should cancel reconnecting on Stop", func(done Done) {
			conn := newTestHubConnection(hub, WithAutomaticReconnect(ReconnectDelays(time.Hour)))
			closed := make(chan error, 1)
			conn.OnClosed(func(err error) { closed <- err })
			Expect(<-conn.Start()).To(Succeed())
			reconnecting := conn.WaitForState(context.Background(), Reconnecting)
			hub.http.Close()
			hub.server.DropSessions()
			Expect(<-reconnecting).To(Succeed())
			Expect(<-conn.Stop()).To(Succeed())
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(<-closed).To(BeNil())
			close(done)
		}, 5.0)
		It("should give up reconnecting when the backoff stops", func(done Done) {
			conn := newTestHubConnection(hub, WithAutomaticReconnect(ReconnectDelays(10*time.Millisecond)))
			closed := make(chan error, 1)
			conn.OnClosed(func(err error) { closed <- err })
			Expect(<-conn.Start()).To(Succeed())
			hub.http.Close()
			hub.server.DropSessions()
			Expect(<-closed).To(HaveOccurred())
			Expect(conn.State()).To(Equal(Disconnected))
			close(done)
		}, 5.0)
	})

	Context("timeouts", func() {
		It("should close the connection when the server sends nothing", func(done Done) {
			hub := startTestHub(testhub.KeepAliveInterval(time.Hour))
			defer hub.close()
			conn := newTestHubConnection(hub, TimeoutInterval(100*time.Millisecond))
			closed := make(chan error, 1)
			conn.OnClosed(func(err error) { closed <- err })
			Expect(<-conn.Start()).To(Succeed())
			Expect(<-closed).To(MatchError(ErrServerTimeout))
			close(done)
		}, 5.0)
		It("should keep the connection alive with server pings", func(done Done) {
			hub := startTestHub(testhub.KeepAliveInterval(20 * time.Millisecond))
			defer hub.close()
			conn := newTestHubConnection(hub, TimeoutInterval(200*time.Millisecond), KeepAliveInterval(20*time.Millisecond))
			Expect(<-conn.Start()).To(Succeed())
			Consistently(conn.State, 500*time.Millisecond).Should(Equal(Connected))
			Expect(<-conn.Stop()).To(Succeed())
			close(done)
		}, 5.0)
	})

	Context("metrics", func() {
		It("should count invocations and received messages", func(done Done) {
			hub := startTestHub()
			defer hub.close()
			registry := prometheus.NewRegistry()
			conn := newTestHubConnection(hub, WithMetrics(registry))
			Expect(<-conn.Start()).To(Succeed())
			Expect(testutil.ToFloat64(conn.metrics.state)).To(Equal(float64(Connected)))
			Expect((<-conn.Invoke("Echo", "x")).Error).NotTo(HaveOccurred())
			Expect((<-conn.Invoke("DoesNotExist")).Error).To(HaveOccurred())
			Expect(testutil.ToFloat64(conn.metrics.invocations.WithLabelValues(invokeKind, "success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(conn.metrics.invocations.WithLabelValues(invokeKind, "error"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(conn.metrics.received.WithLabelValues("completion"))).To(Equal(2.0))
			Expect(<-conn.Stop()).To(Succeed())
			Expect(testutil.ToFloat64(conn.metrics.state)).To(Equal(float64(Disconnected)))
			close(done)
		}, 5.0)
	})
})
