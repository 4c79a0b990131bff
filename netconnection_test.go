package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hubkit/signalr/hubprotocol"
)

// scriptedServer is the server end of a net.Pipe which the tests drive message by message.
type scriptedServer struct {
	conn      net.Conn
	protocol  hubprotocol.Protocol
	remainBuf *bytes.Buffer
	pending   []interface{}
}

func newPipeHubConnection(options ...func(*HubConnection) error) (*HubConnection, *scriptedServer) {
	cliConn, srvConn := net.Pipe()
	conn, err := NewHubConnection(context.Background(), "", append([]func(*HubConnection) error{
		testLoggerOption(),
		WithConnection(NewNetConnection(context.Background(), cliConn)),
	}, options...)...)
	Expect(err).NotTo(HaveOccurred())
	protocol, _ := hubprotocol.ForName("json")
	return conn, &scriptedServer{conn: srvConn, protocol: protocol, remainBuf: &bytes.Buffer{}}
}

func (s *scriptedServer) handshake(response hubprotocol.HandshakeResponse) hubprotocol.HandshakeRequest {
	defer GinkgoRecover()
	frame, err := hubprotocol.ReadHandshake(s.conn, s.remainBuf)
	Expect(err).NotTo(HaveOccurred())
	request := hubprotocol.HandshakeRequest{}
	Expect(json.Unmarshal(frame, &request)).To(Succeed())
	Expect(hubprotocol.WriteHandshake(response, s.conn)).To(Succeed())
	return request
}

func (s *scriptedServer) write(message interface{}) {
	Expect(s.protocol.WriteMessage(message, s.conn)).To(Succeed())
}

func (s *scriptedServer) next() interface{} {
	for len(s.pending) == 0 {
		messages, err := s.protocol.ReadMessages(s.conn, s.remainBuf)
		Expect(err).NotTo(HaveOccurred())
		s.pending = messages
	}
	message := s.pending[0]
	s.pending = s.pending[1:]
	return message
}

// drain reads and discards everything the client sends, so writes of the client do not block.
func (s *scriptedServer) drain() {
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := s.conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

var _ = Describe("HubConnection on a net.Conn", func() {
	It("should send the json handshake request", func(done Done) {
		conn, srv := newPipeHubConnection()
		requests := make(chan hubprotocol.HandshakeRequest, 1)
		go func() { requests <- srv.handshake(hubprotocol.HandshakeResponse{}) }()
		Expect(<-conn.Start()).To(Succeed())
		Expect(<-requests).To(Equal(hubprotocol.HandshakeRequest{Protocol: "json", Version: 1}))
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should fail to start when the server rejects the handshake", func(done Done) {
		conn, srv := newPipeHubConnection()
		go srv.handshake(hubprotocol.HandshakeResponse{Error: "protocol not supported"})
		err := <-conn.Start()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("protocol not supported"))
		Expect(conn.State()).To(Equal(Disconnected))
		close(done)
	}, 5.0)
	It("should fail to start when the server does not answer the handshake", func(done Done) {
		conn, srv := newPipeHubConnection(HandshakeTimeout(50 * time.Millisecond))
		srv.drain()
		Expect(<-conn.Start()).To(MatchError(ErrHandshakeTimeout))
		close(done)
	}, 5.0)
	It("should not reuse a single connection", func(done Done) {
		conn, srv := newPipeHubConnection()
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		Expect(<-conn.Start()).To(HaveOccurred())
		close(done)
	}, 5.0)
	It("should process messages which arrive together with the handshake response", func(done Done) {
		conn, srv := newPipeHubConnection()
		received := make(chan string, 1)
		Expect(conn.On("Echo", func(message string) { received <- message })).To(Succeed())
		go func() {
			defer GinkgoRecover()
			_, err := hubprotocol.ReadHandshake(srv.conn, srv.remainBuf)
			Expect(err).NotTo(HaveOccurred())
			_, err = srv.conn.Write([]byte("{}\x1e{\"type\":1,\"target\":\"echo\",\"arguments\":[\"early\"]}\x1e"))
			Expect(err).NotTo(HaveOccurred())
			srv.drain()
		}()
		Expect(<-conn.Start()).To(Succeed())
		Expect(<-received).To(Equal("early"))
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should send pings when it has nothing else to send", func(done Done) {
		conn, srv := newPipeHubConnection(KeepAliveInterval(20 * time.Millisecond))
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		Expect(srv.next()).To(Equal(hubprotocol.HubMessage{Type: hubprotocol.PingType}))
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should send the next ping a keep alive interval after the last write", func(done Done) {
		conn, srv := newPipeHubConnection(KeepAliveInterval(100 * time.Millisecond))
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		ping := hubprotocol.HubMessage{Type: hubprotocol.PingType}
		Expect(srv.next()).To(Equal(ping))
		time.Sleep(20 * time.Millisecond)
		sent := make(chan error, 1)
		go func() { sent <- <-conn.Send("Anything") }()
		_, ok := srv.next().(hubprotocol.InvocationMessage)
		Expect(ok).To(BeTrue())
		written := time.Now()
		Expect(<-sent).To(Succeed())
		Expect(srv.next()).To(Equal(ping))
		elapsed := time.Since(written)
		Expect(elapsed).To(BeNumerically(">=", 90*time.Millisecond))
		Expect(elapsed).To(BeNumerically("<", 150*time.Millisecond))
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should not time out while a slow stream consumer holds up the receive loop", func(done Done) {
		conn, srv := newPipeHubConnection(TimeoutInterval(100*time.Millisecond), StreamBufferCapacity(1))
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		streams := make(chan (<-chan InvokeResult), 1)
		go func() { streams <- conn.Stream(context.Background(), "Slow") }()
		invocation, ok := srv.next().(hubprotocol.InvocationMessage)
		Expect(ok).To(BeTrue())
		results := <-streams
		srv.drain()
		itemsRead := make(chan struct{})
		go func() {
			for _, item := range []int{1, 2, 3} {
				if err := srv.protocol.WriteMessage(hubprotocol.StreamItemMessage{
					Type: hubprotocol.StreamItemType, InvocationID: invocation.InvocationID, Item: item,
				}, srv.conn); err != nil {
					return
				}
			}
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				var message interface{} = hubprotocol.HubMessage{Type: hubprotocol.PingType}
				select {
				case <-itemsRead:
					message = hubprotocol.CompletionMessage{Type: hubprotocol.CompletionType, InvocationID: invocation.InvocationID}
				case <-ticker.C:
				}
				if err := srv.protocol.WriteMessage(message, srv.conn); err != nil {
					return
				}
				if _, isCompletion := message.(hubprotocol.CompletionMessage); isCompletion {
					return
				}
			}
		}()
		// The second item blocks the receive loop for longer than the timeout interval
		time.Sleep(300 * time.Millisecond)
		var items []int
		for result := range results {
			Expect(result.Error).NotTo(HaveOccurred())
			var item int
			Expect(result.Unmarshal(&item)).To(Succeed())
			items = append(items, item)
			if len(items) == 3 {
				close(itemsRead)
			}
		}
		Expect(items).To(Equal([]int{1, 2, 3}))
		Expect(conn.State()).To(Equal(Connected))
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should answer with an error completion when a handler panics", func(done Done) {
		conn, srv := newPipeHubConnection()
		Expect(conn.On("Boom", func() int { panic("boom") })).To(Succeed())
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		srv.write(hubprotocol.InvocationMessage{Type: hubprotocol.InvocationType, Target: "Boom", InvocationID: "1"})
		message := srv.next()
		for {
			if _, isPing := message.(hubprotocol.HubMessage); !isPing {
				break
			}
			message = srv.next()
		}
		completion, ok := message.(hubprotocol.CompletionMessage)
		Expect(ok).To(BeTrue())
		Expect(completion.InvocationID).To(Equal("1"))
		Expect(completion.Error).To(ContainSubstring("boom"))
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should ignore completions for unknown invocations", func(done Done) {
		conn, srv := newPipeHubConnection()
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		srv.drain()
		srv.write(hubprotocol.CompletionMessage{Type: hubprotocol.CompletionType, InvocationID: "42", Result: 1})
		Consistently(conn.State, 50*time.Millisecond).Should(Equal(Connected))
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
	It("should send a CancelInvocation when the stream context is canceled", func(done Done) {
		conn, srv := newPipeHubConnection()
		go srv.handshake(hubprotocol.HandshakeResponse{})
		Expect(<-conn.Start()).To(Succeed())
		ctx, cancel := context.WithCancel(context.Background())
		streams := make(chan (<-chan InvokeResult), 1)
		go func() { streams <- conn.Stream(ctx, "Endless") }()
		invocation, ok := srv.next().(hubprotocol.InvocationMessage)
		Expect(ok).To(BeTrue())
		results := <-streams
		Expect(invocation.Type).To(Equal(hubprotocol.StreamInvocationType))
		cancel()
		Expect(srv.next()).To(Equal(hubprotocol.CancelInvocationMessage{
			Type:         hubprotocol.CancelInvocationType,
			InvocationID: invocation.InvocationID,
		}))
		Expect((<-results).Error).To(MatchError(context.Canceled))
		_, open := <-results
		Expect(open).To(BeFalse())
		srv.drain()
		Expect(<-conn.Stop()).To(Succeed())
		close(done)
	}, 5.0)
})
