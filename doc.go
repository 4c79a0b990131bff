/*
Package signalr contains a client for SignalR hubs.
It supports the Websockets transport with the transfer formats Text (JSON) and Binary (MessagePack).
For a deeper understanding of signalr see https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
and https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/TransportProtocols.md

# Basics

The SignalR Protocol is a protocol for two-way RPC over any Message-based transport.
Either party in the connection may invoke procedures on the other party,
and procedures can return zero or more results or an error.

# HubConnection

A HubConnection is created with NewHubConnection, which gets the server address and options.
By default it negotiates with the server and opens a websocket. Other transports can be plugged in
with WithConnector or WithConnection.
Methods the server may call on the client are registered with On.
After Start completed, the HubConnection can invoke server methods with Invoke, Send and Stream.
Stop closes the connection after the handlers of all invocations received so far have returned.

All operations return at once. Their outcome is delivered exactly once, on the returned channel or to the
callback passed to the *WithCallback variant of the operation:

	conn, _ := signalr.NewHubConnection(ctx, "http://localhost:8080/test")
	_ = conn.On("Echo", func(message string) { fmt.Println(message) })
	if err := <-conn.Start(); err != nil {
		return err
	}
	result := <-conn.Invoke("Echo", "Hello world")

# Streaming

Stream invokes a server streaming method and delivers the items on its channel.
Channels passed as arguments to Invoke, Send or Stream are streamed to the server (client side streaming).
The stream is completed when the channel is closed.

# Reconnect

With WithAutomaticReconnect, a lost connection is replaced by a new one. Invocations which were pending on the lost
connection end with ErrConnectionClosed. OnReconnecting, OnReconnected and OnClosed report the progress.
*/
package signalr
