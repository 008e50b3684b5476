// Package socket is the WebSocket multiplexer transport.
//
// Each connection holds a set of channel subscriptions. Clients send JSON
// frames {action, channel, ref, data}; the hub hands every frame to the
// ConnHandler that owns the connection, which decides what to subscribe and
// what to do with actions. Server messages are {channel, event, ref, data}.
//
// The server pings each connection every PingInterval. A connection that
// sends nothing (not even a pong) for PongTimeout is closed, which is how
// presence learns about peers that vanished without a close frame.
package socket
