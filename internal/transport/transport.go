// ABOUTME: Transport capability used by the fan-out dispatcher to deliver events
// ABOUTME: Backends (socket, pusher, memory) implement Publish for a named channel

package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Message is one event addressed to one channel.
type Message struct {
	Channel string
	Event   string
	Payload any

	// Exclude names a connection that must not receive the message,
	// typically the one that caused it. Empty means deliver to everyone.
	Exclude string
}

// Transport delivers messages to channel subscribers.
// Implementations must be safe for concurrent use.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Nop discards every message. It stands in when a broker is configured
// without credentials.
type Nop struct{}

// Publish discards msg.
func (Nop) Publish(context.Context, Message) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

var _ Transport = Nop{}
