// Package pusher publishes fan-out events through Pusher Channels.
//
// Channel and event names pass through unchanged, so browser clients
// subscribe to the same addresses they would on the socket backend.
package pusher
