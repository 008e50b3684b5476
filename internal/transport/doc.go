// Package transport defines how fan-out events leave the process.
//
// The Transport interface has a single delivery primitive, Publish, which
// addresses one event to one named channel. Three interchangeable backends
// are selected at startup:
//
//   - socket: WebSocket multiplexer; connections subscribe to channels
//   - pusher: hosted push-notification broker (Pusher Channels)
//   - memory: in-process broadcaster, used by tests and single-node setups
//
// Nothing above this package knows which backend is in use.
package transport
