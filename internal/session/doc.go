// Package session is the per-participant facade a client talks to.
//
// A Session knows who the participant is and which connection it drives.
// It subscribes the participant's home channels on attach (the pool and the
// operator's own address, or the user's own address), lets them join and
// leave conversation channels, and forwards messages, typing and read
// receipts to the coordinator with the participant's identity filled in.
// Operator-only actions are rejected for end users before they reach the
// coordinator.
//
// Handler adapts a Session to socket.ConnHandler so a WebSocket connection
// can drive it with JSON action frames.
package session
