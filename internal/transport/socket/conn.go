// ABOUTME: One WebSocket connection: read and write pumps, heartbeat and channel membership
// ABOUTME: A single writer goroutine owns the socket's write side

package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send after the connection has closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is a live client connection. Its ID is the value publishers pass as
// Exclude to skip it.
type Conn struct {
	ID string

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	mu       sync.Mutex
	channels map[string]struct{}
}

// Subscribe adds the connection to channel.
func (c *Conn) Subscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	c.hub.subscribe(c, channel)
}

// Unsubscribe removes the connection from channel.
func (c *Conn) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
	c.hub.unsubscribe(c, channel)
}

// Subscribed reports whether the connection is in channel.
func (c *Conn) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// Channels returns the connection's subscriptions, sorted.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Send queues a frame for this connection only.
func (c *Conn) Send(out Outbound) error {
	frame, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", out.Event, err)
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.enqueue(frame)
	return nil
}

// Close ends the connection.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.hub.logger.Warn("send buffer full, dropping connection", "conn_id", c.ID)
		c.closeWith(websocket.ClosePolicyViolation, "too slow")
	}
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeMu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.closeMu.Unlock()
	c.close()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump decodes client frames until the socket fails or goes silent for
// longer than pongTimeout.
func (c *Conn) readPump(pongTimeout time.Duration, handler ConnHandler) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("read failed", "conn_id", c.ID, "error", err)
			}
			return
		}
		// Any traffic counts as liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Action == "" {
			_ = c.Send(Outbound{Event: "error", Data: map[string]string{"error": "malformed frame"}})
			continue
		}
		handler.OnFrame(c, f)
	}
}

// writePump is the only goroutine writing to the socket. It closes the
// socket when the connection is done, which unblocks readPump.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			c.closeMu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.closeMu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes frames already queued before the close.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
