// ABOUTME: WebSocket multiplexer transport built on gorilla/websocket
// ABOUTME: Connections subscribe to named channels; Publish writes to every subscriber but the excluded one

package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/transport"
)

const (
	writeWait         = 10 * time.Second
	maxFrameSize      = 64 * 1024
	defaultSendBuffer = 256
)

// Config controls heartbeats and buffering.
type Config struct {
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration
	// PongTimeout is how long a connection may stay silent before it is
	// considered dead. Must be greater than PingInterval.
	PongTimeout time.Duration
	// SendBuffer is the number of outbound frames queued per connection.
	// A connection whose queue is full is closed.
	SendBuffer int
	// CheckOrigin is passed to the upgrader. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = c.PingInterval * 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Frame is a client-to-server message.
type Frame struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server-to-client message.
type Outbound struct {
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ConnHandler receives the lifecycle of one connection. ServeWS calls it from
// the connection's read goroutine, so calls for one connection never overlap.
type ConnHandler interface {
	// OnOpen runs after the upgrade. Returning an error closes the connection.
	OnOpen(c *Conn) error
	OnFrame(c *Conn, f Frame)
	OnClose(c *Conn)
}

// Hub tracks live connections and their channel subscriptions.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]*Conn // channel -> conn ID -> conn
	closed   bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ transport.Transport = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		logger:   logger.With("component", "socket"),
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
// It blocks for the lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, handler ConnHandler) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &Conn{
		ID:       uuid.New().String(),
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	defer h.wg.Done()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump(h.cfg.PingInterval)
	}()

	if err := handler.OnOpen(c); err != nil {
		h.logger.Info("connection rejected", "conn_id", c.ID, "error", err)
		c.closeWith(websocket.ClosePolicyViolation, err.Error())
		h.unregister(c)
		return
	}
	h.logger.Debug("connection opened", "conn_id", c.ID, "remote", r.RemoteAddr)

	c.readPump(h.cfg.PongTimeout, handler)

	h.unregister(c)
	handler.OnClose(c)
	c.close()
	h.logger.Debug("connection closed", "conn_id", c.ID)
}

// register adds c and counts its ServeWS call in wg. The count is taken
// under mu so it cannot race with Close starting to wait.
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.ID] = c
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID)
	for _, ch := range c.Channels() {
		h.removeLocked(ch, c.ID)
	}
}

func (h *Hub) subscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Conn)
		h.channels[channel] = subs
	}
	subs[c.ID] = c
}

func (h *Hub) unsubscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, c.ID)
}

func (h *Hub) removeLocked(channel, connID string) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Publish writes msg to every connection subscribed to msg.Channel except the
// one named by msg.Exclude. It never blocks on a slow connection.
func (h *Hub) Publish(ctx context.Context, msg transport.Message) error {
	frame, err := json.Marshal(Outbound{Channel: msg.Channel, Event: msg.Event, Data: msg.Payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return transport.ErrClosed
	}
	for id, c := range h.channels[msg.Channel] {
		if id == msg.Exclude {
			continue
		}
		c.enqueue(frame)
	}
	return nil
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of connections subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close disconnects every connection and waits until each one has finished
// its OnClose callback. It is safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
	h.logger.Info("socket hub closed", "connections", len(conns))
	return nil
}
