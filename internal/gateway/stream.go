// ABOUTME: Server-sent event stream over the in-memory broadcaster
// ABOUTME: Lets clients follow their channels over plain HTTP when the memory transport is selected

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/session"
	"github.com/2389/support-gateway/internal/transport"
	"github.com/2389/support-gateway/internal/transport/memory"
	"github.com/2389/support-gateway/internal/transport/socket"
)

const streamBuffer = 64

type streamEnvelope struct {
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// eventStream subscribes to broadcaster channels on behalf of a session and
// merges everything it receives into one queue.
type eventStream struct {
	id  string
	ctx context.Context
	b   *memory.Broadcaster
	out chan transport.Message

	mu   sync.Mutex
	subs map[string]string // channel -> subscription ID
}

var _ session.Subscriber = (*eventStream)(nil)

func newEventStream(ctx context.Context, b *memory.Broadcaster) *eventStream {
	return &eventStream{
		id:   uuid.New().String(),
		ctx:  ctx,
		b:    b,
		out:  make(chan transport.Message, streamBuffer),
		subs: make(map[string]string),
	}
}

func (s *eventStream) Subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[channel]; ok {
		return
	}
	ch, subID := s.b.Subscribe(s.ctx, channel)
	s.subs[channel] = subID
	go s.forward(ch)
}

func (s *eventStream) forward(ch <-chan transport.Message) {
	for msg := range ch {
		select {
		case s.out <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *eventStream) Unsubscribe(channel string) {
	s.mu.Lock()
	subID, ok := s.subs[channel]
	delete(s.subs, channel)
	s.mu.Unlock()
	if ok {
		s.b.Unsubscribe(channel, subID)
	}
}

func (s *eventStream) Send(out socket.Outbound) error {
	select {
	case s.out <- transport.Message{Channel: out.Channel, Event: out.Event, Payload: out.Data}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// handleEventStream handles GET /api/events?chat=. The stream carries the
// participant's personal channels plus every conversation named by chat.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if g.events == nil {
		sendJSONError(w, http.StatusNotFound, "event stream requires the memory transport")
		return
	}
	who, err := participant(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := newEventStream(ctx, g.events)
	s := session.New(who, g.service, g.presence, g.logger)
	s.Attach(ctx, stream.id, stream)
	defer s.Detach(context.WithoutCancel(ctx))

	for _, chatID := range r.URL.Query()["chat"] {
		if _, err := s.Join(ctx, chatID); err != nil {
			g.writeServiceError(w, r, err)
			return
		}
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"connId": stream.id, "userId": who.ID, "role": string(who.Role)})
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.draining:
			return
		case msg := <-stream.out:
			g.writeSSEEvent(w, msg.Event, streamEnvelope{Channel: msg.Channel, Data: msg.Payload})
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single server-sent event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
