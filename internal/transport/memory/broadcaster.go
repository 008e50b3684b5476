// ABOUTME: In-memory fan-out broadcaster implementing the Transport interface
// ABOUTME: Subscribers register for a channel name and receive published messages

package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/transport"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub keyed by channel name.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan transport.Message // channel -> subID -> ch
	closed      bool
	done        chan struct{}
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan transport.Message),
		done:        make(chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for messages on the given channel.
// Returns a channel that receives messages and a subscription ID that can be
// used both to unsubscribe and as a Message.Exclude value. The subscription
// is cleaned up when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (<-chan transport.Message, string) {
	subID := uuid.New().String()
	ch := make(chan transport.Message, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan transport.Message)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(channel, subID)
		case <-b.done:
		}
	}()

	return ch, subID
}

// Publish delivers msg to every subscriber of msg.Channel except msg.Exclude.
// Non-blocking: messages are dropped for subscribers whose buffers are full.
func (b *Broadcaster) Publish(ctx context.Context, msg transport.Message) error {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return transport.ErrClosed
	}

	for id, ch := range b.subscribers[msg.Channel] {
		if msg.Exclude != "" && id == msg.Exclude {
			continue
		}
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow subscriber",
				"channel", msg.Channel,
				"event", msg.Event,
				"sub_id", id)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	for name, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, name)
	}

	b.logger.Debug("broadcaster closed")
	return nil
}

var _ transport.Transport = (*Broadcaster)(nil)
