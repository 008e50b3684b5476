// ABOUTME: Tests for the fan-out dispatcher
// ABOUTME: Covers per-conversation ordering, bounded retry, failure isolation and clean shutdown

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Transport that records messages and can fail on demand.
type recorder struct {
	mu       sync.Mutex
	messages []transport.Message
	failures map[string]int // event name -> remaining failures
	calls    int
}

func newRecorder() *recorder {
	return &recorder{failures: make(map[string]int)}
}

func (r *recorder) Publish(ctx context.Context, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if n := r.failures[msg.Event]; n > 0 {
		r.failures[msg.Event] = n - 1
		return errors.New("broker unavailable")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) snapshot() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.messages...)
}

func messageEvent(chatID string, i int) MessageSent {
	c := &store.Conversation{ID: chatID, UserID: "u-" + chatID}
	return MessageSent{Conversation: c, Message: &store.Message{
		ID: fmt.Sprintf("%s-%d", chatID, i), ChatID: chatID, SenderType: store.SenderAdmin,
	}}
}

func TestDispatcher_PreservesPerConversationOrder(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherConfig{Workers: 4}, nil)

	const perChat = 50
	chats := []string{"c1", "c2", "c3"}
	var wg sync.WaitGroup
	for _, chatID := range chats {
		wg.Add(1)
		go func(chatID string) {
			defer wg.Done()
			for i := 0; i < perChat; i++ {
				d.Dispatch(messageEvent(chatID, i))
			}
		}(chatID)
	}
	wg.Wait()
	d.Close()

	next := map[string]int{}
	for _, m := range rec.snapshot() {
		if m.Event != EventNewMessage {
			continue
		}
		p := m.Payload.(NewMessagePayload)
		want := fmt.Sprintf("%s-%d", p.Message.ChatID, next[p.Message.ChatID])
		assert.Equal(t, want, p.Message.ID, "out of order on %s", m.Channel)
		next[p.Message.ChatID]++
	}
	for _, chatID := range chats {
		assert.Equal(t, perChat, next[chatID])
	}
	assert.Equal(t, uint64(len(chats)*perChat*2), d.Stats().Published)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	rec := newRecorder()
	rec.failures[EventNewChat] = 1
	d := NewDispatcher(rec, DispatcherConfig{Workers: 1, Attempts: 2}, nil)

	d.Dispatch(ConversationCreated{Conversation: &store.Conversation{ID: "c1"}})
	d.Close()

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "admins", msgs[0].Channel)
	assert.Equal(t, Stats{Published: 1}, d.Stats())
}

func TestDispatcher_GivesUpAfterBoundedAttempts(t *testing.T) {
	rec := newRecorder()
	rec.failures[EventChatTaken] = 100
	d := NewDispatcher(rec, DispatcherConfig{Workers: 1, Attempts: 3}, nil)

	c := &store.Conversation{ID: "c1", UserID: "u1", AssignedAdminID: "a1", AssignedAdminName: "Alice"}
	d.Dispatch(ConversationClaimed{Conversation: c})
	d.Close()

	// The abandoned delivery does not stop the rest of the event
	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventAdminJoined, msgs[0].Event)
	assert.Equal(t, "user-u1", msgs[0].Channel)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, 4, rec.calls)
}

func TestDispatcher_PassesExclude(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherConfig{}, nil)

	d.Dispatch(TypingChanged{ChatID: "c1", UserID: "u1", IsTyping: true, Exclude: "conn-9"})
	d.Close()

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "conn-9", msgs[0].Exclude)
	assert.Equal(t, "chat-c1", msgs[0].Channel)
}

func TestDispatcher_DispatchAfterCloseDrops(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, DispatcherConfig{Workers: 2}, nil)
	d.Close()
	d.Close()

	d.Dispatch(ConversationCreated{Conversation: &store.Conversation{ID: "c1"}})
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

// slowTransport blocks every publish until its context expires.
type slowTransport struct{}

func (slowTransport) Publish(ctx context.Context, _ transport.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowTransport) Close() error { return nil }

func TestDispatcher_PublishTimeoutBoundsEachAttempt(t *testing.T) {
	d := NewDispatcher(slowTransport{}, DispatcherConfig{Workers: 1, Attempts: 2, PublishTimeout: 10 * time.Millisecond}, nil)

	start := time.Now()
	d.Dispatch(ConversationUnlocked{Conversation: &store.Conversation{ID: "c1"}})
	d.Close()

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}
