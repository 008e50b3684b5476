// ABOUTME: Tests for the session facade and its frame dispatcher
// ABOUTME: Uses the in-memory store, a recording event sink and a fake subscriber

package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/fanout"
	"github.com/2389/support-gateway/internal/presence"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport/socket"
)

type fakeSub struct {
	mu       sync.Mutex
	channels map[string]bool
	sent     []socket.Outbound
}

func newFakeSub() *fakeSub { return &fakeSub{channels: map[string]bool{}} }

func (f *fakeSub) Subscribe(ch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch] = true
}

func (f *fakeSub) Unsubscribe(ch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, ch)
}

func (f *fakeSub) Send(out socket.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeSub) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ch := range f.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

type sink struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (s *sink) Dispatch(ev fanout.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) all() []fanout.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fanout.Event(nil), s.events...)
}

type fixture struct {
	svc     *conversation.Service
	tracker *presence.Tracker
	events  *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := &sink{}
	svc := conversation.New(store.NewMockStore(), events, nil)
	tracker := presence.NewTracker(PresenceNotifier(svc, nil), nil)
	t.Cleanup(tracker.Close)
	return &fixture{svc: svc, tracker: tracker, events: events}
}

func (f *fixture) session(who Identity) (*Session, *fakeSub) {
	s := New(who, f.svc, f.tracker, nil)
	sub := newFakeSub()
	s.Attach(context.Background(), "conn-"+who.ID, sub)
	return s, sub
}

var (
	dana  = Identity{ID: "u1", Name: "Dana", Role: presence.RoleUser}
	eve   = Identity{ID: "u2", Name: "Eve", Role: presence.RoleUser}
	alice = Identity{ID: "a1", Name: "Alice", Role: presence.RoleOperator}
	bob   = Identity{ID: "a2", Name: "Bob", Role: presence.RoleOperator}
	root  = Identity{ID: "root", Name: "Root", Role: presence.RoleOperator, SuperAdmin: true}
)

func TestAttach_SubscribesHomeChannels(t *testing.T) {
	f := newFixture(t)

	_, userSub := f.session(dana)
	assert.Equal(t, []string{"user-u1"}, userSub.list())
	assert.True(t, f.tracker.IsOnline(presence.RoleUser, "u1"))

	_, opSub := f.session(alice)
	assert.Equal(t, []string{"admin-a1", "admins"}, opSub.list())
	assert.Len(t, f.tracker.OnlineAdmins(), 1)
}

func TestSend_UserWithoutChatJoinsNewConversation(t *testing.T) {
	f := newFixture(t)
	s, sub := f.session(dana)
	ctx := context.Background()

	res, err := s.Send(ctx, SendInput{Content: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Dana", res.Message.SenderName)
	assert.Equal(t, store.SenderUser, res.Message.SenderType)
	assert.Contains(t, sub.list(), "chat-"+res.Conversation.ID)
}

func TestPresence_MirrorsOntoOpenConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.svc.GetOrCreate(ctx, "u1", "Dana")
	require.NoError(t, err)

	s, _ := f.session(dana)
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.UserOnline)

	s.Detach(ctx)
	got, err = f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.UserOnline)

	var statuses int
	for _, ev := range f.events.all() {
		if _, ok := ev.(fanout.PresenceChanged); ok {
			statuses++
		}
	}
	assert.Equal(t, 2, statuses)
}

func TestJoin_UserLimitedToOwnConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, sub := f.session(dana)
	other, _ := f.session(eve)

	res, err := s.Send(ctx, SendInput{Content: "first"})
	require.NoError(t, err)
	chatID := res.Conversation.ID

	joined, err := s.Join(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, chatID, joined.Chat.ID)
	require.Len(t, joined.Messages.Messages, 1)
	assert.Contains(t, sub.list(), "chat-"+chatID)

	_, err = other.Join(ctx, chatID)
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	_, err = other.Send(ctx, SendInput{ChatID: chatID, Content: "sneaky"})
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	_, err = other.Read(ctx, chatID)
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	assert.ErrorIs(t, other.Typing(ctx, chatID, true), conversation.ErrForbidden)
	assert.NoError(t, s.Typing(ctx, chatID, true))

	s.Leave(chatID)
	assert.NotContains(t, sub.list(), "chat-"+chatID)
}

func TestJoin_LockHidesFromOtherOperators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.svc.GetOrCreate(ctx, "u1", "Dana")
	require.NoError(t, err)

	a, _ := f.session(alice)
	b, _ := f.session(bob)
	r, _ := f.session(root)

	_, err = a.Lock(ctx, c.ID)
	require.NoError(t, err)

	_, err = a.Join(ctx, c.ID)
	assert.NoError(t, err)
	_, err = b.Join(ctx, c.ID)
	assert.ErrorIs(t, err, conversation.ErrForbidden)
	_, err = r.Join(ctx, c.ID)
	assert.NoError(t, err)
}

func TestOperatorActions_RejectedForUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.session(dana)

	_, err := s.Claim(ctx, "x")
	assert.ErrorIs(t, err, ErrOperatorOnly)
	_, err = s.Lock(ctx, "x")
	assert.ErrorIs(t, err, conversation.ErrForbidden)
	_, err = s.Unlock(ctx, "x")
	assert.ErrorIs(t, err, ErrOperatorOnly)
	_, err = s.Transfer(ctx, "x", "a2", "Bob")
	assert.ErrorIs(t, err, ErrOperatorOnly)
	_, err = s.Close(ctx, "x")
	assert.ErrorIs(t, err, ErrOperatorOnly)
}

func TestOperatorLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.svc.GetOrCreate(ctx, "u1", "Dana")
	require.NoError(t, err)
	a, _ := f.session(alice)
	b, _ := f.session(bob)

	got, err := a.Claim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.AssignedAdminName)

	_, err = b.Claim(ctx, c.ID)
	require.ErrorIs(t, err, conversation.ErrConflict)
	assert.Equal(t, "Alice", errorBody(err).AssignedTo)

	got, err = a.Transfer(ctx, c.ID, "a2", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AssignedAdminID)

	_, err = a.Unlock(ctx, c.ID)
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	got, err = b.Close(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestSubscribeChannel_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, _ := f.session(dana)
	a, _ := f.session(alice)
	r, _ := f.session(root)

	tests := []struct {
		name    string
		s       *Session
		channel string
		allowed bool
	}{
		{"user own channel", u, "user-u1", true},
		{"user other user", u, "user-u2", false},
		{"user pool", u, "admins", false},
		{"user operator", u, "admin-a1", false},
		{"operator pool", a, "admins", true},
		{"operator self", a, "admin-a1", true},
		{"operator other", a, "admin-a2", false},
		{"operator user channel", a, "user-u1", false},
		{"super-admin other operator", r, "admin-a2", true},
		{"unknown family", a, "lobby", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.SubscribeChannel(ctx, tt.channel)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrChannelDenied)
			}
		})
	}
}

func TestUnsubscribeChannel_KeepsHomeChannels(t *testing.T) {
	f := newFixture(t)
	a, sub := f.session(alice)

	a.UnsubscribeChannel("admins")
	assert.Contains(t, sub.list(), "admins")
}

func TestTypingAndRead_ExcludeOwnConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.session(dana)

	res, err := s.Send(ctx, SendInput{Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Typing(ctx, res.Conversation.ID, true))
	_, err = s.Read(ctx, res.Conversation.ID)
	require.NoError(t, err)

	var typing *fanout.TypingChanged
	var read *fanout.MessagesRead
	for _, ev := range f.events.all() {
		switch e := ev.(type) {
		case fanout.TypingChanged:
			typing = &e
		case fanout.MessagesRead:
			read = &e
		}
	}
	require.NotNil(t, typing)
	require.NotNil(t, read)
	assert.Equal(t, "conn-u1", typing.Exclude)
	assert.Equal(t, "Dana", typing.UserName)
	assert.Equal(t, "conn-u1", read.Exclude)
	assert.Equal(t, store.SenderUser, read.ReaderType)
}

func frame(action string, data any) socket.Frame {
	raw, _ := json.Marshal(data)
	return socket.Frame{Action: action, Data: raw}
}

func TestHandler_Dispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, _ := f.session(dana)
	op, _ := f.session(alice)
	uh := NewHandler(ctx, user)
	oh := NewHandler(ctx, op)

	out, err := uh.Dispatch(ctx, frame(ActionSend, SendInput{Content: "help"}))
	require.NoError(t, err)
	sent := out.(*conversation.SendResult)
	chatID := sent.Conversation.ID

	out, err = oh.Dispatch(ctx, frame(ActionClaim, chatRef{ChatID: chatID}))
	require.NoError(t, err)
	assert.Equal(t, "a1", out.(*store.Conversation).AssignedAdminID)

	out, err = oh.Dispatch(ctx, frame(ActionJoin, chatRef{ChatID: chatID}))
	require.NoError(t, err)
	assert.Len(t, out.(*JoinResult).Messages.Messages, 1)

	out, err = oh.Dispatch(ctx, frame(ActionRead, chatRef{ChatID: chatID}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"count": 1}, out)

	_, err = oh.Dispatch(ctx, frame(ActionTyping, typingData{ChatID: chatID, IsTyping: true}))
	require.NoError(t, err)

	_, err = uh.Dispatch(ctx, frame(ActionLock, chatRef{ChatID: chatID}))
	assert.ErrorIs(t, err, ErrOperatorOnly)

	_, err = oh.Dispatch(ctx, socket.Frame{Action: "dance"})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, "validation", errorBody(err).Kind)

	_, err = oh.Dispatch(ctx, socket.Frame{Action: ActionClaim, Data: json.RawMessage(`[1,2`)})
	require.Error(t, err)
	assert.Equal(t, "validation", errorBody(err).Kind)

	out, err = oh.Dispatch(ctx, frame(ActionClose, chatRef{ChatID: chatID}))
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, out.(*store.Conversation).Status)
}

func TestErrorBody(t *testing.T) {
	body := errorBody(ErrOperatorOnly)
	assert.Equal(t, "forbidden", body.Kind)

	body = errorBody(assert.AnError)
	assert.Equal(t, "internal", body.Kind)
	assert.Equal(t, "internal server error", body.Error)
}
