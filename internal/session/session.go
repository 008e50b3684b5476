// ABOUTME: Per-participant facade over the coordinator, presence and a live subscription
// ABOUTME: Join/leave/send/typing/read for everyone, ownership actions for operators

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/fanout"
	"github.com/2389/support-gateway/internal/presence"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/transport/socket"
)

// DefaultBacklog is how many recent messages Join returns.
const DefaultBacklog = conversation.DefaultPageSize

var (
	// ErrOperatorOnly is returned when an end user attempts an operator action.
	ErrOperatorOnly = fmt.Errorf("%w: operator action", conversation.ErrForbidden)
	// ErrChannelDenied is returned for subscriptions outside the participant's reach.
	ErrChannelDenied = fmt.Errorf("%w: channel not allowed", conversation.ErrForbidden)
)

// Identity is the authenticated participant behind a session.
type Identity struct {
	ID         string
	Name       string
	Role       presence.Role
	SuperAdmin bool
}

// IsOperator reports whether the participant is an operator.
func (id Identity) IsOperator() bool { return id.Role == presence.RoleOperator }

func (id Identity) requester() conversation.Requester {
	return conversation.Requester{ID: id.ID, Name: id.Name, SuperAdmin: id.SuperAdmin}
}

func (id Identity) participant() presence.Participant {
	return presence.Participant{ID: id.ID, Name: id.Name, Role: id.Role}
}

func (id Identity) senderType() store.SenderType {
	if id.IsOperator() {
		return store.SenderAdmin
	}
	return store.SenderUser
}

// Subscriber is the live connection a session drives.
type Subscriber interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	Send(out socket.Outbound) error
}

// Session is one participant's view. It holds no conversation state of its
// own; every rule is enforced by the coordinator.
type Session struct {
	who     Identity
	svc     *conversation.Service
	tracker *presence.Tracker
	logger  *slog.Logger

	connID string
	sub    Subscriber
}

// New creates a session for who. tracker may be nil.
func New(who Identity, svc *conversation.Service, tracker *presence.Tracker, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		who:     who,
		svc:     svc,
		tracker: tracker,
		logger:  logger.With("component", "session", "participant_id", who.ID, "role", who.Role),
	}
}

// Identity returns the participant behind the session.
func (s *Session) Identity() Identity { return s.who }

// ConnID is the connection id other publishers use to exclude this session.
func (s *Session) ConnID() string { return s.connID }

// Attach binds the session to a live connection, subscribes the
// participant's personal channels and marks them online.
func (s *Session) Attach(ctx context.Context, connID string, sub Subscriber) {
	s.connID, s.sub = connID, sub
	for _, ch := range s.homeChannels() {
		sub.Subscribe(string(ch))
	}
	if s.tracker != nil {
		s.tracker.Connect(ctx, s.who.participant())
	}
	s.logger.Debug("session attached", "conn_id", connID)
}

// Detach marks the participant offline if this was their last connection.
func (s *Session) Detach(ctx context.Context) {
	if s.tracker != nil {
		s.tracker.Disconnect(ctx, s.who.participant())
	}
	s.logger.Debug("session detached", "conn_id", s.connID)
}

func (s *Session) homeChannels() []fanout.Address {
	if s.who.IsOperator() {
		return []fanout.Address{fanout.PoolAddress, fanout.OperatorAddress(s.who.ID)}
	}
	return []fanout.Address{fanout.UserAddress(s.who.ID)}
}

// JoinResult is the conversation and its recent backlog.
type JoinResult struct {
	Chat     *store.Conversation       `json:"chat"`
	Messages *conversation.MessagePage `json:"messages"`
}

// Join subscribes to a conversation's channel and returns its latest messages.
func (s *Session) Join(ctx context.Context, chatID string) (*JoinResult, error) {
	c, err := s.svc.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !s.who.CanView(c) {
		return nil, ErrChannelDenied
	}
	page, err := s.svc.LatestMessages(ctx, chatID, DefaultBacklog)
	if err != nil {
		return nil, err
	}
	if s.sub != nil {
		s.sub.Subscribe(string(fanout.ConversationAddress(chatID)))
	}
	return &JoinResult{Chat: c, Messages: page}, nil
}

// Leave unsubscribes from a conversation's channel.
func (s *Session) Leave(chatID string) {
	if s.sub != nil {
		s.sub.Unsubscribe(string(fanout.ConversationAddress(chatID)))
	}
}

// CanView applies the same rule as the waiting pool: a lock hides a
// conversation from every operator but its holder and super-admins. End
// users only see their own conversations.
func (id Identity) CanView(c *store.Conversation) bool {
	if !id.IsOperator() {
		return c.UserID == id.ID
	}
	if id.SuperAdmin || !c.IsLocked {
		return true
	}
	return c.LockedByAdminID == id.ID
}

// SubscribeChannel authorizes and subscribes a raw channel name.
func (s *Session) SubscribeChannel(ctx context.Context, channel string) error {
	family, key := fanout.Parse(fanout.Address(channel))
	switch family {
	case fanout.FamilyConversation:
		_, err := s.Join(ctx, key)
		return err
	case fanout.FamilyPool:
		if !s.who.IsOperator() {
			return ErrChannelDenied
		}
	case fanout.FamilyOperator:
		if !s.who.IsOperator() || (key != s.who.ID && !s.who.SuperAdmin) {
			return ErrChannelDenied
		}
	case fanout.FamilyUser:
		if s.who.IsOperator() || key != s.who.ID {
			return ErrChannelDenied
		}
	default:
		return ErrChannelDenied
	}
	if s.sub != nil {
		s.sub.Subscribe(channel)
	}
	return nil
}

// UnsubscribeChannel drops a subscription. Home channels are kept.
func (s *Session) UnsubscribeChannel(channel string) {
	for _, home := range s.homeChannels() {
		if string(home) == channel {
			return
		}
	}
	if s.sub != nil {
		s.sub.Unsubscribe(channel)
	}
}

// SendInput is a message written by the session's participant.
type SendInput struct {
	ChatID      string            `json:"chatId"`
	Content     string            `json:"content"`
	MessageType store.MessageType `json:"messageType"`
	FileURL     string            `json:"fileUrl"`
}

// Send appends a message as the session's participant. A user sending
// without a chat id lands in their open conversation and is subscribed to it.
func (s *Session) Send(ctx context.Context, in SendInput) (*conversation.SendResult, error) {
	if in.ChatID != "" {
		if err := s.authorizeChat(ctx, in.ChatID); err != nil {
			return nil, err
		}
	}
	res, err := s.svc.SendMessage(ctx, conversation.SendRequest{
		ChatID:      in.ChatID,
		SenderID:    s.who.ID,
		SenderType:  s.who.senderType(),
		SenderName:  s.who.Name,
		Content:     in.Content,
		MessageType: in.MessageType,
		FileURL:     in.FileURL,
	})
	if err != nil {
		return nil, err
	}
	if in.ChatID == "" && s.sub != nil {
		s.sub.Subscribe(string(fanout.ConversationAddress(res.Conversation.ID)))
	}
	return res, nil
}

// Typing forwards a typing signal to the conversation, skipping this connection.
func (s *Session) Typing(ctx context.Context, chatID string, isTyping bool) error {
	if err := s.authorizeChat(ctx, chatID); err != nil {
		return err
	}
	_, err := s.svc.SetTyping(ctx, conversation.TypingRequest{
		ChatID:   chatID,
		UserID:   s.who.ID,
		UserName: s.who.Name,
		IsTyping: isTyping,
		Exclude:  s.connID,
	})
	return err
}

// Read marks the other side's messages read.
func (s *Session) Read(ctx context.Context, chatID string) (int64, error) {
	if err := s.authorizeChat(ctx, chatID); err != nil {
		return 0, err
	}
	return s.svc.MarkRead(ctx, conversation.ReadRequest{
		ChatID:     chatID,
		ReaderID:   s.who.ID,
		ReaderType: s.who.senderType(),
		Exclude:    s.connID,
	})
}

// authorizeChat keeps end users inside their own conversations. Operators
// write wherever the coordinator lets them.
func (s *Session) authorizeChat(ctx context.Context, chatID string) error {
	if s.who.IsOperator() {
		return nil
	}
	c, err := s.svc.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if c.UserID != s.who.ID {
		return ErrChannelDenied
	}
	return nil
}

// Claim takes ownership of a waiting conversation.
func (s *Session) Claim(ctx context.Context, chatID string) (*store.Conversation, error) {
	if !s.who.IsOperator() {
		return nil, ErrOperatorOnly
	}
	return s.svc.Claim(ctx, chatID, s.who.requester())
}

// Lock claims and hides a conversation from the pool.
func (s *Session) Lock(ctx context.Context, chatID string) (*store.Conversation, error) {
	if !s.who.IsOperator() {
		return nil, ErrOperatorOnly
	}
	return s.svc.Lock(ctx, chatID, s.who.requester())
}

// Unlock returns a conversation to the pool.
func (s *Session) Unlock(ctx context.Context, chatID string) (*store.Conversation, error) {
	if !s.who.IsOperator() {
		return nil, ErrOperatorOnly
	}
	return s.svc.Unlock(ctx, chatID, s.who.requester())
}

// Transfer hands a conversation to another operator.
func (s *Session) Transfer(ctx context.Context, chatID, toAdminID, toAdminName string) (*store.Conversation, error) {
	if !s.who.IsOperator() {
		return nil, ErrOperatorOnly
	}
	return s.svc.Transfer(ctx, conversation.TransferRequest{
		ChatID:      chatID,
		FromAdminID: s.who.ID,
		ToAdminID:   toAdminID,
		ToAdminName: toAdminName,
	})
}

// Close ends a conversation.
func (s *Session) Close(ctx context.Context, chatID string) (*store.Conversation, error) {
	if !s.who.IsOperator() {
		return nil, ErrOperatorOnly
	}
	return s.svc.Close(ctx, chatID)
}

// PresenceNotifier mirrors end-user presence onto their open conversation.
// Operator presence is tracked but not persisted.
func PresenceNotifier(svc *conversation.Service, logger *slog.Logger) presence.Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	return presence.NotifierFunc(func(ctx context.Context, p presence.Participant, online bool) {
		if p.Role != presence.RoleUser {
			return
		}
		if _, err := svc.SetUserOnline(ctx, p.ID, online); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("failed to record user presence", "user_id", p.ID, "online", online, "error", err)
		}
	})
}
