// ABOUTME: Service is the assignment and lock coordinator for support conversations
// ABOUTME: Every state change is persisted first, then raised as a fan-out event

package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/fanout"
	"github.com/2389/support-gateway/internal/store"
)

const (
	// DefaultUserName is used when a user does not supply a display name.
	DefaultUserName = "Customer"
	// DefaultAdminName is used when an operator does not supply a display name.
	DefaultAdminName = "Admin"

	// PreviewLength is the number of runes kept in Conversation.LastMessage.
	PreviewLength = 100

	DefaultPageSize = 50
	MaxPageSize     = 200

	// sendStripes is the number of per-conversation send locks.
	sendStripes = 64
)

// EventSink receives domain events after the state change they describe is committed.
type EventSink interface {
	Dispatch(ev fanout.Event)
}

// RepeatFilter suppresses typing signals that restate the previous one.
type RepeatFilter interface {
	Repeat(key, value string) bool
}

// Service coordinates conversation lifecycle transitions. Ownership changes are
// conditional updates in the store. Sends to one conversation are serialized
// from append through dispatch so new-message events leave in log order.
type Service struct {
	store  store.Store
	events EventSink
	typing RepeatFilter
	logger *slog.Logger

	sendLocks [sendStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithTypingFilter drops typing signals the filter reports as repeats.
func WithTypingFilter(f RepeatFilter) Option {
	return func(s *Service) { s.typing = f }
}

// New creates a Service.
func New(st store.Store, events EventSink, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		events: events,
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the user's open conversation, creating one if none exists.
// created is true only when this call created it; new-chat is raised only then.
func (s *Service) GetOrCreate(ctx context.Context, userID, userName string) (c *store.Conversation, created bool, err error) {
	if userID == "" {
		return nil, false, validationError("userId is required")
	}
	if userName == "" {
		userName = DefaultUserName
	}

	existing, err := s.store.GetOpenConversationByUser(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up open conversation: %w", err)
	}

	now := time.Now().UTC()
	c = &store.Conversation{
		ID:            uuid.New().String(),
		UserID:        userID,
		UserName:      userName,
		Status:        store.StatusWaiting,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		// Another request created it between our lookup and insert
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.GetOpenConversationByUser(ctx, userID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "chat_id", existing.ID, "user_id", userID)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "user_id", userID, "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created", "chat_id", c.ID, "user_id", userID)
	s.events.Dispatch(fanout.ConversationCreated{Conversation: c.Clone()})
	return c, true, nil
}

// ListUserConversations returns every conversation of a user, newest activity first.
func (s *Service) ListUserConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	if userID == "" {
		return nil, validationError("userId is required")
	}
	return s.list(ctx, store.ConversationFilter{UserID: userID})
}

// ListWaiting returns the waiting pool as seen by r.
func (s *Service) ListWaiting(ctx context.Context, r Requester) ([]*store.Conversation, error) {
	all, err := s.list(ctx, store.ConversationFilter{Status: store.StatusWaiting, UnassignedOnly: true})
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, c := range all {
		if VisibleInWaitingPool(c, r) {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

// ListOperatorConversations returns the open conversations owned by adminID.
func (s *Service) ListOperatorConversations(ctx context.Context, adminID string) ([]*store.Conversation, error) {
	if adminID == "" {
		return nil, validationError("adminId is required")
	}
	return s.list(ctx, store.ConversationFilter{AssignedAdminID: adminID, ExcludeClosed: true})
}

// ListAll returns every conversation, optionally narrowed to one status.
func (s *Service) ListAll(ctx context.Context, status string) ([]*store.Conversation, error) {
	st := store.ConversationStatus(status)
	if status != "" && !st.Valid() {
		return nil, validationError("unknown status %q", status)
	}
	return s.list(ctx, store.ConversationFilter{Status: st})
}

func (s *Service) list(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error) {
	out, err := s.store.ListConversations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if out == nil {
		out = []*store.Conversation{}
	}
	return out, nil
}

// Claim gives an operator ownership of a waiting conversation. Re-claiming a
// conversation the operator already owns succeeds without change.
func (s *Service) Claim(ctx context.Context, chatID string, op Requester) (*store.Conversation, error) {
	return s.assign(ctx, chatID, op, false)
}

// Lock claims the conversation and hides it from the rest of the pool in one step.
func (s *Service) Lock(ctx context.Context, chatID string, op Requester) (*store.Conversation, error) {
	return s.assign(ctx, chatID, op, true)
}

func (s *Service) assign(ctx context.Context, chatID string, op Requester, lock bool) (*store.Conversation, error) {
	if chatID == "" || op.ID == "" {
		return nil, validationError("chatId and adminId are required")
	}
	owner := store.Owner{ID: op.ID, Name: op.Name}
	if owner.Name == "" {
		owner.Name = DefaultAdminName
	}

	c, err := s.store.AssignConversation(ctx, chatID, owner, lock)
	if err != nil {
		if errors.Is(err, store.ErrAssignmentConflict) {
			ownerName := "another operator"
			if c != nil && c.AssignedAdminName != "" {
				ownerName = c.AssignedAdminName
			}
			s.logger.Info("assignment conflict",
				"chat_id", chatID,
				"admin_id", op.ID,
				"owner", ownerName,
				"lock", lock)
			return nil, conflict(ownerName, err)
		}
		return nil, s.mapStoreError("conversation", err)
	}

	if lock {
		s.logger.Info("conversation locked", "chat_id", chatID, "admin_id", op.ID)
		s.events.Dispatch(fanout.ConversationLocked{Conversation: c.Clone()})
	} else {
		s.logger.Info("conversation claimed", "chat_id", chatID, "admin_id", op.ID)
		s.events.Dispatch(fanout.ConversationClaimed{Conversation: c.Clone()})
	}
	return c, nil
}

// Unlock releases assignment and lock together and returns the conversation to
// the pool. Only the owner or a super-admin may unlock.
func (s *Service) Unlock(ctx context.Context, chatID string, r Requester) (*store.Conversation, error) {
	if chatID == "" || r.ID == "" {
		return nil, validationError("chatId and adminId are required")
	}

	c, err := s.store.ReleaseConversation(ctx, chatID, r.ID, r.SuperAdmin)
	if err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			return nil, forbidden("only the owning operator or a super-admin can unlock this conversation", err)
		}
		return nil, s.mapStoreError("conversation", err)
	}

	s.logger.Info("conversation unlocked", "chat_id", chatID, "admin_id", r.ID, "super_admin", r.SuperAdmin)
	s.events.Dispatch(fanout.ConversationUnlocked{Conversation: c.Clone()})
	return c, nil
}

// TransferRequest moves a conversation between operators.
type TransferRequest struct {
	ChatID      string
	FromAdminID string
	ToAdminID   string
	ToAdminName string
}

// Transfer reassigns ownership without changing status or lock state.
// FromAdminID is not checked against the current owner; a mismatch is logged.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*store.Conversation, error) {
	if req.ChatID == "" || req.ToAdminID == "" {
		return nil, validationError("chatId and toAdminId are required")
	}
	to := store.Owner{ID: req.ToAdminID, Name: req.ToAdminName}
	if to.Name == "" {
		to.Name = DefaultAdminName
	}

	c, previous, err := s.store.TransferConversation(ctx, req.ChatID, to)
	if err != nil {
		return nil, s.mapStoreError("conversation", err)
	}

	if previous.ID != req.FromAdminID {
		s.logger.Warn("transfer source does not match current owner",
			"chat_id", req.ChatID,
			"from_admin_id", req.FromAdminID,
			"owner_id", previous.ID)
	}
	s.logger.Info("conversation transferred", "chat_id", req.ChatID, "from", previous.ID, "to", to.ID)

	s.events.Dispatch(fanout.ConversationTransferred{
		Conversation: c.Clone(),
		FromAdminIDs: []string{req.FromAdminID, previous.ID},
	})
	return c, nil
}

// Close ends a conversation. Closing an already closed conversation returns it
// unchanged and raises no event.
func (s *Service) Close(ctx context.Context, chatID string) (*store.Conversation, error) {
	if chatID == "" {
		return nil, validationError("chatId is required")
	}

	c, changed, err := s.store.CloseConversation(ctx, chatID)
	if err != nil {
		return nil, s.mapStoreError("conversation", err)
	}
	if changed {
		s.logger.Info("conversation closed", "chat_id", chatID)
		s.events.Dispatch(fanout.ConversationClosed{Conversation: c.Clone()})
	}
	return c, nil
}

// MessagePage is one page of a conversation's log, oldest first.
type MessagePage struct {
	Messages []*store.Message `json:"messages"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	Total    int              `json:"total"`
	Pages    int              `json:"pages"`
}

// ListMessages returns page (1-based) of the log in insertion order. Zero or
// negative values take the defaults; limit is capped.
func (s *Service) ListMessages(ctx context.Context, chatID string, page, limit int) (*MessagePage, error) {
	if chatID == "" {
		return nil, validationError("chatId is required")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	msgs, total, err := s.store.ListMessages(ctx, chatID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return &MessagePage{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		Pages:    (total + limit - 1) / limit,
	}, nil
}

// LatestMessages returns the last page of the log, which is what a participant
// joining a conversation needs to render.
func (s *Service) LatestMessages(ctx context.Context, chatID string, limit int) (*MessagePage, error) {
	first, err := s.ListMessages(ctx, chatID, 1, limit)
	if err != nil || first.Pages <= 1 {
		return first, err
	}
	return s.ListMessages(ctx, chatID, first.Pages, first.Limit)
}

// SendRequest is a message to append.
type SendRequest struct {
	ChatID      string
	SenderID    string
	SenderType  store.SenderType
	SenderName  string
	Content     string
	MessageType store.MessageType
	FileURL     string
}

// SendResult is the persisted message and the conversation after the append.
type SendResult struct {
	Message      *store.Message      `json:"message"`
	Conversation *store.Conversation `json:"chat"`
	Created      bool                `json:"created"` // the conversation was created by this send
}

// SendMessage appends a message and raises new-message plus the matching
// notification. A user sending without a chatId writes to their open
// conversation, creating it if needed.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.SenderID == "" || strings.TrimSpace(req.Content) == "" {
		return nil, validationError("senderId and content are required")
	}
	if !req.SenderType.Valid() {
		return nil, validationError("senderType must be user or admin")
	}
	if req.MessageType == "" {
		req.MessageType = store.MessageTypeText
	}
	if !req.MessageType.Valid() {
		return nil, validationError("unknown messageType %q", req.MessageType)
	}
	if req.SenderName == "" {
		req.SenderName = DefaultAdminName
		if req.SenderType == store.SenderUser {
			req.SenderName = DefaultUserName
		}
	}

	var created bool
	chatID := req.ChatID
	if chatID == "" {
		if req.SenderType != store.SenderUser {
			return nil, validationError("chatId is required")
		}
		c, isNew, err := s.GetOrCreate(ctx, req.SenderID, req.SenderName)
		if err != nil {
			return nil, err
		}
		chatID, created = c.ID, isNew
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    req.SenderID,
		SenderType:  req.SenderType,
		SenderName:  req.SenderName,
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
	}
	unlock := s.lockSend(chatID)
	defer unlock()

	c, err := s.store.AppendMessage(ctx, msg, Preview(req.Content))
	if err != nil {
		return nil, s.mapStoreError("conversation", err)
	}

	s.logger.Debug("message recorded",
		"chat_id", chatID,
		"message_id", msg.ID,
		"sender_type", msg.SenderType)

	s.events.Dispatch(fanout.MessageSent{Conversation: c.Clone(), Message: cloneMessage(msg)})
	return &SendResult{Message: msg, Conversation: c, Created: created}, nil
}

// lockSend holds the send stripe for chatID and returns its release.
func (s *Service) lockSend(chatID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	mu := &s.sendLocks[h.Sum32()%sendStripes]
	mu.Lock()
	return mu.Unlock
}

// TypingRequest is an ephemeral typing signal. Exclude names the sender's connection.
type TypingRequest struct {
	ChatID   string
	UserID   string
	UserName string
	IsTyping bool
	Exclude  string
}

// SetTyping raises a typing event. Nothing is persisted. It reports whether
// the signal was forwarded. The conversation must exist and be open.
func (s *Service) SetTyping(ctx context.Context, req TypingRequest) (bool, error) {
	if req.ChatID == "" {
		return false, validationError("chatId is required")
	}
	c, err := s.Get(ctx, req.ChatID)
	if err != nil {
		return false, err
	}
	if c.IsClosed() {
		return false, closedError(nil)
	}
	if s.typing != nil && s.typing.Repeat(req.ChatID+"/"+req.UserID, strconv.FormatBool(req.IsTyping)) {
		return false, nil
	}
	s.events.Dispatch(fanout.TypingChanged{
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		UserName: req.UserName,
		IsTyping: req.IsTyping,
		Exclude:  req.Exclude,
	})
	return true, nil
}

// ReadRequest marks the other side's messages as read.
type ReadRequest struct {
	ChatID     string
	ReaderID   string
	ReaderType store.SenderType
	Exclude    string
}

// MarkRead flips unread messages written by the other side to read. An
// operator reading also resets the unread counter.
func (s *Service) MarkRead(ctx context.Context, req ReadRequest) (int64, error) {
	if req.ChatID == "" || req.ReaderID == "" {
		return 0, validationError("chatId and readerId are required")
	}
	if !req.ReaderType.Valid() {
		return 0, validationError("readerType must be user or admin")
	}

	n, err := s.store.MarkMessagesRead(ctx, req.ChatID, req.ReaderType.Opposite(), time.Now().UTC(), req.ReaderType == store.SenderAdmin)
	if err != nil {
		return 0, s.mapStoreError("conversation", err)
	}

	s.events.Dispatch(fanout.MessagesRead{
		ChatID:     req.ChatID,
		ReaderID:   req.ReaderID,
		ReaderType: req.ReaderType,
		Count:      n,
		Exclude:    req.Exclude,
	})
	return n, nil
}

// SetUserOnline mirrors a user's presence onto their open conversation and
// tells its operator (or the pool). A user without an open conversation
// yields nil and no event.
func (s *Service) SetUserOnline(ctx context.Context, userID string, online bool) (*store.Conversation, error) {
	if userID == "" {
		return nil, validationError("userId is required")
	}

	c, err := s.store.SetUserOnline(ctx, userID, online)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating user status: %w", err)
	}

	s.events.Dispatch(fanout.PresenceChanged{Conversation: c.Clone(), Online: online})
	return c, nil
}

// Get returns a conversation by ID.
func (s *Service) Get(ctx context.Context, chatID string) (*store.Conversation, error) {
	c, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		return nil, s.mapStoreError("conversation", err)
	}
	return c, nil
}

// mapStoreError converts store sentinels into the caller-facing taxonomy.
// Anything else is a persistence failure and is wrapped as-is.
func (s *Service) mapStoreError(what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(what)
	case errors.Is(err, store.ErrConversationClosed):
		return closedError(err)
	}
	s.logger.Error("store operation failed", "error", err)
	return fmt.Errorf("%s update failed: %w", what, err)
}

// Preview truncates content to PreviewLength runes.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength])
}

func cloneMessage(m *store.Message) *store.Message {
	cp := *m
	return &cp
}
