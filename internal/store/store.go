// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Conversation, Message and the registry/message-log operations backends must provide

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a user already has a conversation that is not closed
var ErrDuplicateConversation = errors.New("user already has an open conversation")

// ErrAssignmentConflict is returned when a conditional assignment lost to another operator.
// The current record is returned alongside it so callers can name the owner.
var ErrAssignmentConflict = errors.New("conversation is assigned to another operator")

// ErrNotOwner is returned when a release is attempted by someone other than the owner.
var ErrNotOwner = errors.New("requester does not own the conversation")

// ErrConversationClosed is returned when a mutation targets a closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusWaiting ConversationStatus = "waiting"
	StatusActive  ConversationStatus = "active"
	StatusClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// SenderType identifies which side of a conversation wrote a message.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	return t == SenderUser || t == SenderAdmin
}

// Opposite returns the other side of the conversation.
func (t SenderType) Opposite() SenderType {
	if t == SenderAdmin {
		return SenderUser
	}
	return SenderAdmin
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Conversation is a support thread between one end user and at most one operator.
// Empty AssignedAdminID / LockedByAdminID mean "no operator".
type Conversation struct {
	ID                string             `json:"id" bson:"_id"`
	UserID            string             `json:"userId" bson:"user_id"`
	UserName          string             `json:"userName" bson:"user_name"`
	AssignedAdminID   string             `json:"assignedAdminId" bson:"assigned_admin_id"`
	AssignedAdminName string             `json:"assignedAdminName" bson:"assigned_admin_name"`
	Status            ConversationStatus `json:"status" bson:"status"`
	IsLocked          bool               `json:"isLocked" bson:"is_locked"`
	LockedByAdminID   string             `json:"lockedByAdminId" bson:"locked_by_admin_id"`
	LockedByAdminName string             `json:"lockedByAdminName" bson:"locked_by_admin_name"`
	LastMessage       string             `json:"lastMessage" bson:"last_message"`
	LastMessageAt     time.Time          `json:"lastMessageAt" bson:"last_message_at"`
	UnreadCount       int                `json:"unreadCount" bson:"unread_count"`
	UserOnline        bool               `json:"userOnline" bson:"user_online"`
	CreatedAt         time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time          `json:"updatedAt" bson:"updated_at"`
}

// IsAssigned reports whether an operator owns the conversation.
func (c *Conversation) IsAssigned() bool {
	return c.AssignedAdminID != ""
}

// IsClosed reports whether the conversation reached its terminal state.
func (c *Conversation) IsClosed() bool {
	return c.Status == StatusClosed
}

// Clone returns a copy that callers may modify freely.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	ID          string      `json:"id" bson:"_id"`
	ChatID      string      `json:"chatId" bson:"chat_id"`
	Seq         int64       `json:"seq" bson:"seq"`
	SenderID    string      `json:"senderId" bson:"sender_id"`
	SenderType  SenderType  `json:"senderType" bson:"sender_type"`
	SenderName  string      `json:"senderName" bson:"sender_name"`
	Content     string      `json:"content" bson:"content"`
	MessageType MessageType `json:"messageType" bson:"message_type"`
	FileURL     string      `json:"fileUrl,omitempty" bson:"file_url,omitempty"`
	IsRead      bool        `json:"isRead" bson:"is_read"`
	ReadAt      *time.Time  `json:"readAt" bson:"read_at,omitempty"`
	CreatedAt   time.Time   `json:"createdAt" bson:"created_at"`
}

// Owner identifies an operator taking or receiving ownership.
type Owner struct {
	ID   string
	Name string
}

// ConversationFilter narrows ListConversations. Zero values mean "any".
// Results are ordered by LastMessageAt, newest first.
type ConversationFilter struct {
	UserID          string
	AssignedAdminID string
	Status          ConversationStatus
	ExcludeClosed   bool
	UnassignedOnly  bool
	Limit           int
}

// Matches applies the filter to a single conversation. Backends that cannot
// express a filter natively use this to post-filter.
func (f ConversationFilter) Matches(c *Conversation) bool {
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.AssignedAdminID != "" && c.AssignedAdminID != f.AssignedAdminID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.ExcludeClosed && c.IsClosed() {
		return false
	}
	if f.UnassignedOnly && c.IsAssigned() {
		return false
	}
	return true
}

// Store defines the conversation registry and message log.
//
// Ownership transitions are conditional updates: each one checks its
// precondition and writes in a single atomic step, so two operators racing for
// the same conversation cannot both succeed. On a failed precondition the
// current record is returned together with the sentinel error.
type Store interface {
	// Conversation registry
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// Ownership transitions
	AssignConversation(ctx context.Context, id string, owner Owner, lock bool) (*Conversation, error)
	ReleaseConversation(ctx context.Context, id, requesterID string, force bool) (*Conversation, error)
	TransferConversation(ctx context.Context, id string, to Owner) (updated *Conversation, previous Owner, err error)
	CloseConversation(ctx context.Context, id string) (c *Conversation, changed bool, err error)
	SetUserOnline(ctx context.Context, userID string, online bool) (*Conversation, error)

	// Message log
	AppendMessage(ctx context.Context, msg *Message, preview string) (*Conversation, error)
	ListMessages(ctx context.Context, chatID string, offset, limit int) ([]*Message, int, error)
	MarkMessagesRead(ctx context.Context, chatID string, sender SenderType, readAt time.Time, resetUnread bool) (int64, error)

	// Close releases any resources held by the store
	Close() error
}
