// ABOUTME: Closed set of domain events raised by conversation state changes
// ABOUTME: Each variant carries the state it needs for routing and payload construction

package fanout

import "github.com/2389/support-gateway/internal/store"

// Event is a domain event. The set of implementations is closed: only types in
// this package satisfy it, and Route handles every one of them.
type Event interface {
	// ConversationID keys the ordering shard the event is dispatched on.
	ConversationID() string
	isEvent()
}

// ConversationCreated is raised once when a new conversation enters the pool.
type ConversationCreated struct {
	Conversation *store.Conversation
}

// ConversationClaimed is raised when an operator takes ownership.
type ConversationClaimed struct {
	Conversation *store.Conversation
}

// ConversationLocked is raised when an operator claims and hides a conversation.
type ConversationLocked struct {
	Conversation *store.Conversation
}

// ConversationUnlocked is raised when a conversation returns to the pool.
type ConversationUnlocked struct {
	Conversation *store.Conversation
}

// ConversationTransferred is raised when ownership moves between operators.
// FromAdminIDs lists every operator that should be told the conversation
// left them: the one named in the request and the actual previous owner.
type ConversationTransferred struct {
	Conversation *store.Conversation
	FromAdminIDs []string
}

// ConversationClosed is raised when a conversation reaches its terminal state.
type ConversationClosed struct {
	Conversation *store.Conversation
}

// MessageSent is raised after a message is appended to the log.
type MessageSent struct {
	Conversation *store.Conversation
	Message      *store.Message
}

// TypingChanged is an ephemeral typing signal. Exclude names the sender's connection.
type TypingChanged struct {
	ChatID   string
	UserID   string
	UserName string
	IsTyping bool
	Exclude  string
}

// MessagesRead is raised after a batch of messages is marked read.
type MessagesRead struct {
	ChatID     string
	ReaderID   string
	ReaderType store.SenderType
	Count      int64
	Exclude    string
}

// PresenceChanged is raised when an end user's connectivity changes.
type PresenceChanged struct {
	Conversation *store.Conversation
	Online       bool
}

func (e ConversationCreated) ConversationID() string     { return e.Conversation.ID }
func (e ConversationClaimed) ConversationID() string     { return e.Conversation.ID }
func (e ConversationLocked) ConversationID() string      { return e.Conversation.ID }
func (e ConversationUnlocked) ConversationID() string    { return e.Conversation.ID }
func (e ConversationTransferred) ConversationID() string { return e.Conversation.ID }
func (e ConversationClosed) ConversationID() string      { return e.Conversation.ID }
func (e MessageSent) ConversationID() string             { return e.Conversation.ID }
func (e TypingChanged) ConversationID() string           { return e.ChatID }
func (e MessagesRead) ConversationID() string            { return e.ChatID }
func (e PresenceChanged) ConversationID() string         { return e.Conversation.ID }

func (ConversationCreated) isEvent()     {}
func (ConversationClaimed) isEvent()     {}
func (ConversationLocked) isEvent()      {}
func (ConversationUnlocked) isEvent()    {}
func (ConversationTransferred) isEvent() {}
func (ConversationClosed) isEvent()      {}
func (MessageSent) isEvent()             {}
func (TypingChanged) isEvent()           {}
func (MessagesRead) isEvent()            {}
func (PresenceChanged) isEvent()         {}

// Wire event names.
const (
	EventNewChat             = "new-chat"
	EventChatTaken           = "chat-taken"
	EventAdminJoined         = "admin-joined"
	EventChatLocked          = "chat-locked"
	EventChatUnlocked        = "chat-unlocked"
	EventChatTransferredOut  = "chat-transferred-out"
	EventChatTransferredIn   = "chat-transferred-in"
	EventAdminChanged        = "admin-changed"
	EventChatClosed          = "chat-closed"
	EventNewMessage          = "new-message"
	EventMessageNotification = "message-notification"
	EventTyping              = "typing"
	EventMessagesRead        = "messages-read"
	EventUserStatus          = "user-status"
)

// Payloads. Field names follow the JSON contract clients already consume.

type NewChatPayload struct {
	Chat *store.Conversation `json:"chat"`
}

type ChatTakenPayload struct {
	ChatID    string `json:"chatId"`
	AdminID   string `json:"adminId"`
	AdminName string `json:"adminName"`
}

type AdminJoinedPayload struct {
	ChatID    string `json:"chatId"`
	AdminName string `json:"adminName"`
}

type ChatLockedPayload struct {
	ChatID            string              `json:"chatId"`
	LockedByAdminID   string              `json:"lockedByAdminId"`
	LockedByAdminName string              `json:"lockedByAdminName"`
	Chat              *store.Conversation `json:"chat"`
}

type ChatUnlockedPayload struct {
	ChatID string              `json:"chatId"`
	Chat   *store.Conversation `json:"chat"`
}

type ChatTransferredOutPayload struct {
	ChatID      string `json:"chatId"`
	ToAdminName string `json:"toAdminName"`
}

type ChatTransferredInPayload struct {
	Chat *store.Conversation `json:"chat"`
}

type AdminChangedPayload struct {
	ChatID    string `json:"chatId"`
	AdminName string `json:"adminName"`
}

type ChatClosedPayload struct {
	ChatID string `json:"chatId"`
}

type NewMessagePayload struct {
	Message *store.Message `json:"message"`
}

// MessageNotificationPayload omits Chat when the recipient is the end user.
type MessageNotificationPayload struct {
	ChatID  string              `json:"chatId"`
	Message *store.Message      `json:"message"`
	Chat    *store.Conversation `json:"chat,omitempty"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesReadPayload struct {
	ChatID     string           `json:"chatId"`
	ReaderID   string           `json:"readerId"`
	ReaderType store.SenderType `json:"readerType"`
}

type UserStatusPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
