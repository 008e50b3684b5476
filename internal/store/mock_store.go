// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by chat ID, insertion order
	seq           int64
	failWith      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	if !c.IsClosed() {
		if _, ok := m.openByUser(c.UserID); ok {
			return ErrDuplicateConversation
		}
	}

	// Make a copy to avoid external modification
	m.conversations[c.ID] = c.Clone()
	return nil
}

func (m *MockStore) openByUser(userID string) (*Conversation, bool) {
	for _, c := range m.conversations {
		if c.UserID == userID && !c.IsClosed() {
			return c, true
		}
	}
	return nil, false
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// GetOpenConversationByUser retrieves the user's conversation that is not closed.
func (m *MockStore) GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.openByUser(userID)
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListConversations returns conversations matching the filter, newest activity first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AssignConversation gives ownership to owner when unowned or already owned by owner.
func (m *MockStore) AssignConversation(ctx context.Context, id string, owner Owner, lock bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.IsClosed() {
		return c.Clone(), ErrConversationClosed
	}
	if c.IsAssigned() && c.AssignedAdminID != owner.ID {
		return c.Clone(), ErrAssignmentConflict
	}

	c.AssignedAdminID = owner.ID
	c.AssignedAdminName = owner.Name
	c.Status = StatusActive
	if lock {
		c.IsLocked = true
		c.LockedByAdminID = owner.ID
	}
	if c.IsLocked {
		c.LockedByAdminName = owner.Name
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// ReleaseConversation clears assignment and lock and returns the conversation to the pool.
func (m *MockStore) ReleaseConversation(ctx context.Context, id, requesterID string, force bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.IsClosed() {
		return c.Clone(), ErrConversationClosed
	}
	if !force && (!c.IsAssigned() || c.AssignedAdminID != requesterID) {
		return c.Clone(), ErrNotOwner
	}

	c.AssignedAdminID = ""
	c.AssignedAdminName = ""
	c.IsLocked = false
	c.LockedByAdminID = ""
	c.LockedByAdminName = ""
	c.Status = StatusWaiting
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// TransferConversation moves ownership to another operator; a held lock follows it.
func (m *MockStore) TransferConversation(ctx context.Context, id string, to Owner) (*Conversation, Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, Owner{}, m.failWith
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, Owner{}, ErrNotFound
	}
	if c.IsClosed() {
		return c.Clone(), Owner{}, ErrConversationClosed
	}

	previous := Owner{ID: c.AssignedAdminID, Name: c.AssignedAdminName}
	c.AssignedAdminID = to.ID
	c.AssignedAdminName = to.Name
	if c.IsLocked {
		c.LockedByAdminID = to.ID
		c.LockedByAdminName = to.Name
	} else {
		c.LockedByAdminID = ""
		c.LockedByAdminName = ""
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), previous, nil
}

// CloseConversation marks the conversation closed. changed is false if it already was.
func (m *MockStore) CloseConversation(ctx context.Context, id string) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, false, m.failWith
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.IsClosed() {
		return c.Clone(), false, nil
	}
	c.Status = StatusClosed
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), true, nil
}

// SetUserOnline mirrors presence onto the user's open conversation.
func (m *MockStore) SetUserOnline(ctx context.Context, userID string, online bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.openByUser(userID)
	if !ok {
		return nil, ErrNotFound
	}
	c.UserOnline = online
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

// AppendMessage stores msg and updates the conversation preview and unread counter.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message, preview string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	c, ok := m.conversations[msg.ChatID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.IsClosed() {
		return c.Clone(), ErrConversationClosed
	}

	createdAt := time.Now().UTC()
	if !createdAt.After(c.LastMessageAt) {
		createdAt = c.LastMessageAt.Add(time.Nanosecond)
	}
	m.seq++
	msg.Seq = m.seq
	msg.CreatedAt = createdAt

	stored := *msg
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], &stored)

	c.LastMessage = preview
	c.LastMessageAt = createdAt
	c.UpdatedAt = createdAt
	if msg.SenderType == SenderUser {
		c.UnreadCount++
	}
	return c.Clone(), nil
}

// ListMessages returns one page of the log in insertion order plus the total count.
func (m *MockStore) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]*Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, 0, m.failWith
	}

	all := m.messages[chatID]
	total := len(all)
	if offset >= total {
		return []*Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*Message, 0, end-offset)
	for _, msg := range all[offset:end] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, total, nil
}

// MarkMessagesRead flips unread messages written by sender to read.
func (m *MockStore) MarkMessagesRead(ctx context.Context, chatID string, sender SenderType, readAt time.Time, resetUnread bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}

	c, ok := m.conversations[chatID]
	if !ok {
		return 0, ErrNotFound
	}

	var n int64
	for _, msg := range m.messages[chatID] {
		if msg.SenderType == sender && !msg.IsRead {
			t := readAt
			msg.IsRead = true
			msg.ReadAt = &t
			n++
		}
	}
	if resetUnread && !c.IsClosed() {
		c.UnreadCount = 0
	}
	return n, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
