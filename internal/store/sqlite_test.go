// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation lifecycle transitions, message ordering, pagination and unread accounting

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(id, userID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:            id,
		UserID:        userID,
		UserName:      "Customer " + userID,
		Status:        StatusWaiting,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("c1", "u1")))
	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestSQLite_CreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newConversation("chat-1", "user-1")
	require.NoError(t, s.CreateConversation(ctx, c))

	got, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Customer user-1", got.UserName)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.False(t, got.IsAssigned())
	assert.False(t, got.IsLocked)
	assert.Empty(t, got.LockedByAdminID)
	assert.True(t, got.CreatedAt.Equal(c.CreatedAt))

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_OneOpenConversationPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))
	err := s.CreateConversation(ctx, newConversation("chat-2", "user-1"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	// Once closed, the user may open a new conversation
	_, changed, err := s.CloseConversation(ctx, "chat-1")
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-2", "user-1")))

	open, err := s.GetOpenConversationByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-2", open.ID)

	_, err = s.GetOpenConversationByUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AssignConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	alice := Owner{ID: "admin-1", Name: "Alice"}
	bob := Owner{ID: "admin-2", Name: "Bob"}

	got, err := s.AssignConversation(ctx, "chat-1", alice, false)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "admin-1", got.AssignedAdminID)
	assert.Equal(t, "Alice", got.AssignedAdminName)
	assert.False(t, got.IsLocked)

	// Re-claim by the same owner is idempotent
	got, err = s.AssignConversation(ctx, "chat-1", alice, false)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", got.AssignedAdminID)

	// Another operator loses and sees the current owner
	got, err = s.AssignConversation(ctx, "chat-1", bob, true)
	assert.ErrorIs(t, err, ErrAssignmentConflict)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.AssignedAdminName)
	assert.False(t, got.IsLocked)

	_, err = s.AssignConversation(ctx, "missing", alice, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_LockSetsAssignmentAndLockTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	got, err := s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, true)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "admin-1", got.AssignedAdminID)
	assert.Equal(t, "admin-1", got.LockedByAdminID)
	assert.Equal(t, "Alice", got.LockedByAdminName)

	// A plain re-claim by the lock holder keeps the lock
	got, err = s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, false)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "admin-1", got.LockedByAdminID)
}

func TestSQLite_ConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	conflicts := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := Owner{ID: fmt.Sprintf("admin-%d", i), Name: fmt.Sprintf("Admin %d", i)}
			_, err := s.AssignConversation(ctx, "chat-1", owner, i%2 == 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case assert.ErrorIs(t, err, ErrAssignmentConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, conflicts)

	got, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	if got.IsLocked {
		assert.Equal(t, got.AssignedAdminID, got.LockedByAdminID)
	}
}

func TestSQLite_ReleaseConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))
	_, err := s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, true)
	require.NoError(t, err)

	got, err := s.ReleaseConversation(ctx, "chat-1", "admin-2", false)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, "admin-1", got.AssignedAdminID)

	got, err = s.ReleaseConversation(ctx, "chat-1", "admin-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.False(t, got.IsAssigned())
	assert.False(t, got.IsLocked)
	assert.Empty(t, got.LockedByAdminID)
	assert.Empty(t, got.LockedByAdminName)

	// Unowned conversations can only be force-released
	_, err = s.ReleaseConversation(ctx, "chat-1", "admin-1", false)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = s.ReleaseConversation(ctx, "chat-1", "", true)
	assert.NoError(t, err)

	_, err = s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, true)
	require.NoError(t, err)
	got, err = s.ReleaseConversation(ctx, "chat-1", "super", true)
	require.NoError(t, err)
	assert.False(t, got.IsAssigned())
}

func TestSQLite_TransferConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-2", "user-2")))

	_, err := s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, true)
	require.NoError(t, err)

	got, prev, err := s.TransferConversation(ctx, "chat-1", Owner{ID: "admin-2", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, Owner{ID: "admin-1", Name: "Alice"}, prev)
	assert.Equal(t, "admin-2", got.AssignedAdminID)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.IsLocked)
	assert.Equal(t, "admin-2", got.LockedByAdminID)
	assert.Equal(t, "Bob", got.LockedByAdminName)

	// Transfer of a waiting conversation leaves status alone
	got, prev, err = s.TransferConversation(ctx, "chat-2", Owner{ID: "admin-2", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, Owner{}, prev)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.False(t, got.IsLocked)
	assert.Empty(t, got.LockedByAdminID)
}

func TestSQLite_CloseIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))
	_, err := s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, false)
	require.NoError(t, err)

	got, changed, err := s.CloseConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusClosed, got.Status)

	got, changed, err = s.CloseConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusClosed, got.Status)

	_, err = s.AssignConversation(ctx, "chat-1", Owner{ID: "admin-1", Name: "Alice"}, true)
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = s.ReleaseConversation(ctx, "chat-1", "admin-1", true)
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, _, err = s.TransferConversation(ctx, "chat-1", Owner{ID: "admin-2", Name: "Bob"})
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = s.AppendMessage(ctx, &Message{ID: "m1", ChatID: "chat-1", SenderID: "user-1",
		SenderType: SenderUser, Content: "hi", MessageType: MessageTypeText}, "hi")
	assert.ErrorIs(t, err, ErrConversationClosed)

	after, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 0, after.UnreadCount)
	assert.Empty(t, after.LastMessage)

	_, _, err = s.CloseConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func appendN(t *testing.T, s Store, chatID string, sender SenderType, n int) []*Message {
	t.Helper()
	var out []*Message
	for i := 0; i < n; i++ {
		msg := &Message{
			ID:          fmt.Sprintf("%s-%s-%d-%d", chatID, sender, i, time.Now().UnixNano()),
			ChatID:      chatID,
			SenderID:    string(sender) + "-1",
			SenderType:  sender,
			Content:     fmt.Sprintf("message %d", i),
			MessageType: MessageTypeText,
		}
		_, err := s.AppendMessage(context.Background(), msg, msg.Content)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestSQLite_AppendMessageUpdatesConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	msg := &Message{ID: "m1", ChatID: "chat-1", SenderID: "user-1", SenderType: SenderUser,
		SenderName: "Customer", Content: "hello there", MessageType: MessageTypeText}
	got, err := s.AppendMessage(ctx, msg, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessage)
	assert.Equal(t, 1, got.UnreadCount)
	assert.True(t, got.LastMessageAt.Equal(msg.CreatedAt))
	assert.NotZero(t, msg.Seq)

	// Admin messages never change the unread counter
	got, err = s.AppendMessage(ctx, &Message{ID: "m2", ChatID: "chat-1", SenderID: "admin-1",
		SenderType: SenderAdmin, Content: "hi", MessageType: MessageTypeText}, "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, "hi", got.LastMessage)

	_, err = s.AppendMessage(ctx, &Message{ID: "m3", ChatID: "missing", SenderID: "user-1",
		SenderType: SenderUser, Content: "x", MessageType: MessageTypeText}, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MessagePaginationReconstructsLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	sent := appendN(t, s, "chat-1", SenderUser, 75)

	page1, total, err := s.ListMessages(ctx, "chat-1", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 75, total)
	require.Len(t, page1, 50)

	page2, _, err := s.ListMessages(ctx, "chat-1", 50, 50)
	require.NoError(t, err)
	require.Len(t, page2, 25)

	all := append(page1, page2...)
	for i, m := range all {
		assert.Equal(t, sent[i].ID, m.ID, "position %d", i)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(all[i-1].CreatedAt), "createdAt must increase at %d", i)
			assert.Greater(t, m.Seq, all[i-1].Seq)
		}
	}

	page3, _, err := s.ListMessages(ctx, "chat-1", 100, 50)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func TestSQLite_MarkMessagesRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	appendN(t, s, "chat-1", SenderUser, 3)
	appendN(t, s, "chat-1", SenderAdmin, 1)

	c, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UnreadCount)

	readAt := time.Now().UTC()
	n, err := s.MarkMessagesRead(ctx, "chat-1", SenderUser, readAt, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	c, err = s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UnreadCount)

	msgs, _, err := s.ListMessages(ctx, "chat-1", 0, 50)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderType == SenderUser {
			assert.True(t, m.IsRead)
			require.NotNil(t, m.ReadAt)
		} else {
			assert.False(t, m.IsRead)
			assert.Nil(t, m.ReadAt)
		}
	}

	// Nothing left to flip
	n, err = s.MarkMessagesRead(ctx, "chat-1", SenderUser, readAt, true)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.MarkMessagesRead(ctx, "missing", SenderUser, readAt, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MarkReadOnClosedKeepsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))
	appendN(t, s, "chat-1", SenderUser, 2)
	_, _, err := s.CloseConversation(ctx, "chat-1")
	require.NoError(t, err)

	n, err := s.MarkMessagesRead(ctx, "chat-1", SenderUser, time.Now(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	c, err := s.GetConversation(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.UnreadCount)
}

func TestSQLite_ListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.CreateConversation(ctx, newConversation(fmt.Sprintf("chat-%d", i), fmt.Sprintf("user-%d", i))))
	}
	_, err := s.AssignConversation(ctx, "chat-2", Owner{ID: "admin-1", Name: "Alice"}, false)
	require.NoError(t, err)
	_, err = s.AssignConversation(ctx, "chat-3", Owner{ID: "admin-1", Name: "Alice"}, true)
	require.NoError(t, err)
	_, _, err = s.CloseConversation(ctx, "chat-4")
	require.NoError(t, err)

	// Activity on chat-1 moves it to the front
	appendN(t, s, "chat-1", SenderUser, 1)

	all, err := s.ListConversations(ctx, ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "chat-1", all[0].ID)

	waiting, err := s.ListConversations(ctx, ConversationFilter{Status: StatusWaiting, UnassignedOnly: true})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "chat-1", waiting[0].ID)

	mine, err := s.ListConversations(ctx, ConversationFilter{AssignedAdminID: "admin-1", ExcludeClosed: true})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	closed, err := s.ListConversations(ctx, ConversationFilter{Status: StatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "chat-4", closed[0].ID)

	limited, err := s.ListConversations(ctx, ConversationFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byUser, err := s.ListConversations(ctx, ConversationFilter{UserID: "user-3"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.True(t, byUser[0].IsLocked)
}

func TestSQLite_SetUserOnline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newConversation("chat-1", "user-1")))

	got, err := s.SetUserOnline(ctx, "user-1", true)
	require.NoError(t, err)
	assert.True(t, got.UserOnline)

	got, err = s.SetUserOnline(ctx, "user-1", false)
	require.NoError(t, err)
	assert.False(t, got.UserOnline)

	_, err = s.SetUserOnline(ctx, "nobody", true)
	assert.ErrorIs(t, err, ErrNotFound)
}
