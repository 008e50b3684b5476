// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Ownership transitions are single conditional UPDATE ... RETURNING statements

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := "file::memory:"
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: :memory: databases are per-connection, and transactions serialize.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			user_name            TEXT NOT NULL,
			assigned_admin_id    TEXT,
			assigned_admin_name  TEXT,
			status               TEXT NOT NULL,
			is_locked            INTEGER NOT NULL DEFAULT 0,
			locked_by_admin_id   TEXT,
			locked_by_admin_name TEXT,
			last_message         TEXT NOT NULL DEFAULT '',
			last_message_at      INTEGER NOT NULL,
			unread_count         INTEGER NOT NULL DEFAULT 0,
			user_online          INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL,

			CHECK (status IN ('waiting', 'active', 'closed')),
			CHECK (unread_count >= 0),
			CHECK (is_locked = 0 OR (assigned_admin_id IS NOT NULL AND assigned_admin_id = locked_by_admin_id))
		);

		-- At most one open conversation per user
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_user
			ON conversations(user_id) WHERE status != 'closed';

		CREATE INDEX IF NOT EXISTS idx_conversations_status_admin
			ON conversations(status, assigned_admin_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_last_message
			ON conversations(last_message_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			chat_id      TEXT NOT NULL REFERENCES conversations(id),
			sender_id    TEXT NOT NULL,
			sender_type  TEXT NOT NULL,
			sender_name  TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			file_url     TEXT,
			is_read      INTEGER NOT NULL DEFAULT 0,
			read_at      INTEGER,
			created_at   INTEGER NOT NULL,

			CHECK (sender_type IN ('user', 'admin')),
			CHECK (message_type IN ('text', 'image', 'file'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(chat_id, sender_type, is_read);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

const conversationColumns = `id, user_id, user_name, assigned_admin_id, assigned_admin_name, status,
	is_locked, locked_by_admin_id, locked_by_admin_name, last_message, last_message_at,
	unread_count, user_online, created_at, updated_at`

const messageColumns = `seq, id, chat_id, sender_id, sender_type, sender_name, content,
	message_type, file_url, is_read, read_at, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var assignedID, assignedName, lockedID, lockedName sql.NullString
	var status string
	var lastAt, createdAt, updatedAt int64

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.UserName,
		&assignedID,
		&assignedName,
		&status,
		&c.IsLocked,
		&lockedID,
		&lockedName,
		&c.LastMessage,
		&lastAt,
		&c.UnreadCount,
		&c.UserOnline,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.AssignedAdminID = assignedID.String
	c.AssignedAdminName = assignedName.String
	c.LockedByAdminID = lockedID.String
	c.LockedByAdminName = lockedName.String
	c.Status = ConversationStatus(status)
	c.LastMessageAt = fromNanos(lastAt)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var senderType, messageType string
	var fileURL sql.NullString
	var readAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&m.Seq,
		&m.ID,
		&m.ChatID,
		&m.SenderID,
		&senderType,
		&m.SenderName,
		&m.Content,
		&messageType,
		&fileURL,
		&m.IsRead,
		&readAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	m.SenderType = SenderType(senderType)
	m.MessageType = MessageType(messageType)
	m.FileURL = fileURL.String
	if readAt.Valid {
		t := fromNanos(readAt.Int64)
		m.ReadAt = &t
	}
	m.CreatedAt = fromNanos(createdAt)
	return &m, nil
}

// nullString maps "" to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the user already has one that is not closed.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.UserName,
		nullString(c.AssignedAdminID),
		nullString(c.AssignedAdminName),
		string(c.Status),
		c.IsLocked,
		nullString(c.LockedByAdminID),
		nullString(c.LockedByAdminName),
		c.LastMessage,
		toNanos(c.LastMessageAt),
		c.UnreadCount,
		c.UserOnline,
		toNanos(c.CreatedAt),
		toNanos(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "user_id", c.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

// querier is the subset of *sql.DB and *sql.Tx used by shared helpers
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// GetOpenConversationByUser returns the user's conversation that is not closed.
func (s *SQLiteStore) GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? AND status != 'closed'`, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations matching the filter, newest activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AssignedAdminID != "" {
		conds = append(conds, "assigned_admin_id = ?")
		args = append(args, filter.AssignedAdminID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExcludeClosed {
		conds = append(conds, "status != 'closed'")
	}
	if filter.UnassignedOnly {
		conds = append(conds, "assigned_admin_id IS NULL")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_message_at DESC, created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// explainMiss re-reads a conversation after a conditional update matched no row
// and returns the sentinel that describes why.
func (s *SQLiteStore) explainMiss(ctx context.Context, id string, otherwise error) (*Conversation, error) {
	current, err := s.getConversation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current.IsClosed() {
		return current, ErrConversationClosed
	}
	return current, otherwise
}

// AssignConversation gives ownership to owner if the conversation is unowned or
// already owned by owner. With lock set, the lock is taken in the same statement.
func (s *SQLiteStore) AssignConversation(ctx context.Context, id string, owner Owner, lock bool) (*Conversation, error) {
	now := toNanos(time.Now())

	set := `assigned_admin_id = ?, assigned_admin_name = ?, status = 'active', updated_at = ?`
	args := []any{owner.ID, owner.Name, now}
	if lock {
		set += `, is_locked = 1, locked_by_admin_id = ?, locked_by_admin_name = ?`
		args = append(args, owner.ID, owner.Name)
	} else {
		// Re-claim by the lock holder keeps the lock; the holder's display name follows the assignment.
		set += `, locked_by_admin_name = CASE WHEN is_locked = 1 THEN ? ELSE locked_by_admin_name END`
		args = append(args, owner.Name)
	}
	args = append(args, id, owner.ID)

	query := `UPDATE conversations SET ` + set + `
		WHERE id = ? AND status != 'closed' AND (assigned_admin_id IS NULL OR assigned_admin_id = ?)
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return s.explainMiss(ctx, id, ErrAssignmentConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("assigning conversation: %w", err)
	}

	s.logger.Debug("conversation assigned", "id", id, "admin_id", owner.ID, "locked", c.IsLocked)
	return c, nil
}

// ReleaseConversation clears assignment and lock together and returns the
// conversation to the waiting pool. Only the owner may release unless force is set.
func (s *SQLiteStore) ReleaseConversation(ctx context.Context, id, requesterID string, force bool) (*Conversation, error) {
	query := `UPDATE conversations SET
			assigned_admin_id = NULL, assigned_admin_name = NULL,
			is_locked = 0, locked_by_admin_id = NULL, locked_by_admin_name = NULL,
			status = 'waiting', updated_at = ?
		WHERE id = ? AND status != 'closed' AND (assigned_admin_id = ? OR ?)
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, toNanos(time.Now()), id, requesterID, force))
	if errors.Is(err, sql.ErrNoRows) {
		return s.explainMiss(ctx, id, ErrNotOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("releasing conversation: %w", err)
	}
	return c, nil
}

// TransferConversation moves ownership to another operator without touching
// status or lock state. A held lock moves with the assignment.
func (s *SQLiteStore) TransferConversation(ctx context.Context, id string, to Owner) (*Conversation, Owner, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Owner{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, Owner{}, err
	}
	if current.IsClosed() {
		return current, Owner{}, ErrConversationClosed
	}
	previous := Owner{ID: current.AssignedAdminID, Name: current.AssignedAdminName}

	query := `UPDATE conversations SET
			assigned_admin_id = ?, assigned_admin_name = ?,
			locked_by_admin_id = CASE WHEN is_locked = 1 THEN ? ELSE NULL END,
			locked_by_admin_name = CASE WHEN is_locked = 1 THEN ? ELSE NULL END,
			updated_at = ?
		WHERE id = ?
		RETURNING ` + conversationColumns

	c, err := scanConversation(tx.QueryRowContext(ctx, query, to.ID, to.Name, to.ID, to.Name, toNanos(time.Now()), id))
	if err != nil {
		return nil, Owner{}, fmt.Errorf("transferring conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, Owner{}, fmt.Errorf("committing transfer: %w", err)
	}
	return c, previous, nil
}

// CloseConversation moves the conversation to its terminal state.
// changed is false when it was already closed.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) (*Conversation, bool, error) {
	query := `UPDATE conversations SET status = 'closed', updated_at = ?
		WHERE id = ? AND status != 'closed'
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, toNanos(time.Now()), id))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.getConversation(ctx, s.db, id)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("closing conversation: %w", err)
	}
	return c, true, nil
}

// SetUserOnline mirrors presence onto the user's open conversation.
// Returns ErrNotFound if the user has no open conversation.
func (s *SQLiteStore) SetUserOnline(ctx context.Context, userID string, online bool) (*Conversation, error) {
	query := `UPDATE conversations SET user_online = ?, updated_at = ?
		WHERE user_id = ? AND status != 'closed'
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, online, toNanos(time.Now()), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating user status: %w", err)
	}
	return c, nil
}

// AppendMessage persists msg and updates the conversation preview and unread
// counter in one transaction. msg.Seq and msg.CreatedAt are assigned here;
// CreatedAt never goes backwards within a conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message, preview string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getConversation(ctx, tx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if current.IsClosed() {
		return current, ErrConversationClosed
	}

	createdAt := time.Now().UTC()
	if !createdAt.After(current.LastMessageAt) {
		createdAt = current.LastMessageAt.Add(time.Nanosecond)
	}
	msg.CreatedAt = createdAt

	unreadDelta := 0
	if msg.SenderType == SenderUser {
		unreadDelta = 1
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO messages
			(id, chat_id, sender_id, sender_type, sender_name, content, message_type, file_url, is_read, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		msg.ID,
		msg.ChatID,
		msg.SenderID,
		string(msg.SenderType),
		msg.SenderName,
		msg.Content,
		string(msg.MessageType),
		nullString(msg.FileURL),
		toNanos(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading message sequence: %w", err)
	}

	updated, err := scanConversation(tx.QueryRowContext(ctx, `UPDATE conversations SET
			last_message = ?, last_message_at = ?, unread_count = unread_count + ?, updated_at = ?
		WHERE id = ?
		RETURNING `+conversationColumns,
		preview, toNanos(createdAt), unreadDelta, toNanos(createdAt), msg.ChatID))
	if err != nil {
		return nil, fmt.Errorf("updating conversation preview: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended", "chat_id", msg.ChatID, "message_id", msg.ID, "seq", msg.Seq)
	return updated, nil
}

// ListMessages returns one page of a conversation's log in insertion order
// plus the total number of messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]*Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, total, rows.Err()
}

// MarkMessagesRead flips unread messages written by sender to read. With
// resetUnread the conversation's unread counter drops to zero unless it is closed.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, chatID string, sender SenderType, readAt time.Time, resetUnread bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.getConversation(ctx, tx, chatID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1, read_at = ?
		WHERE chat_id = ? AND sender_type = ? AND is_read = 0`,
		toNanos(readAt), chatID, string(sender))
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting read messages: %w", err)
	}

	if resetUnread {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET unread_count = 0, updated_at = ?
			WHERE id = ? AND status != 'closed'`, toNanos(time.Now()), chatID); err != nil {
			return 0, fmt.Errorf("resetting unread count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read receipt: %w", err)
	}
	return n, nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
