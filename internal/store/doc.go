// Package store provides persistent storage for the conversation registry and
// message log.
//
// # Backends
//
//   - SQLiteStore: default backend (modernc.org/sqlite, pure Go)
//   - MongoStore: document-store backend (go.mongodb.org/mongo-driver)
//   - MockStore: in-memory backend for tests, with failure injection
//
// # Data Models
//
//   - Conversation: one support thread between a user and at most one operator
//   - Message: an entry in a conversation's append-only log
//
// # Ownership Transitions
//
// AssignConversation, ReleaseConversation and CloseConversation are conditional
// updates. SQLite expresses the precondition in an UPDATE ... WHERE ... RETURNING
// statement; MongoDB puts it in the FindOneAndUpdate filter. When the
// precondition fails the backend re-reads the record and returns it together
// with a sentinel error:
//
//   - ErrAssignmentConflict: another operator owns the conversation
//   - ErrNotOwner: release attempted by someone other than the owner
//   - ErrConversationClosed: the conversation reached its terminal state
//
// One open conversation per user is enforced by a partial unique index, so
// concurrent creates for the same user surface as ErrDuplicateConversation.
//
// # SQLite Configuration
//
// The DSN enables WAL, foreign keys and a busy timeout. The pool is limited to
// one connection; ":memory:" opens a private in-memory database for tests.
package store
