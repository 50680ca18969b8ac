// Package store provides persistence for conversations and their transcripts.
//
// # Architecture
//
// The conversation core depends only on the Store interface. Two
// implementations ship with the switchboard:
//
//   - SQLiteStore: durable storage via modernc.org/sqlite (pure Go, no cgo)
//   - MockStore: in-memory storage for tests and ephemeral deployments
//
// Backend choice is a wiring decision made from config (database.driver).
//
// # Data Models
//
//   - Conversation: status, token count, start/last-message/end times, metadata
//   - Message: immutable transcript entry ordered by (CreatedAt, Seq)
//
// AppendMessage inserts the message and bumps the owning conversation's
// token_count and last_message_at in the same transaction.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so ORDER BY on them is
// chronological.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrDuplicateConversation: id or display id already taken
//
// Every other error is an infrastructure failure; the conversation layer
// surfaces those as unavailable.
//
// # Testing
//
// Use NewMockStore() for unit tests. MockStore.FailWith simulates an
// unavailable backend. Use NewSQLiteStore(":memory:") or a t.TempDir() path
// for integration tests with real SQLite.
package store
