// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database is per-connection; pin the pool to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			display_id      TEXT NOT NULL UNIQUE,
			contact_id      TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			model           TEXT,
			token_count     INTEGER NOT NULL DEFAULT 0,
			message_count   INTEGER NOT NULL DEFAULT 0,
			metadata_json   TEXT,
			started_at      TEXT NOT NULL,
			last_message_at TEXT,
			ended_at        TEXT,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('active', 'paused', 'completed', 'failed', 'taken_over'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender          TEXT NOT NULL,
			content         TEXT NOT NULL,
			token_count     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (sender IN ('user', 'ai', 'human_agent')),
			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "metadata_json",
			apply:  `ALTER TABLE conversations ADD COLUMN metadata_json TEXT`,
		},
		{
			table:  "conversations",
			column: "message_count",
			apply:  `ALTER TABLE conversations ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "conversations",
			column: "updated_at",
			apply:  `ALTER TABLE conversations ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the id or display id is taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	var metadataJSON any
	if len(conv.Metadata) > 0 {
		data, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	query := `
		INSERT INTO conversations (id, display_id, contact_id, status, model, token_count,
			message_count, metadata_json, started_at, last_message_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.DisplayID,
		conv.ContactID,
		string(conv.Status),
		conv.Model,
		conv.TokenCount,
		conv.MessageCount,
		metadataJSON,
		formatTime(conv.StartedAt),
		formatTimePtr(conv.LastMessageAt),
		formatTimePtr(conv.EndedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "display_id", conv.DisplayID)
	return nil
}

const conversationColumns = `id, display_id, contact_id, status, COALESCE(model, ''), token_count,
	message_count, metadata_json, started_at, last_message_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var status, startedAt, updatedAt string
	var metadataJSON, lastMessageAt, endedAt sql.NullString

	if err := row.Scan(
		&conv.ID,
		&conv.DisplayID,
		&conv.ContactID,
		&status,
		&conv.Model,
		&conv.TokenCount,
		&conv.MessageCount,
		&metadataJSON,
		&startedAt,
		&lastMessageAt,
		&endedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	conv.Status = Status(status)

	var err error
	if conv.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if updatedAt != "" {
		if conv.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
	}
	if conv.LastMessageAt, err = parseTimePtr(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns one page of conversations, most recently started first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) (*ConversationPage, error) {
	filter = filter.normalize()

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		where = append(where, "(LOWER(display_id) LIKE ? OR LOWER(contact_id) LIKE ? OR LOWER(COALESCE(model, '')) LIKE ?)")
		args = append(args, like, like, like)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+whereClause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations` + whereClause +
		` ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?`
	pageArgs := append(append([]any{}, args...), filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*Conversation, 0, filter.PageSize)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return &ConversationPage{
		Conversations: convs,
		Total:         total,
		TotalPages:    (total + filter.PageSize - 1) / filter.PageSize,
		CurrentPage:   filter.Page,
	}, nil
}

// SaveConversationStatus writes a new status and end time.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SaveConversationStatus(ctx context.Context, id string, status Status, endedAt *time.Time, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTimePtr(endedAt), formatTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("saved conversation status", "id", id, "status", status)
	return nil
}

// AppendMessage inserts a message and bumps the conversation aggregates in one transaction.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET token_count = token_count + ?, message_count = message_count + 1,
		     last_message_at = ?, updated_at = ?
		 WHERE id = ?`,
		msg.TokenCount, formatTime(msg.CreatedAt), formatTime(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation aggregates: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, sender, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Seq, string(msg.Sender), msg.Content, msg.TokenCount, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages with Seq greater than afterSeq, in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, sender, content, token_count, created_at
		 FROM messages
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sender, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &sender, &msg.Content, &msg.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Sender = Sender(sender)
		if msg.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
