// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
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

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS businesses (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			autoreply_url TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			business_id     TEXT NOT NULL,
			visitor_id      TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			created_at      DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL,

			CHECK (status IN ('active', 'handled', 'closed'))
		);

		-- One open conversation per (business, visitor) pair. Closed rows are
		-- excluded so a later message can mint a fresh conversation.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
			ON conversations(business_id, visitor_id) WHERE status != 'closed';

		CREATE INDEX IF NOT EXISTS idx_conversations_business
			ON conversations(business_id, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			content         TEXT NOT NULL,
			sender          TEXT NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('visitor', 'agent', 'automated'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database connection is alive
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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

// CreateBusiness creates a new business tenant
func (s *SQLiteStore) CreateBusiness(ctx context.Context, b *Business) error {
	query := `
		INSERT INTO businesses (id, name, autoreply_url, system_prompt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.Name,
		b.AutoReplyURL,
		b.SystemPrompt,
		b.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting business: %w", err)
	}

	s.logger.Debug("created business", "id", b.ID, "name", b.Name)
	return nil
}

// GetBusiness retrieves a business by ID.
// Returns ErrNotFound if the business doesn't exist.
func (s *SQLiteStore) GetBusiness(ctx context.Context, id string) (*Business, error) {
	query := `
		SELECT id, name, autoreply_url, system_prompt, created_at
		FROM businesses
		WHERE id = ?
	`

	var b Business
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID,
		&b.Name,
		&b.AutoReplyURL,
		&b.SystemPrompt,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying business: %w", err)
	}

	b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &b, nil
}

// CreateConversation creates a new conversation.
// If an open conversation already exists for the same (business, visitor)
// pair, it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, business_id, visitor_id, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.BusinessID,
		conv.VisitorID,
		conv.Status,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.LastMessageAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "business_id", conv.BusinessID)
	return nil
}

// scanConversation scans one conversation row with timestamp parsing
func scanConversation(scan func(...any) error) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, lastMessageAtStr string

	if err := scan(
		&conv.ID,
		&conv.BusinessID,
		&conv.VisitorID,
		&conv.Status,
		&createdAtStr,
		&lastMessageAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastMessageAt, err = time.Parse(time.RFC3339, lastMessageAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, business_id, visitor_id, status, created_at, last_message_at
		FROM conversations
		WHERE id = ?
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindConversation retrieves the current open conversation for a
// (business, visitor) pair. Closed conversations are excluded so routing
// always sees at most one row per pair.
// Returns ErrNotFound if no open conversation exists.
func (s *SQLiteStore) FindConversation(ctx context.Context, businessID, visitorID string) (*Conversation, error) {
	query := `
		SELECT id, business_id, visitor_id, status, created_at, last_message_at
		FROM conversations
		WHERE business_id = ? AND visitor_id = ? AND status != 'closed'
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, businessID, visitorID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by visitor: %w", err)
	}
	return conv, nil
}

// UpdateConversationStatus sets a conversation's status.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation status", "id", id, "status", status)
	return nil
}

// TouchLastMessage updates a conversation's last-activity timestamp
func (s *SQLiteStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages in a
// single transaction.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// ListConversations returns conversation summaries for a business ordered by
// most recent activity. An optional search term matches the visitor id or any
// message content. If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, params ListParams) ([]*ConversationSummary, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT c.id, c.business_id, c.visitor_id, c.status, c.created_at, c.last_message_at,
			COALESCE((SELECT content FROM messages WHERE conversation_id = c.id AND sender = 'visitor' ORDER BY seq DESC LIMIT 1), ''),
			COALESCE((SELECT content FROM messages WHERE conversation_id = c.id AND sender IN ('agent', 'automated') ORDER BY seq DESC LIMIT 1), ''),
			(SELECT COUNT(*) FROM messages WHERE conversation_id = c.id AND is_read = 0 AND sender = 'visitor')
		FROM conversations c
		WHERE c.business_id = ?
	`
	args := []any{params.BusinessID}

	if params.Search != "" {
		pattern := "%" + params.Search + "%"
		query += `
			AND (c.visitor_id LIKE ? OR EXISTS (
				SELECT 1 FROM messages WHERE conversation_id = c.id AND content LIKE ?
			))
		`
		args = append(args, pattern, pattern)
	}

	query += ` ORDER BY c.last_message_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var sum ConversationSummary
		var createdAtStr, lastMessageAtStr string

		if err := rows.Scan(
			&sum.ID,
			&sum.BusinessID,
			&sum.VisitorID,
			&sum.Status,
			&createdAtStr,
			&lastMessageAtStr,
			&sum.LastVisitorMessage,
			&sum.LastReply,
			&sum.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		sum.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		sum.LastMessageAt, err = time.Parse(time.RFC3339, lastMessageAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}

		summaries = append(summaries, &sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return summaries, nil
}

// SaveMessage saves a message and records the storage-assigned sequence on msg
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, content, sender, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Content,
		msg.Sender,
		msg.Read,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if seq, err := result.LastInsertId(); err == nil {
		msg.Seq = seq
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "sender", msg.Sender)
	return nil
}

// GetMessages retrieves all messages for a conversation in creation order,
// ties broken by insertion sequence.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT seq, id, conversation_id, content, sender, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Content, &msg.Sender, &msg.Read, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkMessagesRead clears the unread flag on all visitor messages in a
// conversation. Safe to call when nothing is unread.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND sender = 'visitor' AND is_read = 0`,
		conversationID)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
