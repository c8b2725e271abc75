package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements the conversation store on SQLite. Messages reference their conversation with
// ON DELETE CASCADE, so deleting a conversation removes its messages.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at path with WAL and foreign keys enabled on every
// connection, and creates the schema.
func NewSQLite(path string, logger *slog.Logger) (SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "sqlite"))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return SQLite{}, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SQLite{}, fmt.Errorf("failed to open database: %w", err)
	}

	s := SQLite{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return SQLite{}, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite store initialized", slog.String("path", path))
	return s, nil
}

func (s SQLite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL,
			is_streaming INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_owner
			ON conversations(owner_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			finish_error TEXT,
			PRIMARY KEY (conversation_id, idx)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed width so that timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// LoadConversation returns the conversation with its messages ordered by index.
func (s SQLite) LoadConversation(ctx context.Context, conversationID, requester string) (models.Conversation, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.OwnerID != requester {
		return models.Conversation{}, models.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idx, role, content, created_at, model, finish_error
		FROM messages WHERE conversation_id = ? ORDER BY idx`, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg          models.Message
			role         string
			createdAtStr string
			finishError  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Index, &role, &msg.Content, &createdAtStr, &msg.Model, &finishError); err != nil {
			return models.Conversation{}, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ConversationID = conversationID
		msg.Role = models.Role(role)
		if finishError.Valid {
			fe := finishError.String
			msg.FinishError = &fe
		}
		msg.Timestamp, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("failed to parse message timestamp: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return conv, nil
}

func (s SQLite) conversation(ctx context.Context, id string) (models.Conversation, error) {
	var (
		conv         models.Conversation
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at, is_streaming
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAtStr, &conv.IsStreaming)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to query conversation: %w", err)
	}
	conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to parse conversation timestamp: %w", err)
	}
	return conv, nil
}

// Conversations returns the conversations of owner, newest first, without their messages.
func (s SQLite) Conversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, created_at, is_streaming
		FROM conversations WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var (
			conv         models.Conversation
			createdAtStr string
		)
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &createdAtStr, &conv.IsStreaming); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conversation timestamp: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

// CreateConversation stores a new conversation together with its messages in one transaction.
func (s SQLite) CreateConversation(ctx context.Context, conv models.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at, is_streaming)
		VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, formatTime(conv.CreatedAt), conv.IsStreaming)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	for _, msg := range conv.Messages {
		msg.ConversationID = conv.ID
		if err := upsertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateTitle sets the display title of a conversation.
func (s SQLite) UpdateTitle(ctx context.Context, conversationID, title string) error {
	return s.updateConversation(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
}

// SetStreaming sets the streaming flag of a conversation.
func (s SQLite) SetStreaming(ctx context.Context, conversationID string, streaming bool) error {
	return s.updateConversation(ctx, `UPDATE conversations SET is_streaming = ? WHERE id = ?`, streaming, conversationID)
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (s SQLite) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.updateConversation(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
}

func (s SQLite) updateConversation(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SaveMessage inserts or replaces the message at msg.Index. The index must be at most the current
// message count.
func (s SQLite) SaveMessage(ctx context.Context, msg models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query conversation: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, msg.ConversationID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}
	if msg.Index > count {
		return fmt.Errorf("message index %d leaves a gap after %d messages", msg.Index, count)
	}

	if err := upsertMessage(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, msg models.Message) error {
	var finishError sql.NullString
	if msg.FinishError != nil {
		finishError = sql.NullString{String: *msg.FinishError, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, idx, role, content, created_at, model, finish_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, idx) DO UPDATE SET
			id = excluded.id,
			role = excluded.role,
			content = excluded.content,
			created_at = excluded.created_at,
			model = excluded.model,
			finish_error = excluded.finish_error`,
		msg.ID, msg.ConversationID, msg.Index, string(msg.Role), msg.Content,
		formatTime(msg.Timestamp), msg.Model, finishError)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// DeleteMessagesFrom removes every message whose index is at least index.
func (s SQLite) DeleteMessagesFrom(ctx context.Context, conversationID string, index int) error {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND idx >= ?`, conversationID, index)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// ClearStreaming resets the streaming flag of every conversation and reports how many were set.
func (s SQLite) ClearStreaming(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET is_streaming = 0 WHERE is_streaming = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear streaming flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Cleared stale streaming flags", slog.Int64("count", n))
	}
	return int(n), nil
}

// Close closes the database.
func (s SQLite) Close() error {
	return s.db.Close()
}
