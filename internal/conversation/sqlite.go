package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_calls      TEXT,
	tool_results    TEXT,
	token_count     INTEGER NOT NULL DEFAULT 0,
	rolled_up       INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, rolled_up);
CREATE TABLE IF NOT EXISTS rollups (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id        TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	original_message_count INTEGER NOT NULL,
	content                TEXT NOT NULL,
	original_tokens        INTEGER NOT NULL,
	compacted_tokens       INTEGER NOT NULL,
	created_at             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS action_contexts (
	action_id  TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store persists conversations, messages, and rollup audit records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an existing connection. The schema is still ensured so the
// store works against a shared database.
func NewFromDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create creates a new conversation and returns its ID.
func (s *Store) Create(ctx context.Context, title string) (string, error) {
	id := uuid.New().String()
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, total_tokens, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		id, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// Messages returns a conversation's messages in order. When includeRolledUp
// is false, messages superseded by a compaction are excluded.
func (s *Store) Messages(ctx context.Context, conversationID string, includeRolledUp bool) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, tool_calls, tool_results, token_count, rolled_up, created_at
		FROM messages WHERE conversation_id = ?`
	if !includeRolledUp {
		query += ` AND rolled_up = 0`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var toolCalls, toolResults sql.NullString
		var rolledUp int
		var createdAt int64
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&toolCalls, &toolResults, &msg.TokenCount, &rolledUp, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		msg.RolledUp = rolledUp != 0
		msg.CreatedAt = time.Unix(createdAt, 0)
		if toolCalls.Valid && toolCalls.String != "" {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		if toolResults.Valid && toolResults.String != "" {
			msg.ToolResults = json.RawMessage(toolResults.String)
		}
		msg.Kind = Classify(&msg)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessage adds a plain message and bumps the conversation's running
// token total. The running total is a convenience; RecalculateTotalTokens is
// the source of truth.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, tokenCount int) (int64, error) {
	return s.Append(ctx, &Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
	})
}

// Append adds a message with optional tool payloads.
func (s *Store) Append(ctx context.Context, msg *Message) (int64, error) {
	var toolCalls, toolResults sql.NullString
	if len(msg.ToolCalls) > 0 {
		toolCalls = sql.NullString{String: string(msg.ToolCalls), Valid: true}
	}
	if len(msg.ToolResults) > 0 {
		toolResults = sql.NullString{String: string(msg.ToolResults), Valid: true}
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_results, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, toolCalls, toolResults, msg.TokenCount, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = total_tokens + ?, updated_at = ? WHERE id = ?`,
		msg.TokenCount, now, msg.ConversationID,
	)
	return id, err
}

// MarkRolledUp flags messages as superseded by a compaction.
func (s *Store) MarkRolledUp(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET rolled_up = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark messages rolled up: %w", err)
	}
	return nil
}

// RecordRollup writes the audit record for one compaction or truncation.
func (s *Store) RecordRollup(ctx context.Context, conversationID string, originalCount int, content string, originalTokens, compactedTokens int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups (conversation_id, original_message_count, content, original_tokens, compacted_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, originalCount, content, originalTokens, compactedTokens, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rollup: %w", err)
	}
	return nil
}

// RecalculateTotalTokens recomputes the conversation's token total from its
// non-rolled-up messages and writes it back. Always recomputed from source
// rows, never carried forward, so repeated rollups cannot drift.
func (s *Store) RecalculateTotalTokens(ctx context.Context, conversationID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_count), 0) FROM messages WHERE conversation_id = ? AND rolled_up = 0`,
		conversationID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().Unix(), conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to store recalculated total: %w", err)
	}
	return total, nil
}

// TotalTokens returns the conversation's recorded token total.
func (s *Store) TotalTokens(ctx context.Context, conversationID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT total_tokens FROM conversations WHERE id = ?`, conversationID,
	).Scan(&total)
	return total, err
}

// Rollups returns the compaction audit trail for a conversation, newest first.
func (s *Store) Rollups(ctx context.Context, conversationID string) ([]Rollup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, original_message_count, content, original_tokens, compacted_tokens, created_at
		 FROM rollups WHERE conversation_id = ? ORDER BY id DESC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollups []Rollup
	for rows.Next() {
		var r Rollup
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.OriginalMessageCount, &r.Content,
			&r.OriginalTokens, &r.CompactedTokens, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, total_tokens, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []ConversationInfo
	for rows.Next() {
		var info ConversationInfo
		var updatedAt int64
		if err := rows.Scan(&info.ID, &info.Title, &info.TotalTokens, &updatedAt); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.Unix(updatedAt, 0)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ConversationInfo is the summary row returned by ListConversations.
type ConversationInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TotalTokens int       `json:"total_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveActionContext stores the cumulative message snapshot for an autonomous
// action. The snapshot is the JSON-encoded message list.
func (s *Store) SaveActionContext(ctx context.Context, actionID string, messages []Message) error {
	snapshot, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode action context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_contexts (action_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(action_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		actionID, string(snapshot), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save action context: %w", err)
	}
	return nil
}

// LoadActionContext restores the cumulative message snapshot for an action.
// Returns (nil, nil) when no snapshot exists.
func (s *Store) LoadActionContext(ctx context.Context, actionID string) ([]Message, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM action_contexts WHERE action_id = ?`, actionID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal([]byte(snapshot), &messages); err != nil {
		return nil, fmt.Errorf("failed to decode action context: %w", err)
	}
	for i := range messages {
		messages[i].Kind = Classify(&messages[i])
	}
	return messages, nil
}

// ClearActionContext removes the stored snapshot for an action.
func (s *Store) ClearActionContext(ctx context.Context, actionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_contexts WHERE action_id = ?`, actionID)
	return err
}
