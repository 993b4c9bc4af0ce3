package cache

import (
	"fmt"
	"time"

	"github.com/mvieira99/inboxsync/internal/store"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + id).
func (db *DB) UpsertMessage(m *store.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, id, content, message_type,
			sender_type, sender_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, m.Content, m.MessageType,
		m.SenderType, m.SenderID, m.Status, m.CreatedAt, now)
	return err
}

// ReplaceMessages swaps a conversation's cached message set with the
// given authoritative list in one transaction, mirroring the store's
// replace-not-merge selection semantics.
func (db *DB) ReplaceMessages(conversationID int, msgs []*store.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, id, content, message_type,
				sender_type, sender_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, m.ID, m.Content, m.MessageType,
			m.SenderType, m.SenderID, m.Status, m.CreatedAt, now); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's cached messages ordered by
// creation time ascending.
func (db *DB) ListMessages(conversationID int, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT conversation_id, id, content, message_type, sender_type, sender_id, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.Content, &m.MessageType,
			&m.SenderType, &m.SenderID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
