package cache

import (
	"time"

	"github.com/mvieira99/inboxsync/internal/store"
)

// UpsertConversation inserts or updates a conversation snapshot
// (idempotent on id).
func (db *DB) UpsertConversation(c *store.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, status, priority, assignee, team, inbox,
			contact_id, contact_name, contact_email,
			last_message, unread_count, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			assignee = excluded.assignee,
			team = excluded.team,
			inbox = excluded.inbox,
			contact_id = excluded.contact_id,
			contact_name = excluded.contact_name,
			contact_email = excluded.contact_email,
			last_message = excluded.last_message,
			unread_count = excluded.unread_count,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Status, c.Priority, c.Assignee, c.Team, c.Inbox,
		c.Contact.ID, c.Contact.Name, c.Contact.Email,
		c.LastMessage, c.UnreadCount, c.LastActivityAt, now)
	return err
}

// ListConversations returns cached conversations sorted by last
// activity descending. limit <= 0 means a default page of 100.
func (db *DB) ListConversations(limit int) ([]*store.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, status, priority, assignee, team, inbox,
			contact_id, contact_name, contact_email,
			last_message, unread_count, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*store.Conversation
	for rows.Next() {
		var c store.Conversation
		if err := rows.Scan(&c.ID, &c.Status, &c.Priority, &c.Assignee, &c.Team, &c.Inbox,
			&c.Contact.ID, &c.Contact.Name, &c.Contact.Email,
			&c.LastMessage, &c.UnreadCount, &c.LastActivityAt); err != nil {
			return nil, err
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}
