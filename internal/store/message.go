package store

import (
	"time"
	"unicode/utf8"
)

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachment_url, attachment_mime, from_me, delivery, created_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachment_url = excluded.attachment_url,
			attachment_mime = excluded.attachment_mime,
			delivery = excluded.delivery`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.AttachmentURL, m.AttachmentMime, m.FromMe, m.Delivery, m.CreatedAt, now)
	return err
}

// BatchUpsertMessages ingests a history page in one transaction, bumping the
// owning conversations' activity columns.
func (db *DB) BatchUpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, kind, last_message_at, last_message_preview, updated_at)
			VALUES (?, '', ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at
					THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
				updated_at = excluded.updated_at`,
			m.ConversationID, m.CreatedAt, truncate(m.Body, 100), now); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, attachment_url, attachment_mime, from_me, delivery, created_at, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				body = excluded.body,
				attachment_url = excluded.attachment_url,
				attachment_mime = excluded.attachment_mime,
				delivery = excluded.delivery`,
			m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.AttachmentURL, m.AttachmentMime, m.FromMe, m.Delivery, m.CreatedAt, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset pagination by
// created_at, newest first.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, attachment_url, attachment_mime, from_me, delivery, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.AttachmentURL, &m.AttachmentMime, &m.FromMe, &m.Delivery, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMessageDelivery updates the cached delivery state of one message.
func (db *DB) SetMessageDelivery(convID, msgID, delivery string) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		delivery, convID, msgID)
	return err
}

// ResolveTempID rewrites a cached optimistic message with its server id.
func (db *DB) ResolveTempID(convID, tempID, serverID string) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, delivery = 'SENT'
		WHERE conversation_id = ? AND msg_id = ?`,
		serverID, convID, tempID)
	return err
}

// DeleteMessage removes one cached message.
func (db *DB) DeleteMessage(convID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID)
	return err
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
