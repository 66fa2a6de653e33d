package store

import "time"

// QueueOutbox records a new send attempt.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (temp_id, conversation_id, body, attachment_url, attachment_mime, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.TempID, e.ConversationID, e.Body, e.AttachmentURL, e.AttachmentMime, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', error_message = '', updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, errMsg, now, tempID)
	return err
}

// FailStaleOutbox marks entries a previous process left 'queued' or
// 'sending' as failed, so they surface as retryable after a restart.
func (db *DB) FailStaleOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE status IN ('queued', 'sending')`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutbox returns one entry by temp id, or nil if absent.
func (db *DB) GetOutbox(tempID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, conversation_id, body, attachment_url, attachment_mime, status, error_message, server_msg_id, created_at
		FROM outbox WHERE temp_id = ?`, tempID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.RowID, &e.TempID, &e.ConversationID, &e.Body, &e.AttachmentURL, &e.AttachmentMime, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// FailedOutbox returns entries awaiting a user-driven retry, oldest first.
func (db *DB) FailedOutbox(convID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, conversation_id, body, attachment_url, attachment_mime, status, error_message, server_msg_id, created_at
		FROM outbox WHERE conversation_id = ? AND status = 'failed' ORDER BY created_at ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.RowID, &e.TempID, &e.ConversationID, &e.Body, &e.AttachmentURL, &e.AttachmentMime, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
