package cache

import (
	"time"

	"github.com/matheus3301/parley/internal/convo"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id +
// msg_id). A pending envelope that later confirms is keyed by its correlation
// id until the server id arrives, so the confirmed row replaces it.
func (db *DB) UpsertMessage(conversationID string, e *convo.Envelope) error {
	key := e.ID
	if key == "" {
		key = e.CorrelationID
	}
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if e.ID != "" && e.CorrelationID != "" {
		// Confirmed echo of an optimistic send: drop the row stored under
		// the correlation id so the thread never shows both.
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			conversationID, e.CorrelationID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, correlation_id, sender_id, content, state, is_read, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			state = excluded.state,
			is_read = excluded.is_read,
			updated_at = excluded.updated_at`,
		conversationID, key, e.CorrelationID, e.SenderID, e.Content, string(e.State), e.IsRead, e.Timestamp, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset pagination by
// timestamp, oldest of the page first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]convo.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, correlation_id, sender_id, content, state, is_read, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []convo.Envelope
	for rows.Next() {
		var e convo.Envelope
		var state string
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.SenderID, &e.Content, &state, &e.IsRead, &e.Timestamp); err != nil {
			return nil, err
		}
		e.State = convo.DeliveryState(state)
		e.ConversationID = conversationID
		msgs = append(msgs, e)
	}
	// Reverse into chronological order for rendering.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}
