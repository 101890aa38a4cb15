package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/parley/internal/convo"
)

// SaveSnapshot replaces the cached conversation set with a fresh snapshot.
// Runs in a single transaction so a crash mid-write never leaves a half
// snapshot behind.
func (db *DB) SaveSnapshot(summaries []convo.Summary) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}

	now := time.Now().UnixMilli()
	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, kind, display_name, last_content, last_sender_id,
			last_timestamp, unread_count, last_activity_at, created_at, participants, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range summaries {
		s := &summaries[i]
		participants, err := json.Marshal(s.Participants)
		if err != nil {
			return fmt.Errorf("encode participants for %s: %w", s.ID, err)
		}
		var content, senderID string
		var timestamp int64
		if s.LastMessage != nil {
			content = s.LastMessage.Content
			senderID = s.LastMessage.SenderID
			timestamp = s.LastMessage.Timestamp
		}
		if _, err := stmt.Exec(s.ID, string(s.Kind), s.DisplayName, content, senderID,
			timestamp, s.UnreadCount, s.LastActivityAt, s.CreatedAt, string(participants), now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertSummary inserts or updates a single cached conversation. Counters and
// activity timestamps never go backwards: concurrent snapshot and live writes
// merge by keeping the larger value.
func (db *DB) UpsertSummary(s *convo.Summary) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants for %s: %w", s.ID, err)
	}
	var content, senderID string
	var timestamp int64
	if s.LastMessage != nil {
		content = s.LastMessage.Content
		senderID = s.LastMessage.SenderID
		timestamp = s.LastMessage.Timestamp
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, kind, display_name, last_content, last_sender_id,
			last_timestamp, unread_count, last_activity_at, created_at, participants, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			display_name = excluded.display_name,
			last_content = CASE WHEN excluded.last_timestamp >= conversations.last_timestamp
				THEN excluded.last_content ELSE conversations.last_content END,
			last_sender_id = CASE WHEN excluded.last_timestamp >= conversations.last_timestamp
				THEN excluded.last_sender_id ELSE conversations.last_sender_id END,
			last_timestamp = MAX(excluded.last_timestamp, conversations.last_timestamp),
			unread_count = MAX(excluded.unread_count, conversations.unread_count),
			last_activity_at = MAX(excluded.last_activity_at, conversations.last_activity_at),
			created_at = excluded.created_at,
			participants = excluded.participants,
			updated_at = excluded.updated_at`,
		s.ID, string(s.Kind), s.DisplayName, content, senderID,
		timestamp, s.UnreadCount, s.LastActivityAt, s.CreatedAt, string(participants), now)
	return err
}

// ResetUnread zeroes the cached unread counter for a conversation.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// LoadSummaries returns all cached conversations ordered by activity, newest
// first, with id as tiebreak.
func (db *DB) LoadSummaries() ([]convo.Summary, error) {
	rows, err := db.Query(`
		SELECT id, kind, display_name, last_content, last_sender_id,
			last_timestamp, unread_count, last_activity_at, created_at, participants
		FROM conversations
		ORDER BY last_activity_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var summaries []convo.Summary
	for rows.Next() {
		var s convo.Summary
		var kind, content, senderID, participants string
		var timestamp int64
		if err := rows.Scan(&s.ID, &kind, &s.DisplayName, &content, &senderID,
			&timestamp, &s.UnreadCount, &s.LastActivityAt, &s.CreatedAt, &participants); err != nil {
			return nil, err
		}
		s.Kind = convo.Kind(kind)
		if timestamp > 0 || content != "" {
			s.LastMessage = &convo.LastMessage{Content: content, SenderID: senderID, Timestamp: timestamp}
		}
		if err := json.Unmarshal([]byte(participants), &s.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for %s: %w", s.ID, err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// DeleteConversations removes the given conversations and their cached
// messages.
func (db *DB) DeleteConversations(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return tx.Commit()
}
