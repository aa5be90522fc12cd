// ABOUTME: Chat display history - append-only record of what was actually shown
// ABOUTME: Distinct from turns: one assistant turn may span several sent messages

package store

import (
	"context"
	"fmt"
	"time"
)

// MessageKind distinguishes what a chat history entry carried.
type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindSticker MessageKind = "sticker"
)

// ChatMessage is one entry in the display history.
type ChatMessage struct {
	ID        int64
	Sender    string
	Kind      MessageKind
	Content   string
	CreatedAt time.Time
}

// AppendChatMessage records a displayed message.
func (s *SQLiteStore) AppendChatMessage(ctx context.Context, msg ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_history (sender, kind, content, created_at) VALUES (?, ?, ?, ?)",
		msg.Sender, string(msg.Kind), msg.Content, msg.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("appending chat message: %w", err)
	}
	return nil
}

// RecentChatMessages returns the most recent limit entries, oldest first.
func (s *SQLiteStore) RecentChatMessages(ctx context.Context, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, kind, content, created_at FROM (
			SELECT id, sender, kind, content, created_at
			FROM chat_history ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var kind, createdAtStr string
		if err := rows.Scan(&m.ID, &m.Sender, &kind, &m.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		m.Kind = MessageKind(kind)
		if t, err := time.Parse(time.RFC3339, createdAtStr); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat history: %w", err)
	}
	return msgs, nil
}
