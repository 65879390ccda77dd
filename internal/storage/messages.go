package storage

import (
	"context"
	"fmt"
)

// AppendMessage persists a chat message with the current timestamp.
func (s *Store) AppendMessage(ctx context.Context, documentID string, role Role, content string) (ChatMessage, error) {
	m := ChatMessage{
		DocumentID: documentID,
		Role:       role,
		Content:    content,
		CreatedAt:  s.now(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (document_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		documentID, role, content, formatTime(m.CreatedAt),
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("appending %s message to %s: %w", role, documentID, err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

// ListMessages returns up to limit of the most recent messages for a
// document, oldest first. A limit <= 0 returns the full history.
func (s *Store) ListMessages(ctx context.Context, documentID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, role, content, created_at FROM (
			SELECT id, document_id, role, content, created_at FROM chat_messages
			WHERE document_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
