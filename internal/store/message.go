package store

import (
	"database/sql"
	"fmt"

	"github.com/lanchat-dev/lanchat/internal/model"
)

// MessageStore persists chat messages.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Insert stores a message.
func (s *MessageStore) Insert(m model.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, room, username, user_id, text, is_system, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Room, m.Username, m.UserID, m.Text, m.IsSystem, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecent returns up to limit most recent messages for a room, oldest first.
func (s *MessageStore) ListRecent(room string, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, room, username, user_id, text, is_system, created_at
		 FROM (
		     SELECT * FROM messages WHERE room = ? ORDER BY created_at DESC LIMIT ?
		 ) ORDER BY created_at ASC`,
		room, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Username, &m.UserID, &m.Text, &m.IsSystem, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteByRoom removes all messages for a room. Used when a room is cleared.
func (s *MessageStore) DeleteByRoom(room string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE room = ?`, room)
	if err != nil {
		return 0, fmt.Errorf("delete room messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
