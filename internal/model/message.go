package model

import "time"

// Message is a single chat message in a room. System messages carry
// server-generated notices (backup progress, cleanup confirmations) and are
// attributed to the reserved "system" user.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	IsSystem  bool      `json:"isSystem,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}
