package chat

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanchat-dev/lanchat/internal/i18n"
	"github.com/lanchat-dev/lanchat/internal/model"
)

// Event is the outbound wire envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Envelope is the inbound wire envelope. Data is decoded per Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BackupController is the slice of the backup lifecycle the chat layer
// drives: command trigger plus the two download-ending session events.
type BackupController interface {
	Start(username, room, sessionID string)
	OnDownloadConfirmed(backupID string)
	OnDownloadCanceled(backupID string)
}

// MessageStore persists and recalls room history.
type MessageStore interface {
	Insert(m model.Message) error
	ListRecent(room string, limit int) ([]model.Message, error)
}

const historyLimit = 100

// Hub tracks connected clients, their room membership, and routes inbound
// events. It trusts the username and room a client declares at join time.
type Hub struct {
	store         MessageStore
	backup        BackupController
	backupCommand string
	tr            i18n.Translator
	logger        *slog.Logger

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	byRoom    map[string]map[*Client]struct{}
	bySession map[string]*Client
}

// NewHub creates a Hub. backup may be set later via SetBackup to break the
// construction cycle between the hub (the backup notifier) and the backup
// service (a hub event consumer).
func NewHub(store MessageStore, backupCommand string, tr i18n.Translator, logger *slog.Logger) *Hub {
	return &Hub{
		store:         store,
		backupCommand: backupCommand,
		tr:            tr,
		logger:        logger,
		clients:       make(map[*Client]struct{}),
		byRoom:        make(map[string]map[*Client]struct{}),
		bySession:     make(map[string]*Client),
	}
}

// SetBackup wires the backup controller. Must be called before serving
// connections.
func (h *Hub) SetBackup(b BackupController) { h.backup = b }

// Register adds a connected client. Room membership is established later by
// the join event.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.bySession[c.sessionID] = c
	h.mu.Unlock()
}

// Unregister removes a client, its room membership, and closes its send
// channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		delete(h.bySession, c.sessionID)
		if members, ok := h.byRoom[c.room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.byRoom, c.room)
			}
		}
		close(c.send)
	}
	h.mu.Unlock()

	if c.room != "" {
		h.broadcastUserList(c.room)
	}
}

// BroadcastRoom sends an event to every client joined to room.
func (h *Hub) BroadcastRoom(room, eventType string, payload any) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("marshal room event", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byRoom[room] {
		select {
		case c.send <- data:
		default:
			// Client buffer full — drop rather than block the hub
		}
	}
}

// SendToSession sends an event to one client by session id. Unknown sessions
// (client disconnected) are dropped silently.
func (h *Hub) SendToSession(sessionID, eventType string, payload any) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("marshal session event", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	c, ok := h.bySession[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

// RoomNotice broadcasts a system message to a room. System notices are not
// persisted to history.
func (h *Hub) RoomNotice(room, text string) {
	h.BroadcastRoom(room, "new-message", model.Message{
		ID:        uuid.NewString(),
		Room:      room,
		Username:  "system",
		UserID:    "system",
		Text:      text,
		IsSystem:  true,
		CreatedAt: time.Now(),
	})
}

// SessionEvent satisfies the backup notifier interface.
func (h *Hub) SessionEvent(sessionID, eventType string, payload any) {
	h.SendToSession(sessionID, eventType, payload)
}

// RoomClientCount returns how many clients are joined to room.
func (h *Hub) RoomClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRoom[room])
}

func (h *Hub) dispatch(c *Client, env Envelope) {
	switch env.Type {
	case "join":
		h.handleJoin(c, env.Data)
	case "send-message":
		h.handleSendMessage(c, env.Data)
	case "backup-downloaded":
		if id, ok := parseBackupID(env.Data); ok {
			h.backup.OnDownloadConfirmed(id)
		} else {
			h.logger.Warn("backup-downloaded without backup id", "session", c.sessionID)
		}
	case "backup-canceled":
		if id, ok := parseBackupID(env.Data); ok {
			h.backup.OnDownloadCanceled(id)
		} else {
			h.logger.Warn("backup-canceled without backup id", "session", c.sessionID)
		}
	default:
		h.logger.Debug("unknown event type", "type", env.Type, "session", c.sessionID)
	}
}

type joinPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

func (h *Hub) handleJoin(c *Client, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Username == "" || p.Room == "" {
		h.logger.Warn("malformed join payload", "session", c.sessionID)
		return
	}

	h.mu.Lock()
	// Re-joining moves the client out of its previous room.
	if c.room != "" {
		if members, ok := h.byRoom[c.room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.byRoom, c.room)
			}
		}
	}
	c.username = p.Username
	c.room = p.Room
	if h.byRoom[p.Room] == nil {
		h.byRoom[p.Room] = make(map[*Client]struct{})
	}
	h.byRoom[p.Room][c] = struct{}{}
	h.mu.Unlock()

	history, err := h.store.ListRecent(p.Room, historyLimit)
	if err != nil {
		h.logger.Error("load history", "room", p.Room, "error", err)
	} else {
		h.SendToSession(c.sessionID, "history", history)
	}

	h.broadcastUserList(p.Room)
}

type sendMessagePayload struct {
	Text string `json:"text"`
}

func (h *Hub) handleSendMessage(c *Client, data json.RawMessage) {
	if c.room == "" {
		h.logger.Warn("message before join", "session", c.sessionID)
		return
	}

	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		h.logger.Warn("malformed message payload", "session", c.sessionID)
		return
	}

	if strings.TrimSpace(p.Text) == h.backupCommand {
		// The build is long-running I/O; never block the read pump on it.
		go h.backup.Start(c.username, c.room, c.sessionID)
		return
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		Room:      c.room,
		Username:  c.username,
		UserID:    c.sessionID,
		Text:      p.Text,
		CreatedAt: time.Now(),
	}

	if err := h.store.Insert(msg); err != nil {
		h.logger.Error("persist message", "room", c.room, "error", err)
	}

	h.BroadcastRoom(c.room, "new-message", msg)
}

func (h *Hub) broadcastUserList(room string) {
	h.mu.RLock()
	users := make([]string, 0, len(h.byRoom[room]))
	for c := range h.byRoom[room] {
		users = append(users, c.username)
	}
	h.mu.RUnlock()

	h.BroadcastRoom(room, "users-list", users)
}

// parseBackupID accepts the id either as a bare JSON string or as an object
// with a backupId field.
func parseBackupID(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s, true
	}

	var obj struct {
		BackupID string `json:"backupId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.BackupID != "" {
		return obj.BackupID, true
	}
	return "", false
}
