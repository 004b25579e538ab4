package chat

import (
	"context"
	"encoding/json"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	sendBufferSize = 32
	pingInterval   = 30 * time.Second
)

// Client represents a single WebSocket connection. Its identity fields are
// written only by the hub's join handling.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	send      chan []byte
	sessionID string
	username  string
	room      string
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: uuid.NewString(),
	}
}

// SessionID returns the server-assigned session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump decodes inbound envelopes and hands them to the hub. Frames that
// are not valid JSON envelopes are logged and skipped; a read error means
// the connection is gone.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.hub.logger.Warn("undecodable frame", "session", c.sessionID)
			continue
		}

		c.hub.dispatch(c, env)
	}
}

// writePump drains the send channel and writes messages to the WebSocket,
// pinging periodically to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel — connection is done
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
