package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Send buffer size per connection.
	sendBufferSize = 256
)

// Client is one WebSocket connection. orgID is empty for unauthenticated
// connections, which keeps them out of every org-scoped delivery.
type Client struct {
	id     string
	orgID  string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(orgID, userID string, hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		orgID:  orgID,
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With(
			zap.String("connection_id", id),
			zap.String("org_id", orgID),
		),
	}
}

// ID returns the connection's identifier.
func (c *Client) ID() string {
	return c.id
}

// Start registers with the hub and begins the read and write pumps.
func (c *Client) Start() {
	c.hub.register <- c

	go c.writePump()
	go c.readPump()

	c.sendConnectionEstablished()
}

// readPump drains the connection. The server does not accept commands
// over the socket; reading exists to observe pongs and closure.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		c.logger.Debug("read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("socket read error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleTextMessage(message)
		case websocket.BinaryMessage:
			c.logger.Warn("binary messages not supported")
		}
	}
}

// writePump pushes hub frames out and keeps the connection alive with
// protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write pump stopped")
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("failed to write frame", zap.Error(err))
				return
			}

			// Flush whatever queued behind the first frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.logger.Warn("failed to write batched frame", zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleTextMessage(message []byte) {
	message = bytes.TrimSpace(message)
	if string(message) == `{"type":"pong"}` {
		return
	}
	c.logger.Debug("ignoring client message", zap.Int("bytes", len(message)))
}

// sendConnectionEstablished greets the peer with its connection identity
// so clients can correlate server logs.
func (c *Client) sendConnectionEstablished() {
	data, err := json.Marshal(map[string]any{
		"connection_id": c.id,
		"authenticated": c.userID != "",
	})
	if err != nil {
		return
	}
	raw, err := json.Marshal(frame{
		Type:      "connection_established",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}

	select {
	case c.send <- raw:
	default:
		c.logger.Warn("could not send connection greeting")
	}
}
