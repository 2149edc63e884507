// Package websocket is the realtime edge: an org-keyed connection registry
// fed by the cross-node event bridge. Each connection is tagged with the
// organization resolved from its bearer token; unauthenticated sockets
// carry no org and only system-wide events reach them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
)

// healthInterval paces the global health_update frame.
const healthInterval = 30 * time.Second

// frame is the JSON shape written to clients.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// delivery is one broadcast in flight inside the hub.
type delivery struct {
	event string
	data  json.RawMessage
	orgID *string
}

// Hub maintains the active WebSocket connections and fans events out to
// them. Scoped events reach one org's connections; unscoped events reach
// every connection.
type Hub struct {
	// connections maps org ID to that org's client set. The empty key
	// holds unauthenticated connections.
	connections map[string]map[*Client]bool
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *delivery

	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections: make(map[string]map[*Client]bool),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		broadcast:   make(chan *delivery, 1000),
		started:     time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run is the hub's event loop. It owns the registry; register, unregister,
// and broadcast all flow through here.
func (h *Hub) Run() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("hub shutting down")
			h.closeAllConnections()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case d := <-h.broadcast:
			h.deliver(d)

		case <-ticker.C:
			h.publishHealth()
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.cancel()
}

// BroadcastLocal hands one event to this node's connections. It never
// blocks the caller: when the intake is full the frame is dropped and
// counted, matching the fabric's fire-and-forget contract.
func (h *Hub) BroadcastLocal(event string, data json.RawMessage, orgID *string) {
	select {
	case h.broadcast <- &delivery{event: event, data: data, orgID: orgID}:
	case <-h.ctx.Done():
	default:
		h.countDrop()
		h.logger.Warn("hub intake full, dropping frame", zap.String("event", event))
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[client.orgID] == nil {
		h.connections[client.orgID] = make(map[*Client]bool)
	}
	h.connections[client.orgID][client] = true

	if h.metrics != nil {
		h.metrics.ActiveSockets.Inc()
	}
	h.logger.Info("client registered",
		zap.String("connection_id", client.id),
		zap.String("org_id", client.orgID),
		zap.Int("org_connections", len(h.connections[client.orgID])),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.connections[client.orgID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.connections, client.orgID)
	}

	if h.metrics != nil {
		h.metrics.ActiveSockets.Dec()
	}
	h.logger.Info("client unregistered",
		zap.String("connection_id", client.id),
		zap.String("org_id", client.orgID),
		zap.Int("org_connections", len(clients)),
	)
}

// deliver writes one event to its audience. The frame is marshalled once
// for all recipients. A client whose send buffer is full is cut loose
// rather than allowed to stall the fabric.
func (h *Hub) deliver(d *delivery) {
	raw, err := json.Marshal(frame{
		Type:      d.event,
		Data:      d.data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("failed to marshal frame",
			zap.String("event", d.event), zap.Error(err))
		return
	}

	h.mu.RLock()
	var targets []*Client
	if d.orgID != nil {
		for client := range h.connections[*d.orgID] {
			targets = append(targets, client)
		}
	} else {
		for _, clients := range h.connections {
			for client := range clients {
				targets = append(targets, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- raw:
			h.countSend(d.event)
		default:
			h.countDrop()
			h.logger.Warn("closing slow client",
				zap.String("connection_id", client.id),
				zap.String("org_id", client.orgID),
			)
			go func(c *Client) {
				c.hub.unregister <- c
				c.conn.Close()
			}(client)
		}
	}
}

// publishHealth emits the unscoped health_update frame so every
// connection, authenticated or not, sees the node heartbeat.
func (h *Hub) publishHealth() {
	data, err := json.Marshal(map[string]any{
		"status":         "ok",
		"connections":    h.TotalConnections(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
	if err != nil {
		return
	}
	h.deliver(&delivery{event: events.EventHealthUpdate, data: data})
}

func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for orgID, clients := range h.connections {
		for client := range clients {
			close(client.send)
			client.conn.Close()
		}
		delete(h.connections, orgID)
	}
	if h.metrics != nil {
		h.metrics.ActiveSockets.Set(0)
	}
	h.logger.Info("all connections closed")
}

// TotalConnections reports the number of active sockets on this node.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.connections {
		n += len(clients)
	}
	return n
}

// UserConnectionCount reports how many sockets a user holds within an org.
func (h *Hub) UserConnectionCount(orgID, userID string) int {
	if userID == "" {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.connections[orgID] {
		if client.userID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) countSend(event string) {
	if h.metrics != nil {
		h.metrics.BroadcastsSent.WithLabelValues(event).Inc()
	}
}

func (h *Hub) countDrop() {
	if h.metrics != nil {
		h.metrics.BroadcastDropped.Inc()
	}
}
