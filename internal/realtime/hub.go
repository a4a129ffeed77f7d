// Package realtime pushes notification events to connected clients
// over websockets. The hub fans each event out to every open
// connection of the recipient.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
	"github.com/meattrace/notify/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement belongs to the gateway in front of us.
		return true
	},
}

// Broadcast topics clients may subscribe to alongside their personal
// stream.
const (
	TopicSystemAlerts       = "system_alerts"
	TopicAdminNotifications = "admin_notifications"
)

// Envelope is the wire format pushed to clients.
type Envelope struct {
	Event        string           `json:"event"`
	Topic        string           `json:"topic,omitempty"`
	Notification *db.Notification `json:"notification,omitempty"`
	Stats        *db.Stats        `json:"stats,omitempty"`
}

// StatsSource provides the unread counts pushed on connect.
type StatsSource interface {
	Stats(ctx context.Context, recipientID uuid.UUID) (*db.Stats, error)
}

// Hub tracks live connections keyed by user.
type Hub struct {
	clients map[uuid.UUID]map[*client]bool

	register   chan *client
	unregister chan *client
	events     chan *Envelope
	done       chan struct{}

	stats  StatsSource
	logger *zap.Logger
	mu     sync.RWMutex
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	topics map[string]bool
}

// NewHub creates a hub. stats may be nil to skip the connect snapshot.
func NewHub(stats StatsSource, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan *Envelope, 64),
		done:       make(chan struct{}),
		stats:      stats,
		logger:     logger,
	}
}

// Run drives the hub loop until ctx is cancelled. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Unblock any pump goroutine still trying to register or
			// unregister before tearing the connections down.
			close(h.done)
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*client]bool)
			}
			h.clients[c.userID][c] = true
			total := h.total()
			h.mu.Unlock()
			metrics.SetWebsocketClients(total)
			h.logger.Debug("websocket client connected",
				zap.String("user_id", c.userID.String()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[c.userID]; ok {
				if _, ok := conns[c]; ok {
					delete(conns, c)
					close(c.send)
					if len(conns) == 0 {
						delete(h.clients, c.userID)
					}
				}
			}
			total := h.total()
			h.mu.Unlock()
			metrics.SetWebsocketClients(total)

		case env := <-h.events:
			h.deliver(env)
		}
	}
}

// Publish queues a notification event for the recipient's open
// connections. Never blocks the caller.
func (h *Hub) Publish(event string, n *db.Notification) {
	select {
	case h.events <- &Envelope{Event: event, Notification: n}:
	default:
		h.logger.Warn("realtime event queue full, dropping event",
			zap.String("event", event),
			zap.String("notification_id", n.ID.String()),
		)
	}
}

// Broadcast queues an event for every client subscribed to a topic,
// regardless of recipient. Used for system alerts.
func (h *Hub) Broadcast(topic, event string, n *db.Notification) {
	select {
	case h.events <- &Envelope{Event: event, Topic: topic, Notification: n}:
	default:
		h.logger.Warn("realtime event queue full, dropping broadcast",
			zap.String("topic", topic),
		)
	}
}

func (h *Hub) deliver(env *Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode realtime event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if env.Topic != "" {
		for userID, conns := range h.clients {
			for c := range conns {
				if !c.topics[env.Topic] {
					continue
				}
				h.send(c, conns, userID, payload)
			}
		}
		return
	}

	recipientID := env.Notification.RecipientID
	conns := h.clients[recipientID]
	for c := range conns {
		h.send(c, conns, recipientID, payload)
	}
}

// send pushes to one client, dropping it when its buffer is full. The
// client reconnects and resyncs from the list endpoint. Callers hold mu.
func (h *Hub) send(c *client, conns map[*client]bool, userID uuid.UUID, payload []byte) {
	select {
	case c.send <- payload:
	default:
		close(c.send)
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
}

// ConnectedUsers returns how many distinct users hold a connection.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) total() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.clients {
		for c := range conns {
			close(c.send)
		}
		delete(h.clients, userID)
	}
	metrics.SetWebsocketClients(0)
}

// ServeHTTP upgrades the request and registers the connection for the
// given user with optional topic subscriptions. The caller resolves
// the user and allowed topics from auth before handing the request
// over.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID uuid.UUID, topics ...string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	subs := make(map[string]bool, len(topics))
	for _, topic := range topics {
		subs[topic] = true
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		topics: subs,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	c.sendInitialStats(r.Context())

	go c.writePump()
	go c.readPump()
}

// sendInitialStats pushes an unread snapshot so the client can render
// its badge before any event arrives.
func (c *client) sendInitialStats(ctx context.Context) {
	if c.hub.stats == nil {
		return
	}
	stats, err := c.hub.stats.Stats(ctx, c.userID)
	if err != nil {
		c.hub.logger.Warn("failed to load initial stats",
			zap.String("user_id", c.userID.String()),
			zap.Error(err),
		)
		return
	}
	payload, err := json.Marshal(Envelope{Event: "initial_stats", Stats: stats})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Clients only listen; anything they send besides pings is
		// read and discarded to keep the connection healthy.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
