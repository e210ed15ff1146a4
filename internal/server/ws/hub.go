// Package ws serves the local WebSocket API. Each connection is one
// consumer of the subscription registry.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Outbound frame types.
const (
	TypeHello             = "hello"
	TypePositionUpdate    = "position_update"
	TypePositionClosed    = "position_closed"
	TypePositionsSnapshot = "positions_snapshot"
	TypeNotification      = "notification"
	TypeSignal            = "signal"
	TypeConnectionStatus  = "connection_status"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypePong              = "pong"
	TypeError             = "error"
)

// Registry is the subscription registry the hub drives.
type Registry interface {
	Subscribe(consumerID, symbol string)
	Unsubscribe(consumerID, symbol string)
	UnsubscribeAll(consumerID string)
	Interested(consumerID, symbol string) bool
}

// PositionFeed publishes committed position changes.
type PositionFeed interface {
	Subscribe(fn func(service.PositionChange)) func()
}

// NotificationFeed publishes committed notification changes.
type NotificationFeed interface {
	Subscribe(fn func(service.NotificationChange)) func()
}

// Envelope is every frame the hub writes.
type Envelope struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// clientFrame is what consumers send.
type clientFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type notificationEvent struct {
	Kind          string              `json:"kind"`
	Notifications []view.Notification `json:"notifications"`
	TempIDs       []int64             `json:"temp_ids,omitempty"`
	UnreadCount   int                 `json:"unread_count"`
}

type closedEvent struct {
	Position view.Position `json:"position"`
	Reason   string        `json:"reason,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected consumers and fans store changes out to them.
// Position and signal frames only reach consumers subscribed to the
// symbol; notification and connection frames reach everyone.
type Hub struct {
	registry Registry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	connStatus func() domain.ConnStatus
	logger     *slog.Logger
}

// NewHub creates a Hub. allowedOrigins restricts browser origins; empty
// allows all. connStatus, when set, is sent to each consumer on connect.
func NewHub(registry Registry, allowedOrigins []string, connStatus func() domain.ConnStatus, logger *slog.Logger) *Hub {
	h := &Hub{
		registry:   registry,
		clients:    make(map[string]*client),
		connStatus: connStatus,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run forwards store changes until ctx is cancelled, then disconnects every
// consumer.
func (h *Hub) Run(ctx context.Context, positions PositionFeed, notifications NotificationFeed) error {
	if positions != nil {
		defer positions.Subscribe(h.PublishPositionChange)()
	}
	if notifications != nil {
		defer notifications.Subscribe(h.PublishNotificationChange)()
	}

	h.logger.Info("ws hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
		h.registry.UnsubscribeAll(id)
	}
	h.mu.Unlock()
	return ctx.Err()
}

// ClientCount returns the number of connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers a new consumer.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("consumer connected", slog.String("consumer", c.id), slog.Int("total_clients", total))

	hello := map[string]any{"consumer_id": c.id}
	if h.connStatus != nil {
		hello["connection"] = view.FromConnStatus(h.connStatus())
	}
	h.sendTo(c.id, Envelope{Type: TypeHello, Data: hello})

	go h.writePump(c)
	go h.readPump(c)
}

// PublishPositionChange forwards one position change to interested
// consumers. Snapshots are filtered per consumer.
func (h *Hub) PublishPositionChange(ch service.PositionChange) {
	switch ch.Kind {
	case service.PositionUpserted:
		h.toInterested(ch.Symbol, Envelope{Type: TypePositionUpdate, Symbol: ch.Symbol, Data: view.FromPosition(ch.Position)})
	case service.PositionRemoved:
		ev := closedEvent{Position: view.FromPosition(ch.Position)}
		if ch.Closed != nil {
			ev.Reason = ch.Closed.Reason
		}
		h.toInterested(ch.Symbol, Envelope{Type: TypePositionClosed, Symbol: ch.Symbol, Data: ev})
	case service.PositionSnapshot:
		h.mu.RLock()
		defer h.mu.RUnlock()
		for id, c := range h.clients {
			var mine []domain.Position
			for _, p := range ch.Positions {
				if h.registry.Interested(id, p.Symbol) {
					mine = append(mine, p)
				}
			}
			h.deliverLocked(c, Envelope{Type: TypePositionsSnapshot, Data: view.FromPositions(mine)})
		}
	}
}

// PublishNotificationChange forwards a notification change to everyone.
func (h *Hub) PublishNotificationChange(ch service.NotificationChange) {
	h.toAll(Envelope{Type: TypeNotification, Data: notificationEvent{
		Kind:          string(ch.Kind),
		Notifications: view.FromNotifications(ch.Items),
		TempIDs:       ch.TempIDs,
		UnreadCount:   ch.UnreadCount,
	}})
}

// PublishSignal forwards a signal to consumers subscribed to its symbol.
func (h *Hub) PublishSignal(sig domain.Signal) {
	h.toInterested(sig.Symbol, Envelope{Type: TypeSignal, Symbol: sig.Symbol, Data: view.FromSignal(sig)})
}

// PublishConnStatus forwards a connection status change to everyone.
func (h *Hub) PublishConnStatus(st domain.ConnStatus) {
	h.toAll(Envelope{Type: TypeConnectionStatus, Data: view.FromConnStatus(st)})
}

func (h *Hub) toInterested(symbol string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if h.registry.Interested(id, symbol) {
			h.deliverLocked(c, env)
		}
	}
}

func (h *Hub) toAll(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.deliverLocked(c, env)
	}
}

func (h *Hub) sendTo(id string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[id]; ok {
		h.deliverLocked(c, env)
	}
}

// deliverLocked queues env for c without blocking. The caller holds h.mu.
func (h *Hub) deliverLocked(c *client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal frame failed", slog.String("type", env.Type), slog.String("error", err.Error()))
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping frame for slow consumer", slog.String("consumer", c.id), slog.String("type", env.Type))
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.registry.UnsubscribeAll(c.id)
		h.logger.Info("consumer disconnected", slog.String("consumer", c.id), slog.Int("total_clients", total))
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("unexpected close", slog.String("consumer", c.id), slog.String("error", err.Error()))
			}
			return
		}
		h.handleFrame(c, message)
	}
}

func (h *Hub) handleFrame(c *client, message []byte) {
	var f clientFrame
	if err := json.Unmarshal(message, &f); err != nil {
		h.sendTo(c.id, Envelope{Type: TypeError, Data: "malformed frame"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(f.Symbol))

	switch f.Type {
	case "subscribe":
		if symbol == "" {
			h.sendTo(c.id, Envelope{Type: TypeError, Data: "symbol is required"})
			return
		}
		if !h.subscribe(c.id, symbol) {
			return
		}
		h.sendTo(c.id, Envelope{Type: TypeSubscribed, Symbol: symbol})
	case "unsubscribe":
		if symbol == "" {
			h.sendTo(c.id, Envelope{Type: TypeError, Data: "symbol is required"})
			return
		}
		h.registry.Unsubscribe(c.id, symbol)
		h.sendTo(c.id, Envelope{Type: TypeUnsubscribed, Symbol: symbol})
	case "ping":
		h.sendTo(c.id, Envelope{Type: TypePong})
	default:
		h.sendTo(c.id, Envelope{Type: TypeError, Data: "unknown frame type " + f.Type})
	}
}

// subscribe registers symbol for a consumer that is still connected. Holding
// h.mu orders it against the UnsubscribeAll made on removal or shutdown.
func (h *Hub) subscribe(id, symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[id]; !ok {
		return false
	}
	h.registry.Subscribe(id, symbol)
	return true
}

// writePump is the only writer on c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
