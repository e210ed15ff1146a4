package handler

import (
	"net/http"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/feed"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
)

// ConnectionState exposes the backend connection status.
type ConnectionState interface {
	Status() domain.ConnStatus
}

// RouterState exposes the router counters.
type RouterState interface {
	Stats() feed.RouteStats
	LastBackendStatus() (domain.BackendStatus, bool)
}

// PositionCounts exposes the position cache sizes.
type PositionCounts interface {
	Len() int
	PendingLen() int
}

// NotificationCounts exposes the notification store sizes.
type NotificationCounts interface {
	Len() int
	UnreadCount() int
}

// SymbolLister lists the symbols subscribed upstream.
type SymbolLister interface {
	Symbols() []string
}

// ConsumerCounter counts connected local consumers.
type ConsumerCounter interface {
	ClientCount() int
}

// StatusSources are the components summarised by GET /api/status.
// Consumers may be nil.
type StatusSources struct {
	Connection    ConnectionState
	Router        RouterState
	Positions     PositionCounts
	Notifications NotificationCounts
	Subscriptions SymbolLister
	Consumers     ConsumerCounter
}

// StatusHandler serves the session summary.
type StatusHandler struct {
	src StatusSources
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSources) *StatusHandler {
	return &StatusHandler{src: src}
}

type backendStatusResponse struct {
	ConnectedClients int       `json:"connected_clients"`
	Subscriptions    []string  `json:"subscriptions"`
	MonitoringActive bool      `json:"monitoring_active"`
	ReceivedAt       time.Time `json:"received_at"`
}

type statusResponse struct {
	Connection     view.ConnStatus        `json:"connection"`
	Router         feed.RouteStats        `json:"router"`
	Backend        *backendStatusResponse `json:"backend,omitempty"`
	Positions      int                    `json:"positions"`
	PendingDeltas  int                    `json:"pending_deltas"`
	Notifications  int                    `json:"notifications"`
	Unread         int                    `json:"unread"`
	Subscriptions  []string               `json:"subscriptions"`
	LocalConsumers int                    `json:"local_consumers"`
}

// GetStatus reports connection state, routing counters and store sizes.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Connection:    view.FromConnStatus(h.src.Connection.Status()),
		Router:        h.src.Router.Stats(),
		Positions:     h.src.Positions.Len(),
		PendingDeltas: h.src.Positions.PendingLen(),
		Notifications: h.src.Notifications.Len(),
		Unread:        h.src.Notifications.UnreadCount(),
		Subscriptions: h.src.Subscriptions.Symbols(),
	}
	if resp.Subscriptions == nil {
		resp.Subscriptions = []string{}
	}
	if h.src.Consumers != nil {
		resp.LocalConsumers = h.src.Consumers.ClientCount()
	}
	if st, ok := h.src.Router.LastBackendStatus(); ok {
		resp.Backend = &backendStatusResponse{
			ConnectedClients: st.ConnectedClients,
			Subscriptions:    st.Subscriptions,
			MonitoringActive: st.MonitoringActive,
			ReceivedAt:       st.ReceivedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
