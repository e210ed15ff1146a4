package handler

import (
	"net/http"

	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
)

// Reconnector restarts the backend connection on demand.
type Reconnector interface {
	ConnectionState
	Reconnect()
}

// ConnectionHandler serves connection control.
type ConnectionHandler struct {
	conn Reconnector
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(conn Reconnector) *ConnectionHandler {
	return &ConnectionHandler{conn: conn}
}

// Reconnect asks the connection manager to reconnect, resetting its retry
// budget. This is the only way out of the fatal disconnected state.
// POST /api/connection/reconnect
func (h *ConnectionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.conn.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requested": true,
		"status":    view.FromConnStatus(h.conn.Status()),
	})
}
