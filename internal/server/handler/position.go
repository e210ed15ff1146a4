package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
)

// PositionReader reads the position cache.
type PositionReader interface {
	List() []domain.Position
	Get(symbol string) (domain.Position, bool)
}

// PositionHandler serves the cached positions and closed-position history.
type PositionHandler struct {
	positions PositionReader
	history   domain.PositionHistoryStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil.
func NewPositionHandler(positions PositionReader, history domain.PositionHistoryStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		history:   history,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

// ListPositions returns every open position ordered by symbol.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	list := h.positions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": view.FromPositions(list),
		"count":     len(list),
	})
}

// GetPosition returns one position.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	p, ok := h.positions.Get(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no open position for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, view.FromPosition(p))
}

type closedPositionResponse struct {
	Symbol        string `json:"symbol"`
	PositionID    string `json:"position_id,omitempty"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	EntryPrice    string `json:"entry_price"`
	ExitPrice     string `json:"exit_price"`
	RealizedPnL   string `json:"realized_pnl"`
	PnLPercentage string `json:"pnl_percentage"`
	Reason        string `json:"reason,omitempty"`
	ClosedAt      string `json:"closed_at"`
}

// ListHistory returns recently closed positions.
// GET /api/positions/history?symbol=&limit=&offset=&since=
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "position history is not configured")
		return
	}
	rows, err := h.history.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}

	out := make([]closedPositionResponse, 0, len(rows))
	for _, cp := range rows {
		out = append(out, closedPositionResponse{
			Symbol:        cp.Symbol,
			PositionID:    cp.PositionID,
			Side:          string(cp.Side),
			Quantity:      cp.Quantity.String(),
			EntryPrice:    cp.EntryPrice.String(),
			ExitPrice:     cp.ExitPrice.String(),
			RealizedPnL:   cp.RealizedPnL.String(),
			PnLPercentage: cp.PnLPercentage.StringFixed(2),
			Reason:        cp.Reason,
			ClosedAt:      cp.ClosedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
