// Package view defines the JSON shapes the local API and WebSocket hub
// expose to consumers.
package view

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// Position is the JSON form of a cached position. Decimals encode as
// strings to keep full precision.
type Position struct {
	Symbol          string           `json:"symbol"`
	PositionID      string           `json:"position_id,omitempty"`
	Side            string           `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	MarkPrice       decimal.Decimal  `json:"mark_price"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl"`
	PnLPercentage   decimal.Decimal  `json:"pnl_percentage"`
	ExpectedReturn  *decimal.Decimal `json:"expected_return,omitempty"`
	LastUpdate      time.Time        `json:"last_update"`
}

// FromPosition converts a domain position.
func FromPosition(p domain.Position) Position {
	return Position{
		Symbol:          p.Symbol,
		PositionID:      p.PositionID,
		Side:            string(p.Side),
		Quantity:        p.Quantity,
		EntryPrice:      p.EntryPrice,
		MarkPrice:       p.MarkPrice,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		UnrealizedPnL:   p.UnrealizedPnL,
		PnLPercentage:   p.PnLPercentage,
		ExpectedReturn:  p.ExpectedReturn,
		LastUpdate:      p.LastUpdate,
	}
}

// FromPositions converts a list, never returning nil.
func FromPositions(in []domain.Position) []Position {
	out := make([]Position, 0, len(in))
	for _, p := range in {
		out = append(out, FromPosition(p))
	}
	return out
}

// Notification is the JSON form of a stored notification.
type Notification struct {
	ID        int64          `json:"id"`
	Temporary bool           `json:"temporary,omitempty"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Symbol    string         `json:"symbol,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// FromNotification converts a domain notification.
func FromNotification(n domain.Notification) Notification {
	return Notification{
		ID:        n.ID,
		Temporary: n.IsTemporary(),
		Type:      string(n.Type),
		Priority:  string(n.Priority),
		Title:     n.Title,
		Message:   n.Message,
		Symbol:    n.Symbol,
		Data:      n.Data,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

// FromNotifications converts a list, never returning nil.
func FromNotifications(in []domain.Notification) []Notification {
	out := make([]Notification, 0, len(in))
	for _, n := range in {
		out = append(out, FromNotification(n))
	}
	return out
}

// Signal is the JSON form of a broadcast trading signal.
type Signal struct {
	Symbol         string    `json:"symbol"`
	Decision       string    `json:"decision"`
	Confidence     float64   `json:"confidence"`
	ConfidenceTier string    `json:"confidence_tier"`
	EntryPrice     float64   `json:"entry_price,omitempty"`
	StopLoss       float64   `json:"stop_loss,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FromSignal converts a domain signal.
func FromSignal(s domain.Signal) Signal {
	return Signal{
		Symbol:         s.Symbol,
		Decision:       string(s.Decision),
		Confidence:     s.Confidence,
		ConfidenceTier: string(s.ConfidenceTier()),
		EntryPrice:     s.EntryPrice,
		StopLoss:       s.StopLoss,
		TakeProfit:     s.TakeProfit,
		Reason:         s.Reason,
		CreatedAt:      s.CreatedAt,
	}
}

// ConnStatus is the JSON form of a connection status transition.
type ConnStatus struct {
	State   string    `json:"state"`
	Attempt int       `json:"attempt,omitempty"`
	Fatal   bool      `json:"fatal,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// FromConnStatus converts a domain connection status.
func FromConnStatus(s domain.ConnStatus) ConnStatus {
	out := ConnStatus{
		State:   string(s.State),
		Attempt: s.Attempt,
		Fatal:   s.Fatal,
		At:      s.At,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}
