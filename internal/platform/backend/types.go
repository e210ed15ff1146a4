package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// Frame types carried in the WebSocket envelope.
const (
	TypeSignal         = "signal"
	TypeNotification   = "notification"
	TypePositionUpdate = "position_update"
	TypePositionStatus = "position_status"
	TypeStatus         = "status"
	TypeConnection     = "connection"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope is the outer shape of every inbound WebSocket frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// flexTime unmarshals from a unix timestamp (seconds or milliseconds, number
// or string) or an ISO-8601 string with or without a zone. Exchange rows
// carry millisecond stamps while the backend's own events use zoneless ISO.
type flexTime time.Time

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '"' {
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("time: %w", err)
		}
		*f = flexTime(fromEpoch(n))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexTime(fromEpoch(n))
		return nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*f = flexTime(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("time: unrecognised format %q", s)
}

func (f flexTime) Time() time.Time { return time.Time(f) }

func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// Anything past year 2286 in seconds is a millisecond stamp.
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// --------------------------------------------------------------------------
// Positions
// --------------------------------------------------------------------------

// APIPosition is one row of a position_update frame or the live-positions
// REST listing. Absent fields decode as nil and are not applied.
type APIPosition struct {
	Symbol          string           `json:"symbol"`
	PositionID      json.RawMessage  `json:"position_id,omitempty"`
	PositionSide    string           `json:"position_side"`
	Side            string           `json:"side,omitempty"`
	PositionAmt     *decimal.Decimal `json:"position_amt"`
	Quantity        *decimal.Decimal `json:"quantity,omitempty"`
	EntryPrice      *decimal.Decimal `json:"entry_price"`
	MarkPrice       *decimal.Decimal `json:"mark_price"`
	UnrealizedPnL   *decimal.Decimal `json:"unrealized_pnl"`
	PnLPercentage   *decimal.Decimal `json:"pnl_percentage"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price"`
	UpdateTime      flexTime         `json:"update_time"`
}

func (p APIPosition) amount() *decimal.Decimal {
	if p.PositionAmt != nil {
		return p.PositionAmt
	}
	return p.Quantity
}

func (p APIPosition) side() (domain.PositionSide, bool) {
	raw := p.PositionSide
	if raw == "" {
		raw = p.Side
	}
	return domain.ParsePositionSide(raw, p.amount())
}

// ToDomainUpdate converts the row to a cache delta.
func (p APIPosition) ToDomainUpdate() domain.PositionUpdate {
	u := domain.PositionUpdate{
		Symbol:          strings.ToUpper(p.Symbol),
		EntryPrice:      p.EntryPrice,
		MarkPrice:       p.MarkPrice,
		StopLossPrice:   nonZero(p.StopLossPrice),
		TakeProfitPrice: nonZero(p.TakeProfitPrice),
		UnrealizedPnL:   p.UnrealizedPnL,
		PnLPercentage:   p.PnLPercentage,
		UpdateTime:      p.UpdateTime.Time(),
	}
	if s, ok := p.side(); ok {
		u.Side = &s
	}
	if a := p.amount(); a != nil {
		q := a.Abs()
		u.Quantity = &q
	}
	return u
}

// ToDomainPosition converts a snapshot row to a full position.
func (p APIPosition) ToDomainPosition() domain.Position {
	pos := domain.Position{
		Symbol:          strings.ToUpper(p.Symbol),
		PositionID:      rawID(p.PositionID),
		Side:            domain.SideLong,
		StopLossPrice:   nonZero(p.StopLossPrice),
		TakeProfitPrice: nonZero(p.TakeProfitPrice),
		LastUpdate:      p.UpdateTime.Time(),
	}
	if s, ok := p.side(); ok {
		pos.Side = s
	}
	if a := p.amount(); a != nil {
		pos.Quantity = a.Abs()
	}
	if p.EntryPrice != nil {
		pos.EntryPrice = *p.EntryPrice
	}
	if p.MarkPrice != nil {
		pos.MarkPrice = *p.MarkPrice
	}
	return pos.WithDerived()
}

// PositionUpdateData is the data payload of a position_update frame.
type PositionUpdateData struct {
	PnLUpdates []APIPosition `json:"pnl_updates"`
	Count      int           `json:"count"`
	Timestamp  flexTime      `json:"timestamp"`
}

// ToDomain converts every row in arrival order. Rows without an update_time
// inherit the frame timestamp.
func (d PositionUpdateData) ToDomain() []domain.PositionUpdate {
	out := make([]domain.PositionUpdate, 0, len(d.PnLUpdates))
	for _, row := range d.PnLUpdates {
		u := row.ToDomainUpdate()
		if u.UpdateTime.IsZero() {
			u.UpdateTime = d.Timestamp.Time()
		}
		out = append(out, u)
	}
	return out
}

// PositionStatusData is the data payload of a position_status frame.
type PositionStatusData struct {
	Action        string           `json:"action"`
	Symbol        string           `json:"symbol"`
	PositionID    json.RawMessage  `json:"position_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	PnL           *decimal.Decimal `json:"pnl,omitempty"`
	PnLPercentage *decimal.Decimal `json:"pnl_percentage,omitempty"`
	Side          string           `json:"side,omitempty"`
	PositionSide  string           `json:"position_side,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	EntryPrice    *decimal.Decimal `json:"entry_price,omitempty"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	Timestamp     flexTime         `json:"timestamp"`
}

// ToDomain validates the action and converts the payload.
func (d PositionStatusData) ToDomain() (domain.PositionStatusEvent, error) {
	action := domain.PositionAction(strings.ToLower(d.Action))
	if action != domain.PositionOpened && action != domain.PositionClosed {
		return domain.PositionStatusEvent{}, fmt.Errorf("%w: position_status action %q", domain.ErrMalformedFrame, d.Action)
	}
	if d.Symbol == "" {
		return domain.PositionStatusEvent{}, fmt.Errorf("%w: position_status without symbol", domain.ErrMalformedFrame)
	}

	ev := domain.PositionStatusEvent{
		Action:          action,
		Symbol:          strings.ToUpper(d.Symbol),
		PositionID:      rawID(d.PositionID),
		Reason:          d.Reason,
		PnL:             d.PnL,
		PnLPercentage:   d.PnLPercentage,
		EntryPrice:      d.EntryPrice,
		StopLossPrice:   nonZero(d.StopLoss),
		TakeProfitPrice: nonZero(d.TakeProfit),
		Timestamp:       d.Timestamp.Time(),
	}
	raw := d.PositionSide
	if raw == "" {
		raw = d.Side
	}
	if d.Quantity != nil {
		q := d.Quantity.Abs()
		ev.Quantity = &q
	}
	if s, ok := domain.ParsePositionSide(raw, d.Quantity); ok {
		ev.Side = &s
	}
	return ev, nil
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

// APINotification is a notification as returned by the REST API.
type APINotification struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Symbol    string         `json:"symbol,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt flexTime       `json:"created_at"`
}

// ToDomain converts the row. The symbol lives in data.symbol on the backend.
func (n APINotification) ToDomain() domain.Notification {
	return domain.Notification{
		ID:        n.ID,
		Type:      domain.NotificationType(n.Type),
		Priority:  parsePriority(n.Priority),
		Title:     n.Title,
		Message:   n.Message,
		Symbol:    notificationSymbol(n.Symbol, n.Data),
		Data:      n.Data,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt.Time(),
	}
}

// NotificationPushData is the data payload of a notification frame.
type NotificationPushData struct {
	Type      string         `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt flexTime       `json:"created_at"`
	Timestamp flexTime       `json:"timestamp"`
}

// ToDomain converts the push payload. The id is assigned by the store.
func (n NotificationPushData) ToDomain() (domain.Notification, error) {
	if n.Type == "" {
		return domain.Notification{}, fmt.Errorf("%w: notification without type", domain.ErrMalformedFrame)
	}
	created := n.CreatedAt.Time()
	if created.IsZero() {
		created = n.Timestamp.Time()
	}
	return domain.Notification{
		Type:      domain.NotificationType(n.Type),
		Priority:  parsePriority(n.Priority),
		Title:     n.Title,
		Message:   n.Message,
		Symbol:    notificationSymbol(n.Symbol, n.Data),
		Data:      n.Data,
		CreatedAt: created,
	}, nil
}

func notificationSymbol(explicit string, data map[string]any) string {
	if explicit != "" {
		return strings.ToUpper(explicit)
	}
	if s, ok := data["symbol"].(string); ok {
		return strings.ToUpper(s)
	}
	return ""
}

func parsePriority(raw string) domain.NotificationPriority {
	switch p := domain.NotificationPriority(strings.ToLower(raw)); p {
	case domain.PriorityLow, domain.PriorityHigh, domain.PriorityCritical:
		return p
	default:
		return domain.PriorityMedium
	}
}

// notificationsResponse accepts both a bare array and {"notifications": [...]}.
type notificationsResponse []APINotification

func (r *notificationsResponse) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []APINotification
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	var wrapped struct {
		Notifications []APINotification `json:"notifications"`
		Data          []APINotification `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Notifications != nil {
		*r = wrapped.Notifications
	} else {
		*r = wrapped.Data
	}
	return nil
}

// positionsResponse accepts a bare array, {"positions": [...]} or
// {"data": {"positions": [...]}}.
type positionsResponse []APIPosition

func (r *positionsResponse) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []APIPosition
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	var wrapped struct {
		Positions []APIPosition   `json:"positions"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Positions != nil || len(wrapped.Data) == 0 {
		*r = wrapped.Positions
		return nil
	}
	return r.UnmarshalJSON(wrapped.Data)
}

// --------------------------------------------------------------------------
// Signals and status
// --------------------------------------------------------------------------

// SignalData is the data payload of a signal frame.
type SignalData struct {
	Symbol     string   `json:"symbol"`
	Signal     string   `json:"signal"`
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	EntryPrice float64  `json:"entry_price"`
	StopLoss   float64  `json:"stop_loss"`
	TakeProfit float64  `json:"take_profit"`
	Reason     string   `json:"reason"`
	Pattern    string   `json:"pattern"`
	Timestamp  flexTime `json:"timestamp"`
}

// ToDomain converts the payload. Confidence is clamped to 0-100.
func (s SignalData) ToDomain() (domain.Signal, error) {
	if s.Symbol == "" {
		return domain.Signal{}, fmt.Errorf("%w: signal without symbol", domain.ErrMalformedFrame)
	}
	raw := s.Decision
	if raw == "" {
		raw = s.Signal
	}
	var decision domain.SignalDecision
	switch strings.ToUpper(raw) {
	case "BUY":
		decision = domain.DecisionBuy
	case "SELL":
		decision = domain.DecisionSell
	default:
		decision = domain.DecisionHold
	}
	reason := s.Reason
	if reason == "" {
		reason = s.Pattern
	}
	conf := s.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 100 {
		conf = 100
	}
	return domain.Signal{
		Symbol:     strings.ToUpper(s.Symbol),
		Decision:   decision,
		Confidence: conf,
		EntryPrice: s.EntryPrice,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Reason:     reason,
		CreatedAt:  s.Timestamp.Time(),
	}, nil
}

// StatusData is the data payload of a status frame.
type StatusData struct {
	ConnectedClients int      `json:"connected_clients"`
	Subscriptions    []string `json:"subscriptions"`
	MonitoringActive bool     `json:"monitoring_active"`
}

// ToDomain converts the payload, keeping the raw bytes for display.
func (s StatusData) ToDomain(raw json.RawMessage, at time.Time) domain.BackendStatus {
	return domain.BackendStatus{
		ConnectedClients: s.ConnectedClients,
		Subscriptions:    s.Subscriptions,
		MonitoringActive: s.MonitoringActive,
		Raw:              raw,
		ReceivedAt:       at,
	}
}

// --------------------------------------------------------------------------
// Request bodies
// --------------------------------------------------------------------------

// markReadRequest is the body of POST /api/notifications/mark-read.
type markReadRequest struct {
	NotificationIDs []int64 `json:"notification_ids,omitempty"`
	MarkAll         bool    `json:"mark_all,omitempty"`
}

// cleanupResponse is the body returned by the cleanup endpoint.
type cleanupResponse struct {
	Deleted int `json:"deleted_count"`
}

func nonZero(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

// rawID accepts a numeric or string id.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
