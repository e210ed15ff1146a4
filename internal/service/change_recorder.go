package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// Bus channels and streams written by the ChangeRecorder.
const (
	ChannelPositions     = "signalsync:positions"
	ChannelNotifications = "signalsync:notifications"
	StreamClosed         = "signalsync:positions:closed"
)

// recordTimeout bounds each external write made for one change.
const recordTimeout = 5 * time.Second

// RecorderDeps holds the sinks the recorder writes to. Nil members are
// skipped.
type RecorderDeps struct {
	Mirror  domain.PositionMirror
	Prices  domain.PriceCache
	Bus     domain.ChangeBus
	History domain.PositionHistoryStore
}

// positionMessage is the JSON published on the positions channel.
type positionMessage struct {
	Event      string           `json:"event"`
	Seq        uint64           `json:"seq"`
	Symbol     string           `json:"symbol,omitempty"`
	Position   *positionPayload `json:"position,omitempty"`
	Count      int              `json:"count,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type positionPayload struct {
	Symbol          string           `json:"symbol"`
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

func toPayload(p domain.Position) *positionPayload {
	return &positionPayload{
		Symbol:          p.Symbol,
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

// ChangeRecorder mirrors committed cache changes to Redis and records
// closed positions in Postgres so other processes can read session state
// without holding a backend connection.
type ChangeRecorder struct {
	positions     *PositionCache
	notifications *NotificationStore
	deps          RecorderDeps
	logger        *slog.Logger

	ctx context.Context
}

// NewChangeRecorder creates a ChangeRecorder.
func NewChangeRecorder(positions *PositionCache, notifications *NotificationStore, deps RecorderDeps, logger *slog.Logger) *ChangeRecorder {
	return &ChangeRecorder{
		positions:     positions,
		notifications: notifications,
		deps:          deps,
		logger:        logger.With(slog.String("component", "change_recorder")),
	}
}

// Run records changes until ctx is cancelled.
func (r *ChangeRecorder) Run(ctx context.Context) error {
	r.ctx = ctx

	unsubPositions := r.positions.Subscribe(r.HandlePositionChange)
	defer unsubPositions()
	if r.notifications != nil {
		unsubNotes := r.notifications.Subscribe(r.HandleNotificationChange)
		defer unsubNotes()
	}

	r.logger.Info("change recorder started")
	<-ctx.Done()
	return ctx.Err()
}

func (r *ChangeRecorder) opCtx() (context.Context, context.CancelFunc) {
	base := r.ctx
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, recordTimeout)
}

// HandlePositionChange writes one committed position change to every sink.
func (r *ChangeRecorder) HandlePositionChange(ch PositionChange) {
	ctx, cancel := r.opCtx()
	defer cancel()

	msg := positionMessage{Event: string(ch.Kind), Seq: ch.Seq, Symbol: ch.Symbol, OccurredAt: time.Now().UTC()}

	switch ch.Kind {
	case PositionUpserted:
		msg.Position = toPayload(ch.Position)
		if r.deps.Mirror != nil {
			r.check("mirror put", r.deps.Mirror.Put(ctx, ch.Position))
		}
		if r.deps.Prices != nil && !ch.Position.MarkPrice.IsZero() {
			ts := ch.Position.LastUpdate
			if ts.IsZero() {
				ts = msg.OccurredAt
			}
			r.check("price set", r.deps.Prices.SetPrice(ctx, ch.Symbol, ch.Position.MarkPrice, ts))
		}

	case PositionRemoved:
		msg.Position = toPayload(ch.Position)
		if ch.Closed != nil {
			msg.Reason = ch.Closed.Reason
		}
		if r.deps.Mirror != nil {
			r.check("mirror remove", r.deps.Mirror.Remove(ctx, ch.Symbol))
		}
		if ch.Closed != nil {
			closed := ClosedFromChange(ch.Position, *ch.Closed)
			if r.deps.History != nil {
				r.check("history insert", r.deps.History.Insert(ctx, closed))
			}
			if r.deps.Bus != nil {
				if data, err := json.Marshal(msg); err == nil {
					r.check("stream append", r.deps.Bus.StreamAppend(ctx, StreamClosed, data))
				}
			}
		}

	case PositionSnapshot:
		msg.Count = len(ch.Positions)
		if r.deps.Mirror != nil {
			r.check("mirror replace", r.deps.Mirror.Replace(ctx, ch.Positions))
		}
		if r.deps.Prices != nil {
			for _, p := range ch.Positions {
				if p.MarkPrice.IsZero() {
					continue
				}
				ts := p.LastUpdate
				if ts.IsZero() {
					ts = msg.OccurredAt
				}
				r.check("price set", r.deps.Prices.SetPrice(ctx, p.Symbol, p.MarkPrice, ts))
			}
		}
	}

	if r.deps.Bus != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			r.check("marshal", err)
			return
		}
		r.check("publish", r.deps.Bus.Publish(ctx, ChannelPositions, data))
	}
}

// notificationMessage is the JSON published on the notifications channel.
type notificationMessage struct {
	Event       string  `json:"event"`
	IDs         []int64 `json:"ids"`
	UnreadCount int     `json:"unread_count"`
}

// HandleNotificationChange publishes a summary of a notification change.
func (r *ChangeRecorder) HandleNotificationChange(ch NotificationChange) {
	if r.deps.Bus == nil {
		return
	}
	ctx, cancel := r.opCtx()
	defer cancel()

	msg := notificationMessage{Event: string(ch.Kind), UnreadCount: ch.UnreadCount}
	for _, n := range ch.Items {
		msg.IDs = append(msg.IDs, n.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.check("marshal", err)
		return
	}
	r.check("publish", r.deps.Bus.Publish(ctx, ChannelNotifications, data))
}

func (r *ChangeRecorder) check(op string, err error) {
	if err != nil {
		r.logger.Warn("record failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// ClosedFromChange builds the history record for a closed position. The
// realised P&L reported by the backend wins over the last unrealised value.
func ClosedFromChange(last domain.Position, ev domain.PositionStatusEvent) domain.ClosedPosition {
	cp := domain.ClosedPosition{
		Symbol:        last.Symbol,
		PositionID:    last.PositionID,
		Side:          last.Side,
		Quantity:      last.Quantity,
		EntryPrice:    last.EntryPrice,
		ExitPrice:     last.MarkPrice,
		RealizedPnL:   last.UnrealizedPnL,
		PnLPercentage: last.PnLPercentage,
		Reason:        ev.Reason,
		ClosedAt:      ev.Timestamp,
	}
	if ev.PositionID != "" {
		cp.PositionID = ev.PositionID
	}
	if ev.PnL != nil {
		cp.RealizedPnL = *ev.PnL
	}
	if ev.PnLPercentage != nil {
		cp.PnLPercentage = *ev.PnLPercentage
	}
	if cp.ClosedAt.IsZero() {
		cp.ClosedAt = time.Now().UTC()
	}
	return cp
}
