package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

type riskLevel string

const (
	levelStopLoss   riskLevel = "stop_loss"
	levelTakeProfit riskLevel = "take_profit"
)

// RiskWatcher raises a local notification the first time a position's mark
// price crosses its stop-loss or take-profit level. The flag re-arms once
// the price moves back inside the range or the position goes away.
type RiskWatcher struct {
	positions     *PositionCache
	notifications *NotificationStore
	now           func() time.Time

	mu    sync.Mutex
	fired map[string]map[riskLevel]bool
	// alerts is the number of notifications raised so far.
	alerts int

	logger *slog.Logger
}

// NewRiskWatcher creates a watcher over positions that writes to notifications.
func NewRiskWatcher(positions *PositionCache, notifications *NotificationStore, logger *slog.Logger) *RiskWatcher {
	return &RiskWatcher{
		positions:     positions,
		notifications: notifications,
		now:           time.Now,
		fired:         make(map[string]map[riskLevel]bool),
		logger:        logger.With(slog.String("component", "risk_watcher")),
	}
}

// Run watches position changes until ctx is cancelled.
func (w *RiskWatcher) Run(ctx context.Context) error {
	unsubscribe := w.positions.Subscribe(w.handle)
	defer unsubscribe()

	w.logger.Info("risk watcher started")
	<-ctx.Done()
	return ctx.Err()
}

// Alerts returns how many alerts have been raised.
func (w *RiskWatcher) Alerts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alerts
}

func (w *RiskWatcher) handle(ch PositionChange) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ch.Kind {
	case PositionUpserted:
		w.check(ch.Position)
	case PositionRemoved:
		delete(w.fired, ch.Symbol)
	case PositionSnapshot:
		present := make(map[string]bool, len(ch.Positions))
		for _, p := range ch.Positions {
			present[p.Symbol] = true
			w.check(p)
		}
		for sym := range w.fired {
			if !present[sym] {
				delete(w.fired, sym)
			}
		}
	}
}

func (w *RiskWatcher) check(p domain.Position) {
	if p.MarkPrice.IsZero() {
		return
	}
	if p.StopLossPrice != nil {
		w.evaluate(p, levelStopLoss, *p.StopLossPrice, crossedStop(p.Side, p.MarkPrice, *p.StopLossPrice))
	}
	if p.TakeProfitPrice != nil {
		w.evaluate(p, levelTakeProfit, *p.TakeProfitPrice, crossedTarget(p.Side, p.MarkPrice, *p.TakeProfitPrice))
	}
}

func (w *RiskWatcher) evaluate(p domain.Position, level riskLevel, price decimal.Decimal, crossed bool) {
	flags, ok := w.fired[p.Symbol]
	if !ok {
		flags = make(map[riskLevel]bool, 2)
		w.fired[p.Symbol] = flags
	}
	if !crossed {
		flags[level] = false
		return
	}
	if flags[level] {
		return
	}
	flags[level] = true

	n := domain.Notification{
		Type:      domain.NotificationPositionUpdate,
		Priority:  domain.PriorityHigh,
		Symbol:    p.Symbol,
		CreatedAt: w.now(),
		Data: map[string]any{
			"symbol":      p.Symbol,
			"level":       string(level),
			"level_price": price.String(),
			"mark_price":  p.MarkPrice.String(),
			"source":      "local",
		},
	}
	switch level {
	case levelStopLoss:
		n.Title = fmt.Sprintf("%s stop-loss crossed", p.Symbol)
		n.Message = fmt.Sprintf("%s %s mark %s crossed stop-loss %s (P&L %s)",
			p.Symbol, p.Side, p.MarkPrice.String(), price.String(), p.UnrealizedPnL.StringFixed(2))
	case levelTakeProfit:
		n.Priority = domain.PriorityMedium
		n.Title = fmt.Sprintf("%s take-profit reached", p.Symbol)
		n.Message = fmt.Sprintf("%s %s mark %s reached take-profit %s (P&L %s)",
			p.Symbol, p.Side, p.MarkPrice.String(), price.String(), p.UnrealizedPnL.StringFixed(2))
	}

	if _, added := w.notifications.IngestPush(n); added {
		w.alerts++
		w.logger.Info("risk level crossed",
			slog.String("symbol", p.Symbol),
			slog.String("level", string(level)),
			slog.String("mark_price", p.MarkPrice.String()),
		)
	}
}

func crossedStop(side domain.PositionSide, mark, stop decimal.Decimal) bool {
	if side == domain.SideShort {
		return mark.GreaterThanOrEqual(stop)
	}
	return mark.LessThanOrEqual(stop)
}

func crossedTarget(side domain.PositionSide, mark, target decimal.Decimal) bool {
	if side == domain.SideShort {
		return mark.LessThanOrEqual(target)
	}
	return mark.GreaterThanOrEqual(target)
}
