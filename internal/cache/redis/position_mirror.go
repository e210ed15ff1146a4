package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// PositionMirror implements domain.PositionMirror with a single Redis hash.
//
// Key schema:
//
//	{prefix}:positions - hash of symbol -> JSON position
type PositionMirror struct {
	rdb *redis.Client
	key string
}

// NewPositionMirror creates a PositionMirror backed by the given Client.
func NewPositionMirror(c *Client) *PositionMirror {
	return &PositionMirror{rdb: c.Underlying(), key: c.key("positions")}
}

// mirroredPosition is the stored JSON shape.
type mirroredPosition struct {
	Symbol          string           `json:"symbol"`
	PositionID      string           `json:"position_id,omitempty"`
	Side            string           `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	MarkPrice       decimal.Decimal  `json:"mark_price"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	LastUpdate      time.Time        `json:"last_update"`
}

func encodePosition(p domain.Position) ([]byte, error) {
	return json.Marshal(mirroredPosition{
		Symbol:          p.Symbol,
		PositionID:      p.PositionID,
		Side:            string(p.Side),
		Quantity:        p.Quantity,
		EntryPrice:      p.EntryPrice,
		MarkPrice:       p.MarkPrice,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		LastUpdate:      p.LastUpdate,
	})
}

// Put stores or replaces one position.
func (m *PositionMirror) Put(ctx context.Context, pos domain.Position) error {
	data, err := encodePosition(pos)
	if err != nil {
		return fmt.Errorf("redis: marshal position %s: %w", pos.Symbol, err)
	}
	if err := m.rdb.HSet(ctx, m.key, pos.Symbol, data).Err(); err != nil {
		return fmt.Errorf("redis: put position %s: %w", pos.Symbol, err)
	}
	return nil
}

// Remove deletes one position. Missing symbols are not an error.
func (m *PositionMirror) Remove(ctx context.Context, symbol string) error {
	if err := m.rdb.HDel(ctx, m.key, symbol).Err(); err != nil {
		return fmt.Errorf("redis: remove position %s: %w", symbol, err)
	}
	return nil
}

// Replace atomically swaps the whole mirrored set.
func (m *PositionMirror) Replace(ctx context.Context, positions []domain.Position) error {
	fields := make(map[string]interface{}, len(positions))
	for _, p := range positions {
		data, err := encodePosition(p)
		if err != nil {
			return fmt.Errorf("redis: marshal position %s: %w", p.Symbol, err)
		}
		fields[p.Symbol] = data
	}

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, m.key)
	if len(fields) > 0 {
		pipe.HSet(ctx, m.key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: replace positions: %w", err)
	}
	return nil
}

// List returns every mirrored position ordered by symbol, with derived
// fields recomputed.
func (m *PositionMirror) List(ctx context.Context) ([]domain.Position, error) {
	vals, err := m.rdb.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list positions: %w", err)
	}

	out := make([]domain.Position, 0, len(vals))
	for sym, raw := range vals {
		var mp mirroredPosition
		if err := json.Unmarshal([]byte(raw), &mp); err != nil {
			return nil, fmt.Errorf("redis: unmarshal position %s: %w", sym, err)
		}
		out = append(out, domain.Position{
			Symbol:          mp.Symbol,
			PositionID:      mp.PositionID,
			Side:            domain.PositionSide(mp.Side),
			Quantity:        mp.Quantity,
			EntryPrice:      mp.EntryPrice,
			MarkPrice:       mp.MarkPrice,
			StopLossPrice:   mp.StopLossPrice,
			TakeProfitPrice: mp.TakeProfitPrice,
			LastUpdate:      mp.LastUpdate,
		}.WithDerived())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Compile-time interface check.
var _ domain.PositionMirror = (*PositionMirror)(nil)
