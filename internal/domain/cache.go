package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionMirror keeps an out-of-process copy of the committed position set
// so other processes can read it without a WebSocket session.
type PositionMirror interface {
	Put(ctx context.Context, pos Position) error
	Remove(ctx context.Context, symbol string) error
	Replace(ctx context.Context, positions []Position) error
	List(ctx context.Context) ([]Position, error)
}

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Quota is the outcome of one rate-limited request.
type Quota struct {
	Allowed   bool
	Remaining int
}

// RateLimiter counts requests per key over a window.
type RateLimiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Quota, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// ChangeBus fans committed state changes out to other processes via pub/sub
// and keeps a bounded durable stream for late readers.
type ChangeBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// SessionLock guards state that only one process may own at a time.
type SessionLock interface {
	// Acquire takes key for ttl and keeps renewing it until ctx is done or
	// the returned release func is called. It returns ErrLockHeld when
	// another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
