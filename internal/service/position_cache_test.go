package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func sidep(s domain.PositionSide) *domain.PositionSide { return &s }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func btc() domain.Position {
	return domain.Position{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   dec("1"),
		EntryPrice: dec("100"),
		MarkPrice:  dec("100"),
		LastUpdate: t0,
	}
}

// collect subscribes to c and returns a channel of every change.
func collect(t *testing.T, c *PositionCache) <-chan PositionChange {
	t.Helper()
	ch := make(chan PositionChange, 64)
	unsub := c.Subscribe(func(pc PositionChange) { ch <- pc })
	t.Cleanup(unsub)
	return ch
}

func nextChange(t *testing.T, ch <-chan PositionChange) PositionChange {
	t.Helper()
	select {
	case pc := <-ch:
		return pc
	case <-time.After(2 * time.Second):
		t.Fatal("no change published")
		return PositionChange{}
	}
}

func TestDeltaRecomputesPnL(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	res := c.ApplyDelta(domain.PositionUpdate{
		Symbol:        "BTCUSDT",
		MarkPrice:     decp("110"),
		UnrealizedPnL: decp("12345"),
		UpdateTime:    t0.Add(time.Second),
	})
	require.Equal(t, DeltaApplied, res)

	p, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "110", p.MarkPrice)
	assertDec(t, "10", p.UnrealizedPnL)
	assertDec(t, "10", p.PnLPercentage)
	assertDec(t, "100", p.EntryPrice)
	assert.Equal(t, t0.Add(time.Second), p.LastUpdate)
}

func TestStaleDeltaDropped(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	res := c.ApplyDelta(domain.PositionUpdate{Symbol: "BTCUSDT", MarkPrice: decp("50"), UpdateTime: t0.Add(-time.Second)})
	assert.Equal(t, DeltaStale, res)
	p, _ := c.Get("BTCUSDT")
	assertDec(t, "100", p.MarkPrice)

	assert.Equal(t, DeltaInvalid, c.ApplyDelta(domain.PositionUpdate{MarkPrice: decp("1")}))
}

func TestSnapshotWins(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc(), {Symbol: "ETHUSDT", Side: domain.SideShort, Quantity: dec("2"), EntryPrice: dec("10")}})

	changed := btc()
	changed.Quantity = dec("3")
	report := c.ApplySnapshot([]domain.Position{changed, {Symbol: "SOLUSDT", Side: domain.SideLong, Quantity: dec("1"), EntryPrice: dec("5")}})

	assert.Equal(t, []string{"SOLUSDT"}, report.Added)
	assert.Equal(t, []string{"ETHUSDT"}, report.Removed)
	assert.Equal(t, []string{"BTCUSDT"}, report.Diverged)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "SOLUSDT", list[1].Symbol)
	_, ok := c.Get("ETHUSDT")
	assert.False(t, ok)
}

func TestCloseUnknownSymbolIsNoop(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionClosed, Symbol: "DOGEUSDT"})
	assert.Equal(t, 1, c.Len())
}

func TestOpenedThenClosed(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	changes := collect(t, c)

	c.OnStatusChange(domain.PositionStatusEvent{
		Action:     domain.PositionOpened,
		Symbol:     "ETHUSDT",
		PositionID: "p-1",
		Side:       sidep(domain.SideShort),
		Quantity:   decp("-2"),
		EntryPrice: decp("2000"),
		Timestamp:  t0,
	})
	opened := nextChange(t, changes)
	assert.Equal(t, PositionUpserted, opened.Kind)
	assert.Equal(t, domain.SideShort, opened.Position.Side)
	assertDec(t, "2", opened.Position.Quantity)
	assertDec(t, "0", opened.Position.UnrealizedPnL)

	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionClosed, Symbol: "ETHUSDT", Reason: "take_profit", Timestamp: t0.Add(time.Minute)})
	closed := nextChange(t, changes)
	assert.Equal(t, PositionRemoved, closed.Kind)
	require.NotNil(t, closed.Closed)
	assert.Equal(t, "take_profit", closed.Closed.Reason)
	assert.Equal(t, "p-1", closed.Position.PositionID)
	assert.Equal(t, 0, c.Len())
	assert.Greater(t, closed.Seq, opened.Seq)
}

func TestBufferedDeltaAppliedOnOpen(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()

	res := c.ApplyDelta(domain.PositionUpdate{Symbol: "ETHUSDT", MarkPrice: decp("2100"), UpdateTime: t0.Add(time.Second)})
	require.Equal(t, DeltaBuffered, res)
	assert.Equal(t, 1, c.PendingLen())
	assert.Equal(t, 0, c.Len())

	c.OnStatusChange(domain.PositionStatusEvent{
		Action:     domain.PositionOpened,
		Symbol:     "ETHUSDT",
		Side:       sidep(domain.SideLong),
		Quantity:   decp("1"),
		EntryPrice: decp("2000"),
		Timestamp:  t0,
	})

	p, ok := c.Get("ETHUSDT")
	require.True(t, ok)
	assertDec(t, "2100", p.MarkPrice)
	assertDec(t, "100", p.UnrealizedPnL)
	assertDec(t, "5", p.PnLPercentage)
	assert.Equal(t, 0, c.PendingLen())
}

func TestBufferedDeltaOlderThanOpenIsKept(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()

	require.Equal(t, DeltaBuffered, c.ApplyDelta(domain.PositionUpdate{Symbol: "ETHUSDT", MarkPrice: decp("2050"), UpdateTime: t0.Add(-time.Second)}))
	require.Equal(t, DeltaBuffered, c.ApplyDelta(domain.PositionUpdate{Symbol: "ETHUSDT", MarkPrice: decp("2100"), Quantity: decp("5"), UpdateTime: t0}))

	c.OnStatusChange(domain.PositionStatusEvent{
		Action:     domain.PositionOpened,
		Symbol:     "ETHUSDT",
		Side:       sidep(domain.SideLong),
		Quantity:   decp("1"),
		EntryPrice: decp("2000"),
		Timestamp:  t0.Add(200 * time.Millisecond),
	})

	p, ok := c.Get("ETHUSDT")
	require.True(t, ok)
	assertDec(t, "2100", p.MarkPrice)
	// The opening is newer than the buffered quantity and wins.
	assertDec(t, "1", p.Quantity)
	assertDec(t, "100", p.UnrealizedPnL)
	assert.Equal(t, t0.Add(200*time.Millisecond), p.LastUpdate)

	// Ticks older than the opening are stale once it is live.
	res := c.ApplyDelta(domain.PositionUpdate{Symbol: "ETHUSDT", MarkPrice: decp("1"), UpdateTime: t0.Add(100 * time.Millisecond)})
	assert.Equal(t, DeltaStale, res)
}

func TestOpenedWithoutSideDefaultsLong(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()

	c.ApplyDelta(domain.PositionUpdate{Symbol: "SOLUSDT", Side: sidep(domain.SideShort), UpdateTime: t0})
	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionOpened, Symbol: "SOLUSDT", Timestamp: t0.Add(time.Second)})
	p, _ := c.Get("SOLUSDT")
	assert.Equal(t, domain.SideShort, p.Side)

	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionOpened, Symbol: "ADAUSDT", Timestamp: t0})
	p, _ = c.Get("ADAUSDT")
	assert.Equal(t, domain.SideLong, p.Side)
}

func TestDeltaWithoutSideKeepsShort(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	short := btc()
	short.Side = domain.SideShort
	c.ApplySnapshot([]domain.Position{short})

	c.ApplyDelta(domain.PositionUpdate{Symbol: "BTCUSDT", MarkPrice: decp("90"), UpdateTime: t0.Add(time.Second)})
	p, _ := c.Get("BTCUSDT")
	assert.Equal(t, domain.SideShort, p.Side)
	assertDec(t, "10", p.UnrealizedPnL)
}

func TestSnapshotDropsPendingDeltas(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()

	c.ApplyDelta(domain.PositionUpdate{Symbol: "XRPUSDT", MarkPrice: decp("1")})
	report := c.ApplySnapshot(nil)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 0, c.PendingLen())
}

func TestApplySnapshotSinceReplaysRacingUpdates(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	tok := c.BeginSnapshot()

	// Committed while the fetch is in flight.
	c.ApplyDelta(domain.PositionUpdate{Symbol: "BTCUSDT", MarkPrice: decp("120"), UpdateTime: t0.Add(2 * time.Second)})
	c.OnStatusChange(domain.PositionStatusEvent{
		Action:     domain.PositionOpened,
		Symbol:     "ETHUSDT",
		Side:       sidep(domain.SideLong),
		Quantity:   decp("1"),
		EntryPrice: decp("10"),
		Timestamp:  t0.Add(3 * time.Second),
	})

	// The snapshot was taken before both.
	stale := btc()
	stale.MarkPrice = dec("105")
	stale.LastUpdate = t0.Add(time.Second)
	report := c.ApplySnapshotSince(tok, []domain.Position{stale})

	assert.Equal(t, 2, report.Replayed)
	p, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "120", p.MarkPrice)
	assertDec(t, "20", p.UnrealizedPnL)
	_, ok = c.Get("ETHUSDT")
	assert.True(t, ok)
}

func TestApplySnapshotSinceReplaysClose(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	tok := c.BeginSnapshot()
	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionClosed, Symbol: "BTCUSDT", Timestamp: t0.Add(time.Second)})

	report := c.ApplySnapshotSince(tok, []domain.Position{btc()})
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 0, c.Len())
}

func TestApplySnapshotSinceReplaysCloseOfUnknownSymbol(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()

	tok := c.BeginSnapshot()
	// Closed before this client ever saw the position.
	c.OnStatusChange(domain.PositionStatusEvent{Action: domain.PositionClosed, Symbol: "BTCUSDT", Timestamp: t0.Add(time.Second)})

	report := c.ApplySnapshotSince(tok, []domain.Position{btc()})
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 0, c.Len())
}

func TestCancelledSnapshotDoesNotReplay(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	tok := c.BeginSnapshot()
	c.ApplyDelta(domain.PositionUpdate{Symbol: "BTCUSDT", MarkPrice: decp("130"), UpdateTime: t0.Add(time.Second)})
	c.CancelSnapshot(tok)

	report := c.ApplySnapshotSince(tok, []domain.Position{btc()})
	assert.Zero(t, report.Replayed)
	p, _ := c.Get("BTCUSDT")
	assertDec(t, "100", p.MarkPrice)
}

func TestSnapshotPublishesDerivedPositions(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	changes := collect(t, c)

	p := btc()
	p.MarkPrice = dec("90")
	c.ApplySnapshot([]domain.Position{p})

	snap := nextChange(t, changes)
	require.Equal(t, PositionSnapshot, snap.Kind)
	require.Len(t, snap.Positions, 1)
	assertDec(t, "-10", snap.Positions[0].UnrealizedPnL)
}

func TestReadersGetCopies(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	p := btc()
	p.StopLossPrice = decp("90")
	c.ApplySnapshot([]domain.Position{p})

	got, _ := c.Get("BTCUSDT")
	*got.StopLossPrice = dec("1")

	again, _ := c.Get("BTCUSDT")
	assertDec(t, "90", *again.StopLossPrice)
}

func TestLaggingSubscriberKeepsClosesAndResyncs(t *testing.T) {
	c := NewPositionCache(testLogger())
	defer c.Close()
	c.ApplySnapshot([]domain.Position{btc()})

	closed := domain.PositionStatusEvent{Action: domain.PositionClosed, Symbol: "BTCUSDT"}
	assert.True(t, c.feed.retain(PositionChange{Kind: PositionRemoved, Closed: &closed}))
	assert.False(t, c.feed.retain(PositionChange{Kind: PositionRemoved}))
	assert.False(t, c.feed.retain(PositionChange{Kind: PositionUpserted}))

	c.mu.RLock()
	state := c.resyncLocked()
	c.mu.RUnlock()
	assert.Equal(t, PositionSnapshot, state.Kind)
	require.Len(t, state.Positions, 1)
	assert.Equal(t, "BTCUSDT", state.Positions[0].Symbol)
}
