package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

const (
	// maxPendingPerSymbol bounds the deltas buffered for a symbol whose
	// opening has not been confirmed yet.
	maxPendingPerSymbol = 32

	// maxJournal bounds the deltas remembered while a snapshot fetch is in
	// flight. Past this the journal is dropped and the next snapshot wins
	// outright.
	maxJournal = 10000
)

// PositionChangeKind describes what a PositionChange did to the cache.
type PositionChangeKind string

const (
	PositionUpserted PositionChangeKind = "upserted"
	PositionRemoved  PositionChangeKind = "removed"
	PositionSnapshot PositionChangeKind = "snapshot"
)

// PositionChange is published after every committed cache mutation.
// Position is the committed state for upserts and the last known state for
// removals. Positions holds the full set for snapshots. Closed is set when a
// removal was caused by a position_status closed event.
type PositionChange struct {
	Seq       uint64
	Kind      PositionChangeKind
	Symbol    string
	Position  domain.Position
	Positions []domain.Position
	Closed    *domain.PositionStatusEvent
}

// DeltaResult reports what ApplyDelta did with an update.
type DeltaResult int

const (
	DeltaApplied DeltaResult = iota
	DeltaBuffered
	DeltaStale
	DeltaInvalid
)

func (r DeltaResult) String() string {
	switch r {
	case DeltaApplied:
		return "applied"
	case DeltaBuffered:
		return "buffered"
	case DeltaStale:
		return "stale"
	default:
		return "invalid"
	}
}

// SnapshotToken marks the moment a snapshot request was issued. Deltas
// applied after it are re-applied on top of the snapshot when it lands.
type SnapshotToken struct {
	id   uint64
	mark uint64
}

// ReconcileReport lists where a snapshot disagreed with the cache it replaced.
type ReconcileReport struct {
	Added    []string
	Removed  []string
	Diverged []string
	Replayed int
	Dropped  int // buffered deltas discarded for never-opened symbols
}

// Empty reports whether the snapshot matched the cache exactly.
func (r ReconcileReport) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Diverged) == 0
}

// journalEntry is one mutation remembered while a snapshot is in flight.
// mark numbers entries independently of the change sequence, since a close
// for an unknown symbol is journaled without committing anything.
type journalEntry struct {
	mark   uint64
	delta  *domain.PositionUpdate
	status *domain.PositionStatusEvent
}

// PositionCache is the authoritative in-memory map of symbol to live
// position. All mutation goes through its methods; readers get copies.
type PositionCache struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	pending   map[string][]domain.PositionUpdate

	seq     uint64
	tokenID uint64
	tokens  map[uint64]uint64 // token id -> journal mark at issue
	journal []journalEntry
	mark    uint64

	feed   *changeFeed[PositionChange]
	logger *slog.Logger
}

// NewPositionCache creates an empty cache.
func NewPositionCache(logger *slog.Logger) *PositionCache {
	logger = logger.With(slog.String("component", "position_cache"))
	c := &PositionCache{
		positions: make(map[string]domain.Position),
		pending:   make(map[string][]domain.PositionUpdate),
		tokens:    make(map[uint64]uint64),
		logger:    logger,
	}
	// A lagging subscriber still gets every close, since a snapshot cannot
	// say why a position disappeared.
	c.feed = newChangeFeed(logger, c.resyncLocked, func(pc PositionChange) bool {
		return pc.Kind == PositionRemoved && pc.Closed != nil
	})
	return c
}

func (c *PositionCache) resyncLocked() PositionChange {
	return PositionChange{Seq: c.seq, Kind: PositionSnapshot, Positions: c.listLocked()}
}

// ComputeDerived returns the derived P&L fields for pos. It is pure.
func (c *PositionCache) ComputeDerived(pos domain.Position) domain.Derived {
	return domain.ComputeDerived(pos)
}

// Subscribe registers fn for committed changes and returns its cancel func.
func (c *PositionCache) Subscribe(fn func(PositionChange)) func() {
	return c.feed.subscribe(fn)
}

// Close stops all change subscribers.
func (c *PositionCache) Close() {
	c.feed.close()
}

// Get returns a copy of the position for symbol.
func (c *PositionCache) Get(symbol string) (domain.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// List returns copies of all positions ordered by symbol.
func (c *PositionCache) List() []domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listLocked()
}

// Len returns the number of cached positions.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positions)
}

// PendingLen returns the number of buffered deltas awaiting an opening.
func (c *PositionCache) PendingLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, list := range c.pending {
		n += len(list)
	}
	return n
}

func (c *PositionCache) listLocked() []domain.Position {
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// BeginSnapshot records that a snapshot fetch is about to be issued.
func (c *PositionCache) BeginSnapshot() SnapshotToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenID++
	c.tokens[c.tokenID] = c.mark
	return SnapshotToken{id: c.tokenID, mark: c.mark}
}

// CancelSnapshot forgets a token whose fetch failed.
func (c *PositionCache) CancelSnapshot(tok SnapshotToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, tok.id)
	c.trimJournalLocked()
}

// ApplySnapshot atomically replaces the cache contents. Any symbol absent
// from positions is removed.
func (c *PositionCache) ApplySnapshot(positions []domain.Position) ReconcileReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applySnapshotLocked(positions, nil)
}

// ApplySnapshotSince replaces the cache with positions and then re-applies
// the deltas and status events committed after tok was issued, so updates
// that raced the fetch are not lost.
func (c *PositionCache) ApplySnapshotSince(tok SnapshotToken, positions []domain.Position) ReconcileReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var replay []journalEntry
	if _, ok := c.tokens[tok.id]; ok {
		for _, e := range c.journal {
			if e.mark > tok.mark {
				replay = append(replay, e)
			}
		}
		delete(c.tokens, tok.id)
	}
	report := c.applySnapshotLocked(positions, replay)
	c.trimJournalLocked()
	return report
}

func (c *PositionCache) applySnapshotLocked(positions []domain.Position, replay []journalEntry) ReconcileReport {
	var report ReconcileReport

	next := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		next[p.Symbol] = p.Clone().WithDerived()
	}

	for sym, old := range c.positions {
		nw, ok := next[sym]
		if !ok {
			report.Removed = append(report.Removed, sym)
			continue
		}
		if old.Side != nw.Side || !old.Quantity.Equal(nw.Quantity) || !old.EntryPrice.Equal(nw.EntryPrice) {
			report.Diverged = append(report.Diverged, sym)
		}
	}
	for sym := range next {
		if _, ok := c.positions[sym]; !ok {
			report.Added = append(report.Added, sym)
		}
	}

	// Replay only touches symbols the snapshot knows about, except for
	// openings, which are newer than the snapshot request by construction.
	for _, e := range replay {
		switch {
		case e.delta != nil:
			cur, ok := next[e.delta.Symbol]
			if !ok {
				continue
			}
			if merged, res := mergeDelta(cur, *e.delta); res == DeltaApplied {
				next[e.delta.Symbol] = merged
				report.Replayed++
			}
		case e.status != nil:
			switch e.status.Action {
			case domain.PositionClosed:
				if _, ok := next[e.status.Symbol]; ok {
					delete(next, e.status.Symbol)
					report.Replayed++
				}
			case domain.PositionOpened:
				if _, ok := next[e.status.Symbol]; !ok {
					next[e.status.Symbol] = c.openedPositionLocked(*e.status, nil).WithDerived()
					report.Replayed++
				}
			}
		}
	}

	// Deltas buffered for unopened symbols live for one snapshot cycle.
	for _, list := range c.pending {
		report.Dropped += len(list)
	}
	c.pending = make(map[string][]domain.PositionUpdate)

	c.positions = next
	c.seq++

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Diverged)

	if !report.Empty() || report.Dropped > 0 {
		c.logger.Info("snapshot reconciled with differences",
			slog.Int("positions", len(next)),
			slog.Any("added", report.Added),
			slog.Any("removed", report.Removed),
			slog.Any("diverged", report.Diverged),
			slog.Int("replayed", report.Replayed),
			slog.Int("dropped_pending", report.Dropped),
		)
	}

	c.feed.publish(PositionChange{
		Seq:       c.seq,
		Kind:      PositionSnapshot,
		Positions: c.listLocked(),
	})
	return report
}

// ApplyDelta merges an incremental update into the cached position. Deltas
// for unknown symbols are buffered until the opening is confirmed or the
// next snapshot lands.
func (c *PositionCache) ApplyDelta(update domain.PositionUpdate) DeltaResult {
	if update.Symbol == "" {
		return DeltaInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.positions[update.Symbol]
	if !ok {
		list := c.pending[update.Symbol]
		if len(list) >= maxPendingPerSymbol {
			list = list[1:]
		}
		c.pending[update.Symbol] = append(list, cloneUpdate(update))
		c.logger.Debug("buffered delta for unknown symbol",
			slog.String("symbol", update.Symbol),
			slog.Int("buffered", len(c.pending[update.Symbol])),
		)
		return DeltaBuffered
	}

	merged, res := mergeDelta(cur, update)
	if res != DeltaApplied {
		c.logger.Debug("dropped stale delta",
			slog.String("symbol", update.Symbol),
			slog.Time("update_time", update.UpdateTime),
			slog.Time("last_update", cur.LastUpdate),
		)
		return res
	}

	c.commitLocked(merged)
	u := cloneUpdate(update)
	c.journalLocked(journalEntry{delta: &u})
	return DeltaApplied
}

// OnStatusChange applies a position_status event. Opening inserts the
// position (P&L zero until the first price) and drains buffered deltas;
// closing removes it and is a no-op for unknown symbols.
func (c *PositionCache) OnStatusChange(ev domain.PositionStatusEvent) {
	if ev.Symbol == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Action {
	case domain.PositionOpened:
		pos, exists := c.positions[ev.Symbol]
		if exists {
			pos = applyOpenedFields(pos, ev)
		} else {
			pos = c.openedPositionLocked(ev, c.pending[ev.Symbol])
		}
		delete(c.pending, ev.Symbol)
		c.commitLocked(pos)

	case domain.PositionClosed:
		delete(c.pending, ev.Symbol)
		last, ok := c.positions[ev.Symbol]
		if !ok {
			c.logger.Debug("close for unknown symbol ignored", slog.String("symbol", ev.Symbol))
			// An in-flight snapshot may still carry the symbol.
			e := ev
			c.journalLocked(journalEntry{status: &e})
			return
		}
		delete(c.positions, ev.Symbol)
		c.seq++
		closed := ev
		c.feed.publish(PositionChange{
			Seq:      c.seq,
			Kind:     PositionRemoved,
			Symbol:   ev.Symbol,
			Position: last.Clone(),
			Closed:   &closed,
		})

	default:
		c.logger.Warn("unknown position action", slog.String("action", string(ev.Action)))
		return
	}

	e := ev
	c.journalLocked(journalEntry{status: &e})
}

// openedPositionLocked builds the position for an opening and folds in the
// deltas buffered for it. Buffered deltas usually predate the opening
// confirmation, so they are ordered by time and layered around the opening
// rather than checked against its timestamp. Untimed deltas go last.
func (c *PositionCache) openedPositionLocked(ev domain.PositionStatusEvent, buffered []domain.PositionUpdate) domain.Position {
	sort.SliceStable(buffered, func(i, j int) bool {
		ti, tj := buffered[i].UpdateTime, buffered[j].UpdateTime
		return !ti.IsZero() && (tj.IsZero() || ti.Before(tj))
	})

	pos := domain.Position{Symbol: ev.Symbol}
	opened := false
	for _, d := range buffered {
		if !opened && (d.UpdateTime.IsZero() || !d.UpdateTime.Before(ev.Timestamp)) {
			pos = applyOpenedFields(pos, ev)
			opened = true
		}
		pos = overlayDelta(pos, d)
	}
	if !opened {
		pos = applyOpenedFields(pos, ev)
	}

	if pos.Side == "" {
		c.logger.Warn("opened position without side, assuming long until next snapshot",
			slog.String("symbol", ev.Symbol),
		)
		pos.Side = domain.SideLong
	}
	return pos
}

// commitLocked stores pos with fresh derived fields and publishes it.
func (c *PositionCache) commitLocked(pos domain.Position) {
	pos = pos.WithDerived()
	c.positions[pos.Symbol] = pos
	c.seq++
	c.feed.publish(PositionChange{
		Seq:      c.seq,
		Kind:     PositionUpserted,
		Symbol:   pos.Symbol,
		Position: pos.Clone(),
	})
}

func (c *PositionCache) journalLocked(e journalEntry) {
	if len(c.tokens) == 0 {
		return
	}
	if len(c.journal) >= maxJournal {
		c.logger.Warn("snapshot journal overflow, in-flight snapshots will not replay deltas")
		c.journal = nil
		c.tokens = make(map[uint64]uint64)
		return
	}
	c.mark++
	e.mark = c.mark
	c.journal = append(c.journal, e)
}

// trimJournalLocked drops entries no outstanding token can replay.
func (c *PositionCache) trimJournalLocked() {
	if len(c.tokens) == 0 {
		c.journal = nil
		return
	}
	oldest := c.mark
	for _, m := range c.tokens {
		if m < oldest {
			oldest = m
		}
	}
	i := 0
	for i < len(c.journal) && c.journal[i].mark <= oldest {
		i++
	}
	c.journal = c.journal[i:]
}

// mergeDelta overwrites only the fields present in u unless u is older than
// the cached state. The delta's own P&L values are never trusted;
// WithDerived recomputes them.
func mergeDelta(pos domain.Position, u domain.PositionUpdate) (domain.Position, DeltaResult) {
	if !u.UpdateTime.IsZero() && u.UpdateTime.Before(pos.LastUpdate) {
		return pos, DeltaStale
	}
	return overlayDelta(pos, u).WithDerived(), DeltaApplied
}

func overlayDelta(pos domain.Position, u domain.PositionUpdate) domain.Position {
	pos = pos.Clone()
	if u.Side != nil {
		pos.Side = *u.Side
	}
	if u.Quantity != nil {
		pos.Quantity = u.Quantity.Abs()
	}
	if u.EntryPrice != nil {
		pos.EntryPrice = *u.EntryPrice
	}
	if u.MarkPrice != nil {
		pos.MarkPrice = *u.MarkPrice
	}
	if u.StopLossPrice != nil {
		v := *u.StopLossPrice
		pos.StopLossPrice = &v
	}
	if u.TakeProfitPrice != nil {
		v := *u.TakeProfitPrice
		pos.TakeProfitPrice = &v
	}
	pos.LastUpdate = latest(pos.LastUpdate, u.UpdateTime)
	return pos
}

func applyOpenedFields(pos domain.Position, ev domain.PositionStatusEvent) domain.Position {
	if ev.PositionID != "" {
		pos.PositionID = ev.PositionID
	}
	if ev.Side != nil {
		pos.Side = *ev.Side
	}
	if ev.Quantity != nil {
		pos.Quantity = ev.Quantity.Abs()
	}
	if ev.EntryPrice != nil {
		pos.EntryPrice = *ev.EntryPrice
	}
	if ev.StopLossPrice != nil {
		v := *ev.StopLossPrice
		pos.StopLossPrice = &v
	}
	if ev.TakeProfitPrice != nil {
		v := *ev.TakeProfitPrice
		pos.TakeProfitPrice = &v
	}
	pos.LastUpdate = latest(pos.LastUpdate, ev.Timestamp)
	return pos
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func cloneUpdate(u domain.PositionUpdate) domain.PositionUpdate {
	out := u
	if u.Side != nil {
		s := *u.Side
		out.Side = &s
	}
	out.Quantity = cloneDec(u.Quantity)
	out.EntryPrice = cloneDec(u.EntryPrice)
	out.MarkPrice = cloneDec(u.MarkPrice)
	out.StopLossPrice = cloneDec(u.StopLossPrice)
	out.TakeProfitPrice = cloneDec(u.TakeProfitPrice)
	out.UnrealizedPnL = cloneDec(u.UnrealizedPnL)
	out.PnLPercentage = cloneDec(u.PnLPercentage)
	return out
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
