package postgres

import (
	"context"
	"fmt"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// PositionHistoryStore implements domain.PositionHistoryStore using
// PostgreSQL. Decimal columns are NUMERIC.
type PositionHistoryStore struct {
	db DB
}

// NewPositionHistoryStore creates a new PositionHistoryStore.
func NewPositionHistoryStore(db DB) *PositionHistoryStore {
	return &PositionHistoryStore{db: db}
}

// Insert records a closed position.
func (s *PositionHistoryStore) Insert(ctx context.Context, p domain.ClosedPosition) error {
	const query = `
		INSERT INTO closed_positions (
			symbol, position_id, side, quantity, entry_price,
			exit_price, realized_pnl, pnl_percentage, reason, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.Exec(ctx, query,
		p.Symbol, p.PositionID, string(p.Side), p.Quantity, p.EntryPrice,
		p.ExitPrice, p.RealizedPnL, p.PnLPercentage, p.Reason, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closed position %s: %w", p.Symbol, err)
	}
	return nil
}

// List returns closed positions newest first.
func (s *PositionHistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedPosition, error) {
	query := `
		SELECT symbol, position_id, side, quantity, entry_price,
			exit_price, realized_pnl, pnl_percentage, reason, closed_at
		FROM closed_positions WHERE 1=1`
	var args []any
	if opts.Symbol != "" {
		query += " AND symbol = $1"
		args = append(args, opts.Symbol)
	}
	query, args = appendListOpts(query, args, "closed_at", opts)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedPosition
	for rows.Next() {
		var p domain.ClosedPosition
		var side string
		if err := rows.Scan(
			&p.Symbol, &p.PositionID, &side, &p.Quantity, &p.EntryPrice,
			&p.ExitPrice, &p.RealizedPnL, &p.PnLPercentage, &p.Reason, &p.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan closed position: %w", err)
		}
		p.Side = domain.PositionSide(side)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed positions rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PositionHistoryStore = (*PositionHistoryStore)(nil)
