package postgres

import (
	"context"
	"fmt"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// ArchiveIndexStore implements domain.ArchiveIndexStore using PostgreSQL.
type ArchiveIndexStore struct {
	db DB
}

// NewArchiveIndexStore creates a new ArchiveIndexStore.
func NewArchiveIndexStore(db DB) *ArchiveIndexStore {
	return &ArchiveIndexStore{db: db}
}

// Record indexes an uploaded archive. Re-recording the same path updates
// the row.
func (s *ArchiveIndexStore) Record(ctx context.Context, rec domain.ArchiveRecord) error {
	const query = `
		INSERT INTO notification_archives (path, item_count, oldest, newest)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET
			item_count = EXCLUDED.item_count,
			oldest     = EXCLUDED.oldest,
			newest     = EXCLUDED.newest`

	if _, err := s.db.Exec(ctx, query, rec.Path, rec.Count, rec.Oldest, rec.Newest); err != nil {
		return fmt.Errorf("postgres: record archive %s: %w", rec.Path, err)
	}
	return nil
}

// List returns archive records newest first.
func (s *ArchiveIndexStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ArchiveRecord, error) {
	query, args := appendListOpts(
		`SELECT id, path, item_count, oldest, newest, created_at FROM notification_archives WHERE 1=1`,
		nil, "created_at", opts,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archives: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchiveRecord
	for rows.Next() {
		var r domain.ArchiveRecord
		if err := rows.Scan(&r.ID, &r.Path, &r.Count, &r.Oldest, &r.Newest, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan archive: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list archives rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.ArchiveIndexStore = (*ArchiveIndexStore)(nil)
