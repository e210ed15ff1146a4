package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event narrows audit listings to one event name.
	Event string
	// Symbol narrows position history to one symbol.
	Symbol string
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only diagnostics log (reconciliation
// disagreements, fatal disconnects, reverted user actions).
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PositionHistoryStore persists positions as they close.
type PositionHistoryStore interface {
	Insert(ctx context.Context, pos ClosedPosition) error
	List(ctx context.Context, opts ListOpts) ([]ClosedPosition, error)
}

// ArchiveRecord indexes one uploaded notification archive.
type ArchiveRecord struct {
	ID        int64
	Path      string
	Count     int
	Oldest    time.Time
	Newest    time.Time
	CreatedAt time.Time
}

// ArchiveIndexStore records where archived notifications were written.
type ArchiveIndexStore interface {
	Record(ctx context.Context, rec ArchiveRecord) error
	List(ctx context.Context, opts ListOpts) ([]ArchiveRecord, error)
}
