package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/platform/backend"
)

// BackendAPI is the subset of the backend REST API the sync service uses.
type BackendAPI interface {
	GetLivePositions(ctx context.Context) ([]domain.Position, error)
	ListNotifications(ctx context.Context, opts backend.ListNotificationsOpts) ([]domain.Notification, error)
	MarkRead(ctx context.Context, ids []int64) error
	MarkAllRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id int64) error
	DeleteReadNotifications(ctx context.Context) error
	Cleanup(ctx context.Context, days int) (int, error)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SyncConfig tunes the polling cadence.
type SyncConfig struct {
	PositionPoll      time.Duration
	NotificationPoll  time.Duration
	NotificationLimit int
}

// SyncDeps holds the optional collaborators. Nil members are skipped.
type SyncDeps struct {
	Audit        domain.AuditStore
	Archiver     domain.NotificationArchiver
	ArchiveIndex domain.ArchiveIndexStore
	Alerter      Alerter
}

// CleanupResult reports what a cleanup removed.
type CleanupResult struct {
	Removed        int    `json:"removed"`
	BackendDeleted int    `json:"backend_deleted"`
	ArchivePath    string `json:"archive_path,omitempty"`
}

// SyncService owns a client session's stores: it polls REST snapshots into
// them and performs user actions optimistically, reverting the local change
// when the backend rejects it.
type SyncService struct {
	api           BackendAPI
	positions     *PositionCache
	notifications *NotificationStore
	deps          SyncDeps
	cfg           SyncConfig
	logger        *slog.Logger
}

// NewSyncService creates a SyncService.
func NewSyncService(api BackendAPI, positions *PositionCache, notifications *NotificationStore, deps SyncDeps, cfg SyncConfig, logger *slog.Logger) *SyncService {
	if cfg.PositionPoll <= 0 {
		cfg.PositionPoll = 30 * time.Second
	}
	if cfg.NotificationPoll <= 0 {
		cfg.NotificationPoll = time.Minute
	}
	if cfg.NotificationLimit <= 0 {
		cfg.NotificationLimit = 100
	}
	return &SyncService{
		api:           api,
		positions:     positions,
		notifications: notifications,
		deps:          deps,
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "sync_service")),
	}
}

// Run performs an initial sync and then polls until ctx is cancelled. Poll
// failures are logged and retried on the next tick.
func (s *SyncService) Run(ctx context.Context) error {
	s.logger.Info("sync service started",
		slog.Duration("position_poll", s.cfg.PositionPoll),
		slog.Duration("notification_poll", s.cfg.NotificationPoll),
	)
	defer s.logger.Info("sync service stopped")

	s.pollPositions(ctx)
	s.pollNotifications(ctx)

	posTicker := time.NewTicker(s.cfg.PositionPoll)
	defer posTicker.Stop()
	noteTicker := time.NewTicker(s.cfg.NotificationPoll)
	defer noteTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-posTicker.C:
			s.pollPositions(ctx)
		case <-noteTicker.C:
			s.pollNotifications(ctx)
		}
	}
}

func (s *SyncService) pollPositions(ctx context.Context) {
	if _, err := s.SyncPositions(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("position snapshot failed", slog.String("error", err.Error()))
	}
}

func (s *SyncService) pollNotifications(ctx context.Context) {
	if err := s.SyncNotifications(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("notification fetch failed", slog.String("error", err.Error()))
	}
}

// SyncPositions fetches the live positions and applies them as the
// authoritative snapshot. Deltas that arrive while the request is in flight
// are re-applied on top.
func (s *SyncService) SyncPositions(ctx context.Context) (ReconcileReport, error) {
	tok := s.positions.BeginSnapshot()
	list, err := s.api.GetLivePositions(ctx)
	if err != nil {
		s.positions.CancelSnapshot(tok)
		return ReconcileReport{}, fmt.Errorf("sync: positions: %w", err)
	}

	report := s.positions.ApplySnapshotSince(tok, list)
	if !report.Empty() {
		s.audit(ctx, "position_reconcile", map[string]any{
			"added":    report.Added,
			"removed":  report.Removed,
			"diverged": report.Diverged,
			"replayed": report.Replayed,
		})
	}
	return report, nil
}

// SyncNotifications fetches recent notification history into the store.
// Entries read locally before REST confirmed their id are marked read on the
// backend now that the id is known.
func (s *SyncService) SyncNotifications(ctx context.Context) error {
	list, err := s.api.ListNotifications(ctx, backend.ListNotificationsOpts{Limit: s.cfg.NotificationLimit})
	if err != nil {
		return fmt.Errorf("sync: notifications: %w", err)
	}
	unsynced := s.notifications.IngestBatch(list)
	if len(unsynced) == 0 {
		return nil
	}

	ids := make([]int64, len(unsynced))
	for i, c := range unsynced {
		ids[i] = c.ID
	}
	if err := s.api.MarkRead(ctx, ids); err != nil {
		s.notifications.Revert(unsynced)
		s.reverted(ctx, "mark_read_confirmed", err, map[string]any{"ids": ids})
		return fmt.Errorf("sync: mark confirmed read: %w", err)
	}
	return nil
}

// MarkRead marks id read locally, then on the backend. Temporary ids are
// local only until REST confirms them.
func (s *SyncService) MarkRead(ctx context.Context, id int64) error {
	change, err := s.notifications.MarkRead(id)
	if err != nil {
		return fmt.Errorf("sync: mark read %d: %w", id, err)
	}
	if change.WasRead || id < 0 {
		return nil
	}
	if err := s.api.MarkRead(ctx, []int64{id}); err != nil {
		s.notifications.Revert([]ReadChange{change})
		s.reverted(ctx, "mark_read", err, map[string]any{"id": id})
		return fmt.Errorf("sync: mark read %d: %w", id, err)
	}
	return nil
}

// MarkAllRead marks everything read locally, then on the backend.
func (s *SyncService) MarkAllRead(ctx context.Context) (int, error) {
	changes := s.notifications.MarkAllRead()
	if len(changes) == 0 {
		return 0, nil
	}
	if err := s.api.MarkAllRead(ctx); err != nil {
		s.notifications.Revert(changes)
		s.reverted(ctx, "mark_all_read", err, map[string]any{"count": len(changes)})
		return 0, fmt.Errorf("sync: mark all read: %w", err)
	}
	return len(changes), nil
}

// Delete removes id locally, then on the backend. A backend 404 counts as
// success.
func (s *SyncService) Delete(ctx context.Context, id int64) error {
	removed, ok := s.notifications.DeleteByID(id)
	if !ok || id < 0 {
		return nil
	}
	if err := s.api.DeleteNotification(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.notifications.Restore([]domain.Notification{removed})
		s.reverted(ctx, "delete", err, map[string]any{"id": id})
		return fmt.Errorf("sync: delete %d: %w", id, err)
	}
	return nil
}

// DeleteAllRead removes every read entry locally, then on the backend.
func (s *SyncService) DeleteAllRead(ctx context.Context) (int, error) {
	removed := s.notifications.DeleteAllRead()
	if err := s.api.DeleteReadNotifications(ctx); err != nil {
		s.notifications.Restore(removed)
		s.reverted(ctx, "delete_all_read", err, map[string]any{"count": len(removed)})
		return 0, fmt.Errorf("sync: delete read: %w", err)
	}
	return len(removed), nil
}

// Cleanup removes entries older than days locally and on the backend, then
// archives what was removed when an archiver is configured. Archive failures
// are logged and do not fail the cleanup.
func (s *SyncService) Cleanup(ctx context.Context, days int) (CleanupResult, error) {
	if days < 0 {
		return CleanupResult{}, fmt.Errorf("sync: cleanup: negative days %d", days)
	}
	removed := s.notifications.CleanupOlderThan(days)
	deleted, err := s.api.Cleanup(ctx, days)
	if err != nil {
		s.notifications.Restore(removed)
		s.reverted(ctx, "cleanup", err, map[string]any{"days": days, "count": len(removed)})
		return CleanupResult{}, fmt.Errorf("sync: cleanup: %w", err)
	}

	res := CleanupResult{Removed: len(removed), BackendDeleted: deleted}
	if len(removed) > 0 && s.deps.Archiver != nil {
		res.ArchivePath = s.archive(ctx, removed)
	}
	return res, nil
}

func (s *SyncService) archive(ctx context.Context, items []domain.Notification) string {
	path, err := s.deps.Archiver.ArchiveNotifications(ctx, items)
	if err != nil {
		s.logger.Error("archive failed", slog.Int("count", len(items)), slog.String("error", err.Error()))
		return ""
	}

	if s.deps.ArchiveIndex != nil {
		oldest, newest := items[0].CreatedAt, items[0].CreatedAt
		for _, n := range items[1:] {
			if n.CreatedAt.Before(oldest) {
				oldest = n.CreatedAt
			}
			if n.CreatedAt.After(newest) {
				newest = n.CreatedAt
			}
		}
		rec := domain.ArchiveRecord{Path: path, Count: len(items), Oldest: oldest, Newest: newest}
		if err := s.deps.ArchiveIndex.Record(ctx, rec); err != nil {
			s.logger.Warn("archive index write failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	s.logger.Info("notifications archived", slog.String("path", path), slog.Int("count", len(items)))
	return path
}

// HandleConnStatus records connection transitions. A fatal disconnect is
// audited and alerted, since it needs a manual reconnect.
func (s *SyncService) HandleConnStatus(ctx context.Context, st domain.ConnStatus) {
	if !st.Fatal {
		return
	}
	detail := map[string]any{"attempts": st.Attempt}
	if st.Err != nil {
		detail["error"] = st.Err.Error()
	}
	s.audit(ctx, "connection_fatal", detail)

	if s.deps.Alerter != nil {
		msg := fmt.Sprintf("Backend feed gave up after %d attempts. Manual reconnect required.", st.Attempt)
		if err := s.deps.Alerter.Notify(ctx, "connection_fatal", "Backend disconnected", msg); err != nil {
			s.logger.Warn("alert failed", slog.String("error", err.Error()))
		}
	}
}

func (s *SyncService) reverted(ctx context.Context, action string, cause error, detail map[string]any) {
	s.logger.Warn("optimistic change reverted",
		slog.String("action", action),
		slog.String("error", cause.Error()),
	)
	detail["action"] = action
	detail["error"] = cause.Error()
	s.audit(ctx, "action_reverted", detail)
}

func (s *SyncService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
