// Package app provides the top-level lifecycle for signalsync. It wires the
// backend connection, the session stores, the optional infrastructure and
// the local API, then runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uszkair/coin-signals-ai-sub000/internal/config"
	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/feed"
	"github.com/uszkair/coin-signals-ai-sub000/internal/notify"
	"github.com/uszkair/coin-signals-ai-sub000/internal/platform/backend"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/handler"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/ws"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

// sessionLockKey guards against two processes mirroring the same session.
const sessionLockKey = "session"

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("backend", a.cfg.Backend.WSURL),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if deps.SessionLock != nil {
		release, err := deps.SessionLock.Acquire(ctx, sessionLockKey, a.cfg.Redis.SessionLockTTL.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: another instance owns this session: %w", err)
			}
			return fmt.Errorf("app: session lock: %w", err)
		}
		a.closers = append(a.closers, release)
	}

	return a.serve(ctx, deps)
}

func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	logger := a.logger

	api := backend.NewClient(backend.ClientConfig{
		BaseURL:           cfg.Backend.RESTURL,
		Token:             cfg.Backend.APIToken,
		Timeout:           cfg.Backend.Timeout.Duration,
		RequestsPerMinute: cfg.Backend.RequestsPerMinute,
		Burst:             cfg.Backend.Burst,
	}, logger)
	conn := backend.NewWSClient(backend.WSConfig{
		URL:          cfg.Backend.WSURL,
		Token:        cfg.Backend.APIToken,
		MaxRetries:   cfg.Connection.MaxRetries,
		Backoff:      cfg.Connection.Backoff.Duration,
		PingInterval: cfg.Connection.PingInterval.Duration,
		SendQueue:    cfg.Connection.SendQueue,
	}, logger)

	positions := service.NewPositionCache(logger)
	notifications := service.NewNotificationStore(service.NotificationStoreConfig{
		DedupWindow: cfg.Store.DedupWindow,
		Capacity:    cfg.Store.NotificationCapacity,
	}, logger)
	a.closers = append(a.closers, positions.Close, notifications.Close)

	registry := service.NewSubscriptionRegistry(conn, logger)
	conn.OnConnected(registry.Resubscribe)

	syncDeps := service.SyncDeps{
		Audit:        deps.AuditStore,
		ArchiveIndex: deps.ArchiveIndexStore,
	}
	if deps.Archiver != nil {
		syncDeps.Archiver = deps.Archiver
	}
	if deps.Notifier.Enabled() {
		syncDeps.Alerter = deps.Notifier
	}
	syncer := service.NewSyncService(api, positions, notifications, syncDeps, service.SyncConfig{
		PositionPoll:      cfg.Backend.PositionPoll.Duration,
		NotificationPoll:  cfg.Backend.NotificationPoll.Duration,
		NotificationLimit: cfg.Backend.NotificationLimit,
	}, logger)

	router := feed.NewRouter(positions, notifications, logger)
	backendFeed := feed.NewBackendFeed(conn, router, logger)
	hub := ws.NewHub(registry, cfg.Server.CORSOrigins, conn.Status, logger)
	router.OnSignal(hub.PublishSignal)

	g, ctx := errgroup.WithContext(ctx)

	conn.OnStatus(func(st domain.ConnStatus) {
		syncer.HandleConnStatus(ctx, st)
		hub.PublishConnStatus(st)
	})

	g.Go(func() error { return backendFeed.Run(ctx) })
	g.Go(func() error { return syncer.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx, positions, notifications) })

	if cfg.Store.RiskAlerts {
		watcher := service.NewRiskWatcher(positions, notifications, logger)
		g.Go(func() error { return watcher.Run(ctx) })
	}

	recorderDeps := service.RecorderDeps{
		Mirror:  deps.Mirror,
		Prices:  deps.PriceCache,
		Bus:     deps.ChangeBus,
		History: deps.PositionHistory,
	}
	if recorderDeps.Mirror != nil || recorderDeps.Bus != nil || recorderDeps.History != nil {
		recorder := service.NewChangeRecorder(positions, notifications, recorderDeps, logger)
		g.Go(func() error { return recorder.Run(ctx) })
	}

	if cfg.Notify.ForwardPriority != "" && deps.Notifier.Enabled() {
		minPriority := domain.NotificationPriority(strings.ToLower(cfg.Notify.ForwardPriority))
		forwarder := notify.NewForwarder(notifications, deps.Notifier, minPriority, logger)
		g.Go(func() error { return forwarder.Run(ctx) })
	}

	if cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:               cfg.Server.Port,
			CORSOrigins:        cfg.Server.CORSOrigins,
			APIKey:             cfg.Server.APIKey,
			RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		}, server.Handlers{
			Health: handler.NewHealthHandler(time.Now()),
			Status: handler.NewStatusHandler(handler.StatusSources{
				Connection:    conn,
				Router:        router,
				Positions:     positions,
				Notifications: notifications,
				Subscriptions: registry,
				Consumers:     hub,
			}),
			Positions:     handler.NewPositionHandler(positions, deps.PositionHistory, logger),
			Notifications: handler.NewNotificationHandler(notifications, syncer, logger),
			Connection:    handler.NewConnectionHandler(conn),
			Archives:      archiveHandler(deps, logger),
		}, hub, deps.RateLimiter, logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// archiveHandler returns nil when neither object storage nor Postgres is
// configured, which leaves the archive routes unregistered.
func archiveHandler(deps *Dependencies, logger *slog.Logger) *handler.ArchiveHandler {
	if deps.Archiver == nil && deps.ArchiveIndexStore == nil && deps.AuditStore == nil {
		return nil
	}
	var blobs handler.ArchiveBrowser
	if deps.Archiver != nil {
		blobs = deps.Archiver
	}
	return handler.NewArchiveHandler(blobs, deps.ArchiveIndexStore, deps.AuditStore, logger)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
