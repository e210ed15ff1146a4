package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// Conn is the connection the feed supervises.
type Conn interface {
	OnFrame(h func(raw []byte))
	Run(ctx context.Context) error
	WaitReconnect(ctx context.Context) error
}

// BackendFeed pipes the backend connection into the router and keeps it
// running. When the connection gives up after exhausting its retries, the
// feed parks until a manual reconnect is requested.
type BackendFeed struct {
	conn   Conn
	router *Router
	logger *slog.Logger
}

// NewBackendFeed wires conn's frames into router.
func NewBackendFeed(conn Conn, router *Router, logger *slog.Logger) *BackendFeed {
	conn.OnFrame(router.Route)
	return &BackendFeed{
		conn:   conn,
		router: router,
		logger: logger.With(slog.String("component", "backend_feed")),
	}
}

// Run blocks until ctx is cancelled.
func (f *BackendFeed) Run(ctx context.Context) error {
	for {
		err := f.conn.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrReconnectExhausted) {
			return err
		}

		f.logger.Error("backend feed stopped, waiting for manual reconnect")
		if err := f.conn.WaitReconnect(ctx); err != nil {
			return err
		}
		f.logger.Info("manual reconnect requested")
	}
}
