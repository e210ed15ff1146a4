package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

// Forwarder relays live pushes at or above a priority to the Notifier, using
// the notification type as the event name. History loaded over REST is not
// forwarded.
type Forwarder struct {
	store       *service.NotificationStore
	notifier    *Notifier
	minPriority domain.NotificationPriority
	timeout     time.Duration
	logger      *slog.Logger

	ctx context.Context
}

// NewForwarder creates a Forwarder. An empty minPriority means high.
func NewForwarder(store *service.NotificationStore, notifier *Notifier, minPriority domain.NotificationPriority, logger *slog.Logger) *Forwarder {
	if minPriority == "" {
		minPriority = domain.PriorityHigh
	}
	return &Forwarder{
		store:       store,
		notifier:    notifier,
		minPriority: minPriority,
		timeout:     15 * time.Second,
		logger:      logger.With(slog.String("component", "notify_forwarder")),
	}
}

// Run forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	f.ctx = ctx
	unsubscribe := f.store.Subscribe(f.handle)
	defer unsubscribe()

	f.logger.Info("notification forwarder started", slog.String("min_priority", string(f.minPriority)))
	<-ctx.Done()
	return ctx.Err()
}

func (f *Forwarder) handle(ch service.NotificationChange) {
	if ch.Kind != service.NotificationsAdded {
		return
	}
	base := f.ctx
	if base == nil {
		base = context.Background()
	}
	for _, n := range ch.Items {
		if !n.IsTemporary() || n.Priority.Rank() < f.minPriority.Rank() {
			continue
		}
		ctx, cancel := context.WithTimeout(base, f.timeout)
		if err := f.notifier.Notify(ctx, string(n.Type), n.Title, n.Message); err != nil {
			f.logger.Warn("forward failed", slog.Int64("id", n.ID), slog.String("error", err.Error()))
		}
		cancel()
	}
}
