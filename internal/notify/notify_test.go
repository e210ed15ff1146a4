package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"connection_fatal", " trade_error "}, testLogger())

	require.NoError(t, n.Notify(context.Background(), "connection_fatal", "down", "msg"))
	require.NoError(t, n.Notify(context.Background(), "trade_error", "err", "msg"))
	require.NoError(t, n.Notify(context.Background(), "new_position", "ignored", "msg"))

	assert.Equal(t, []string{"down", "err"}, s.sent())
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.True(t, n.Allows("anything"))
	assert.False(t, n.Enabled())
}

func TestNotifierContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), "x", "title", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"title"}, good.sent())
}

func TestTelegramSender(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "tok", "42")
	require.NoError(t, s.Send(context.Background(), "BTC <stop>", "a & b"))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.Equal(t, "<b>BTC &lt;stop&gt;</b>\na &amp; b", got.Text)
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p discordPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		require.Len(t, p.Embeds, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad embed"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 400: bad embed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}

func TestForwarderRelaysUrgentPushes(t *testing.T) {
	store := service.NewNotificationStore(service.NotificationStoreConfig{}, testLogger())
	defer store.Close()

	s := &recordingSender{name: "rec"}
	f := NewForwarder(store, NewNotifier([]Sender{s}, nil, testLogger()), "", testLogger())

	now := time.Now()
	f.handle(service.NotificationChange{Kind: service.NotificationsAdded, Items: []domain.Notification{
		{ID: -1, Type: domain.NotificationTradeError, Priority: domain.PriorityCritical, Title: "trade failed", CreatedAt: now},
		{ID: -2, Type: domain.NotificationNewPosition, Priority: domain.PriorityLow, Title: "quiet", CreatedAt: now},
		{ID: 9, Type: domain.NotificationPriceAnomaly, Priority: domain.PriorityHigh, Title: "history", CreatedAt: now},
	}})
	f.handle(service.NotificationChange{Kind: service.NotificationsUpdated, Items: []domain.Notification{
		{ID: -3, Type: domain.NotificationTradeError, Priority: domain.PriorityHigh, Title: "update"},
	}})

	assert.Equal(t, []string{"trade failed"}, s.sent())
}

func TestForwarderRunStopsOnCancel(t *testing.T) {
	store := service.NewNotificationStore(service.NotificationStoreConfig{}, testLogger())
	defer store.Close()
	f := NewForwarder(store, NewNotifier(nil, nil, testLogger()), domain.PriorityMedium, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Run(ctx), context.Canceled)
}
