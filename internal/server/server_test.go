package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/feed"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/handler"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/ws"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

const testKey = "k3y"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	frames []domain.ControlFrame
}

func (s *recordingSender) Send(f domain.ControlFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) sent() []domain.ControlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ControlFrame(nil), s.frames...)
}

type fakeConn struct {
	mu         sync.Mutex
	reconnects int
}

func (c *fakeConn) Status() domain.ConnStatus {
	return domain.ConnStatus{State: domain.ConnConnected, At: time.Now()}
}

func (c *fakeConn) Reconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

func (c *fakeConn) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

type fakeActions struct {
	mu      sync.Mutex
	calls   []string
	readErr error
	days    int
}

func (a *fakeActions) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeActions) snapshot() ([]string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...), a.days
}

func (a *fakeActions) failReads(err error) {
	a.mu.Lock()
	a.readErr = err
	a.mu.Unlock()
}

func (a *fakeActions) MarkRead(context.Context, int64) error {
	a.record("mark_read")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readErr
}

func (a *fakeActions) MarkAllRead(context.Context) (int, error) {
	a.record("mark_all_read")
	return 2, nil
}

func (a *fakeActions) Delete(context.Context, int64) error {
	a.record("delete")
	return nil
}

func (a *fakeActions) DeleteAllRead(context.Context) (int, error) {
	a.record("delete_all_read")
	return 1, nil
}

func (a *fakeActions) Cleanup(_ context.Context, days int) (service.CleanupResult, error) {
	a.record("cleanup")
	a.mu.Lock()
	a.days = days
	a.mu.Unlock()
	return service.CleanupResult{Removed: 3, BackendDeleted: 3}, nil
}

type fixture struct {
	positions     *service.PositionCache
	notifications *service.NotificationStore
	registry      *service.SubscriptionRegistry
	sender        *recordingSender
	conn          *fakeConn
	actions       *fakeActions
	hub           *ws.Hub
	srv           *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	f := &fixture{
		positions:     service.NewPositionCache(logger),
		notifications: service.NewNotificationStore(service.NotificationStoreConfig{}, logger),
		sender:        &recordingSender{},
		conn:          &fakeConn{},
		actions:       &fakeActions{},
	}
	f.registry = service.NewSubscriptionRegistry(f.sender, logger)
	f.hub = ws.NewHub(f.registry, nil, f.conn.Status, logger)
	router := feed.NewRouter(f.positions, f.notifications, logger)

	s := NewServer(Config{APIKey: testKey, RateLimitPerMinute: 1000}, Handlers{
		Health: handler.NewHealthHandler(time.Now()),
		Status: handler.NewStatusHandler(handler.StatusSources{
			Connection:    f.conn,
			Router:        router,
			Positions:     f.positions,
			Notifications: f.notifications,
			Subscriptions: f.registry,
			Consumers:     f.hub,
		}),
		Positions:     handler.NewPositionHandler(f.positions, nil, logger),
		Notifications: handler.NewNotificationHandler(f.notifications, f.actions, logger),
		Connection:    handler.NewConnectionHandler(f.conn),
		Archives:      handler.NewArchiveHandler(nil, nil, nil, logger),
	}, f.hub, nil, logger)

	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		f.positions.Close()
		f.notifications.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	return resp.StatusCode, body
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHealthIsPublicButAPIRequiresKey(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPositionsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.positions.ApplySnapshot([]domain.Position{{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Quantity:   dec("1"),
		EntryPrice: dec("100"),
		MarkPrice:  dec("110"),
	}})

	code, body := f.do(t, http.MethodGet, "/api/positions")
	require.Equal(t, http.StatusOK, code)
	list := body["positions"].([]any)
	require.Len(t, list, 1)
	p := list[0].(map[string]any)
	assert.Equal(t, "BTCUSDT", p["symbol"])
	assert.Equal(t, "10", p["unrealized_pnl"])
	assert.Equal(t, "10", p["pnl_percentage"])

	code, body = f.do(t, http.MethodGet, "/api/positions/btcusdt")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BTCUSDT", body["symbol"])

	code, _ = f.do(t, http.MethodGet, "/api/positions/ETHUSDT")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/positions/history")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.notifications.IngestPush(domain.Notification{Type: domain.NotificationNewPosition, Symbol: "BTCUSDT", Title: "a", CreatedAt: now})
	f.notifications.IngestPush(domain.Notification{Type: domain.NotificationTradeError, Symbol: "ETHUSDT", Title: "b", CreatedAt: now})

	code, body := f.do(t, http.MethodGet, "/api/notifications?type=trade_error")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["notifications"], 1)
	assert.EqualValues(t, 2, body["unread_count"])

	code, _ = f.do(t, http.MethodGet, "/api/notifications?type=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/notifications/5/read")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/notifications/read-all")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/notifications/read")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/notifications/9")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodDelete, "/api/notifications/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/notifications/cleanup?days=-1")
	assert.Equal(t, http.StatusBadRequest, code)
	code, body = f.do(t, http.MethodDelete, "/api/notifications/cleanup?days=7")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["removed"])
	calls, days := f.actions.snapshot()
	assert.Equal(t, 7, days)
	assert.Equal(t, []string{"mark_read", "mark_all_read", "delete_all_read", "delete", "cleanup"}, calls)

	f.actions.failReads(domain.ErrNotFound)
	code, _ = f.do(t, http.MethodPost, "/api/notifications/77/read")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReconnectAndStatus(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/connection/reconnect")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, f.conn.reconnectCount())

	code, body := f.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, code)
	conn := body["connection"].(map[string]any)
	assert.Equal(t, "connected", conn["state"])
	assert.EqualValues(t, 0, body["positions"])
}

func TestArchivesUnconfigured(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/api/archives")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = f.do(t, http.MethodGet, "/api/audit")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env map[string]any
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestWebSocketSubscriptionsDriveRegistry(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?api_key=" + testKey
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	hello := readEnvelope(t, c)
	require.Equal(t, ws.TypeHello, hello["type"])
	consumerID := hello["data"].(map[string]any)["consumer_id"].(string)
	require.NotEmpty(t, consumerID)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "subscribe", "symbol": "btcusdt"}))
	ack := readEnvelope(t, c)
	assert.Equal(t, ws.TypeSubscribed, ack["type"])
	assert.Equal(t, "BTCUSDT", ack["symbol"])
	assert.True(t, f.registry.Interested(consumerID, "BTCUSDT"))

	f.hub.PublishSignal(domain.Signal{Symbol: "ETHUSDT", Decision: domain.DecisionBuy, Confidence: 80})
	f.hub.PublishSignal(domain.Signal{Symbol: "BTCUSDT", Decision: domain.DecisionSell, Confidence: 60})
	f.hub.PublishConnStatus(domain.ConnStatus{State: domain.ConnConnecting, Attempt: 2})

	sig := readEnvelope(t, c)
	assert.Equal(t, ws.TypeSignal, sig["type"])
	assert.Equal(t, "BTCUSDT", sig["symbol"])
	assert.Equal(t, "medium", sig["data"].(map[string]any)["confidence_tier"])

	st := readEnvelope(t, c)
	assert.Equal(t, ws.TypeConnectionStatus, st["type"])

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return f.registry.Count("BTCUSDT") == 0 && f.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []domain.ControlFrame{
		{Type: domain.FrameSubscribe, Symbol: "BTCUSDT"},
		{Type: domain.FrameUnsubscribe, Symbol: "BTCUSDT"},
	}, f.sender.sent())
}

func TestWebSocketSnapshotFilteredPerConsumer(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?api_key=" + testKey
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()
	readEnvelope(t, c)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "subscribe", "symbol": "ETHUSDT"}))
	readEnvelope(t, c)

	f.hub.PublishPositionChange(service.PositionChange{
		Kind: service.PositionSnapshot,
		Positions: []domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideLong},
			{Symbol: "ETHUSDT", Side: domain.SideShort},
		},
	})

	snap := readEnvelope(t, c)
	require.Equal(t, ws.TypePositionsSnapshot, snap["type"])
	list := snap["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "ETHUSDT", list[0].(map[string]any)["symbol"])
}
