package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []domain.ConnStatus
}

func (l *statusLog) record(s domain.ConnStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) all() []domain.ConnStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ConnStatus(nil), l.statuses...)
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	w := NewWSClient(WSConfig{URL: deadURL(t), MaxRetries: 3, Backoff: time.Millisecond}, testLogger())
	log := &statusLog{}
	w.OnStatus(log.record)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrReconnectExhausted)

	statuses := log.all()
	connecting := 0
	for _, s := range statuses {
		if s.State == domain.ConnConnecting {
			connecting++
		}
	}
	assert.Equal(t, 3, connecting)

	last := statuses[len(statuses)-1]
	assert.Equal(t, domain.ConnDisconnected, last.State)
	assert.True(t, last.Fatal)
	assert.Equal(t, 3, last.Attempt)
	assert.True(t, w.Status().Fatal)
}

func TestSuccessfulConnectResetsRetryCount(t *testing.T) {
	const maxRetries = 3
	var requests atomic.Int32
	upgrader := websocket.Upgrader{}

	// Fails maxRetries-1 times, accepts and drops, fails maxRetries-1 times
	// again, then accepts and holds the socket open.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(requests.Add(1))
		if n%maxRetries != 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n == maxRetries {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	w := NewWSClient(WSConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxRetries: maxRetries,
		Backoff:    time.Millisecond,
	}, testLogger())
	log := &statusLog{}
	w.OnStatus(log.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return requests.Load() == 2*maxRetries && w.Connected()
	}, 5*time.Second, 5*time.Millisecond)

	for _, s := range log.all() {
		assert.False(t, s.Fatal, "fatal status after a successful connect")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	w := NewWSClient(WSConfig{URL: "ws://unused"}, testLogger())
	err := w.Send(domain.ControlFrame{Type: domain.FrameSubscribe, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, w.Connected())
}

func TestReconnectWakesWaiter(t *testing.T) {
	w := NewWSClient(WSConfig{URL: "ws://unused"}, testLogger())
	w.Reconnect()
	require.NoError(t, w.WaitReconnect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.WaitReconnect(ctx), context.Canceled)
}

// backendStub accepts one socket, records inbound frames and pushes one
// outbound frame.
func backendStub(t *testing.T, push string) (string, <-chan domain.ControlFrame, <-chan string) {
	t.Helper()
	frames := make(chan domain.ControlFrame, 16)
	auth := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(push))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f domain.ControlFrame
			if json.Unmarshal(data, &f) == nil {
				frames <- f
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), frames, auth
}

func TestRunDeliversFramesAndSends(t *testing.T) {
	url, frames, auth := backendStub(t, `{"type":"pong"}`)

	w := NewWSClient(WSConfig{URL: url, Token: "tok", MaxRetries: 2, Backoff: time.Millisecond}, testLogger())

	received := make(chan string, 4)
	w.OnFrame(func(raw []byte) { received <- string(raw) })
	w.OnConnected(func() {
		assert.NoError(t, w.Send(domain.ControlFrame{Type: domain.FrameSubscribe, Symbol: "BTCUSDT"}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case got := <-received:
		assert.JSONEq(t, `{"type":"pong"}`, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}
	select {
	case f := <-frames:
		assert.Equal(t, domain.ControlFrame{Type: domain.FrameSubscribe, Symbol: "BTCUSDT"}, f)
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe frame not sent")
	}
	assert.Equal(t, "Bearer tok", <-auth)
	assert.True(t, w.Connected())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, domain.ConnDisconnected, w.Status().State)
}
