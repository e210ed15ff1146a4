package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second
)

// WSConfig configures the backend WebSocket connection.
type WSConfig struct {
	URL   string
	Token string

	// MaxRetries is the number of consecutive failed connection attempts
	// after which the client gives up. Zero is treated as one.
	MaxRetries int
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
	// PingInterval is how often an application-level ping frame is sent.
	// The read deadline is three intervals.
	PingInterval time.Duration
	// SendQueue is the outbound frame buffer size.
	SendQueue int
}

// FrameHandler receives every inbound text frame in arrival order. It runs on
// the read goroutine and must not block.
type FrameHandler func(raw []byte)

// StatusHandler observes connection status transitions.
type StatusHandler func(domain.ConnStatus)

// WSClient keeps a single connection to the backend feed alive. It retries
// with a fixed backoff up to MaxRetries consecutive failures, then reports a
// fatal disconnected status and stops until Reconnect is called.
type WSClient struct {
	cfg    WSConfig
	dialer websocket.Dialer
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	status domain.ConnStatus
	sendCh chan []byte

	// Handlers
	frameHandler      FrameHandler
	statusHandlers    map[int]StatusHandler
	connectedHandlers []func()
	nextHandlerID     int
	handlerMu         sync.RWMutex

	reconnectCh chan struct{}
}

// NewWSClient creates a client. Call Run to connect.
func NewWSClient(cfg WSConfig, logger *slog.Logger) *WSClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 3 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	return &WSClient{
		cfg:            cfg,
		dialer:         websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:         logger.With(slog.String("component", "backend_ws")),
		status:         domain.ConnStatus{State: domain.ConnDisconnected, At: time.Now()},
		sendCh:         make(chan []byte, cfg.SendQueue),
		statusHandlers: make(map[int]StatusHandler),
		reconnectCh:    make(chan struct{}, 1),
	}
}

// OnFrame sets the inbound frame handler. It must be called before Run.
func (w *WSClient) OnFrame(h func(raw []byte)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.frameHandler = h
}

// OnStatus registers a status observer and returns a function removing it.
func (w *WSClient) OnStatus(h StatusHandler) func() {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	id := w.nextHandlerID
	w.nextHandlerID++
	w.statusHandlers[id] = h
	return func() {
		w.handlerMu.Lock()
		defer w.handlerMu.Unlock()
		delete(w.statusHandlers, id)
	}
}

// OnConnected registers a hook run after every successful connect, once the
// client accepts Send calls.
func (w *WSClient) OnConnected(h func()) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.connectedHandlers = append(w.connectedHandlers, h)
}

// Status returns the latest connection status.
func (w *WSClient) Status() domain.ConnStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Connected reports whether a connection is currently established.
func (w *WSClient) Connected() bool {
	return w.Status().State == domain.ConnConnected
}

// Send enqueues a control frame. It fails fast when disconnected or when the
// outbound queue is full.
func (w *WSClient) Send(frame domain.ControlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("backend/ws: marshal frame: %w", err)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.conn == nil {
		return fmt.Errorf("backend/ws: send %s: %w", frame.Type, domain.ErrNotConnected)
	}
	select {
	case w.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("backend/ws: send %s: %w", frame.Type, domain.ErrSendQueueFull)
	}
}

// Reconnect drops the current connection so it is re-established, or wakes
// a client that gave up after exhausting its retries.
func (w *WSClient) Reconnect() {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn != nil {
		_ = conn.Close()
		return
	}
	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

// WaitReconnect blocks until Reconnect is called or ctx is done.
func (w *WSClient) WaitReconnect(ctx context.Context) error {
	select {
	case <-w.reconnectCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or
// MaxRetries consecutive attempts fail, in which case it returns
// domain.ErrReconnectExhausted after publishing a fatal status.
func (w *WSClient) Run(ctx context.Context) error {
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			w.setStatus(domain.ConnStatus{State: domain.ConnDisconnected, Err: err})
			return err
		}

		attempt := failures + 1
		w.setStatus(domain.ConnStatus{State: domain.ConnConnecting, Attempt: attempt})

		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.setStatus(domain.ConnStatus{State: domain.ConnDisconnected, Err: ctx.Err()})
				return ctx.Err()
			}
			failures++
			w.logger.Warn("connect failed",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", w.cfg.MaxRetries),
				slog.String("error", err.Error()),
			)
			if failures >= w.cfg.MaxRetries {
				w.logger.Error("reconnect attempts exhausted, giving up",
					slog.Int("attempts", failures),
				)
				// Requests made while still retrying do not count.
				select {
				case <-w.reconnectCh:
				default:
				}
				w.setStatus(domain.ConnStatus{
					State:   domain.ConnDisconnected,
					Attempt: attempt,
					Fatal:   true,
					Err:     domain.ErrReconnectExhausted,
				})
				return fmt.Errorf("backend/ws: %d attempts: %w", failures, domain.ErrReconnectExhausted)
			}
			w.setStatus(domain.ConnStatus{State: domain.ConnDisconnected, Attempt: attempt, Err: err})
			sleepCtx(ctx, w.cfg.Backoff)
			continue
		}

		failures = 0
		w.logger.Info("connected", slog.String("url", w.cfg.URL), slog.Int("attempt", attempt))

		err = w.serve(ctx, conn)

		w.logger.Warn("disconnected", slog.String("reason", errString(err)))
		w.setStatus(domain.ConnStatus{State: domain.ConnDisconnected, Err: err})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleepCtx(ctx, w.cfg.Backoff)
	}
}

func (w *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("backend/ws: dial: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it drops or ctx is done.
func (w *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readTimeout := 3 * w.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.status = domain.ConnStatus{State: domain.ConnConnected, At: time.Now()}
	status := w.status
	w.mu.Unlock()
	w.notifyStatus(status)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		w.writePump(connCtx, conn)
	}()

	w.handlerMu.RLock()
	hooks := append([]func(){}, w.connectedHandlers...)
	handler := w.frameHandler
	w.handlerMu.RUnlock()
	for _, h := range hooks {
		h()
	}

	err := w.readLoop(conn, readTimeout, handler)

	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()

	cancel()
	<-pumpDone
	w.drainSendQueue()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readLoop delivers frames to handler until the connection fails.
func (w *WSClient) readLoop(conn *websocket.Conn, readTimeout time.Duration, handler FrameHandler) error {
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("backend/ws: closed by peer: %w", domain.ErrWSDisconnect)
			}
			return fmt.Errorf("backend/ws: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType != websocket.TextMessage || handler == nil {
			continue
		}
		handler(message)
	}
}

// writePump is the only writer on conn. It sends queued frames and the
// periodic ping, and closes conn when ctx is done or a write fails.
func (w *WSClient) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	ping, _ := json.Marshal(domain.ControlFrame{Type: domain.FramePing})

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-w.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Warn("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				w.logger.Warn("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// drainSendQueue discards frames queued for a connection that is gone. The
// subscription registry replays what is still wanted after reconnecting.
func (w *WSClient) drainSendQueue() {
	for {
		select {
		case <-w.sendCh:
		default:
			return
		}
	}
}

func (w *WSClient) setStatus(s domain.ConnStatus) {
	s.At = time.Now()
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
	w.notifyStatus(s)
}

func (w *WSClient) notifyStatus(s domain.ConnStatus) {
	w.handlerMu.RLock()
	handlers := make([]StatusHandler, 0, len(w.statusHandlers))
	for _, h := range w.statusHandlers {
		handlers = append(handlers, h)
	}
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(s)
	}
}

// sleepCtx waits d and reports whether it elapsed before ctx was done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "shutdown"
	}
	return err.Error()
}
