package feed

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/platform/backend"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

// PositionSink receives position deltas and lifecycle events.
type PositionSink interface {
	ApplyDelta(update domain.PositionUpdate) service.DeltaResult
	OnStatusChange(ev domain.PositionStatusEvent)
}

// NotificationSink receives live notifications.
type NotificationSink interface {
	IngestPush(n domain.Notification) (domain.Notification, bool)
}

// SignalHandler is called for each signal frame.
type SignalHandler func(domain.Signal)

// BackendStatusHandler is called for each status frame.
type BackendStatusHandler func(domain.BackendStatus)

// RouteStats counts frames by outcome.
type RouteStats struct {
	Routed    map[string]uint64 `json:"routed"`
	Malformed uint64            `json:"malformed"`
	Unknown   uint64            `json:"unknown"`
	Stale     uint64            `json:"stale_deltas"`
	Buffered  uint64            `json:"buffered_deltas"`
}

var routedTypes = []string{
	backend.TypeSignal,
	backend.TypeNotification,
	backend.TypePositionUpdate,
	backend.TypePositionStatus,
	backend.TypeStatus,
	backend.TypeConnection,
	backend.TypeError,
	backend.TypePong,
}

// Router decodes backend frames and dispatches each one to exactly one sink.
// Route is called from the connection's read goroutine, so frames are
// handled strictly in arrival order.
type Router struct {
	positions     PositionSink
	notifications NotificationSink

	signalHandlers []SignalHandler
	statusHandlers []BackendStatusHandler
	handlerMu      sync.RWMutex

	routed    map[string]*atomic.Uint64
	malformed atomic.Uint64
	unknown   atomic.Uint64
	stale     atomic.Uint64
	buffered  atomic.Uint64

	lastStatus atomic.Pointer[domain.BackendStatus]
	logger     *slog.Logger
}

// NewRouter creates a router feeding the given sinks.
func NewRouter(positions PositionSink, notifications NotificationSink, logger *slog.Logger) *Router {
	r := &Router{
		positions:     positions,
		notifications: notifications,
		routed:        make(map[string]*atomic.Uint64, len(routedTypes)),
		logger:        logger.With(slog.String("component", "router")),
	}
	for _, t := range routedTypes {
		r.routed[t] = new(atomic.Uint64)
	}
	return r
}

// OnSignal registers a signal broadcast handler.
func (r *Router) OnSignal(h SignalHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.signalHandlers = append(r.signalHandlers, h)
}

// OnBackendStatus registers a status broadcast handler.
func (r *Router) OnBackendStatus(h BackendStatusHandler) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.statusHandlers = append(r.statusHandlers, h)
}

// Route handles one raw frame. Malformed and unknown frames are dropped with
// a warning and never affect the connection.
func (r *Router) Route(raw []byte) {
	var env backend.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.malformed.Add(1)
		r.logger.Warn("malformed frame dropped", slog.Int("bytes", len(raw)))
		return
	}

	counter, known := r.routed[env.Type]
	if !known {
		r.unknown.Add(1)
		r.logger.Warn("unknown frame type dropped", slog.String("type", env.Type))
		return
	}

	var err error
	switch env.Type {
	case backend.TypePositionUpdate:
		err = r.routePositionUpdate(env.Data)
	case backend.TypePositionStatus:
		err = r.routePositionStatus(env.Data)
	case backend.TypeNotification:
		err = r.routeNotification(env.Data)
	case backend.TypeSignal:
		err = r.routeSignal(env.Data)
	case backend.TypeStatus:
		err = r.routeStatus(env.Data)
	case backend.TypeError:
		r.logger.Warn("backend error frame", slog.String("data", string(env.Data)))
	case backend.TypeConnection:
		r.logger.Info("backend connection frame", slog.String("data", string(env.Data)))
	case backend.TypePong:
	}

	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn("malformed frame dropped",
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	counter.Add(1)
}

func (r *Router) routePositionUpdate(data json.RawMessage) error {
	var payload backend.PositionUpdateData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	for _, u := range payload.ToDomain() {
		if u.Symbol == "" {
			continue
		}
		switch r.positions.ApplyDelta(u) {
		case service.DeltaStale:
			r.stale.Add(1)
		case service.DeltaBuffered:
			r.buffered.Add(1)
		}
	}
	return nil
}

func (r *Router) routePositionStatus(data json.RawMessage) error {
	var payload backend.PositionStatusData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	ev, err := payload.ToDomain()
	if err != nil {
		return err
	}
	r.positions.OnStatusChange(ev)
	return nil
}

func (r *Router) routeNotification(data json.RawMessage) error {
	var payload backend.NotificationPushData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	n, err := payload.ToDomain()
	if err != nil {
		return err
	}
	r.notifications.IngestPush(n)
	return nil
}

func (r *Router) routeSignal(data json.RawMessage) error {
	var payload backend.SignalData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	sig, err := payload.ToDomain()
	if err != nil {
		return err
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	r.handlerMu.RLock()
	handlers := r.signalHandlers
	r.handlerMu.RUnlock()
	for _, h := range handlers {
		h(sig)
	}
	return nil
}

func (r *Router) routeStatus(data json.RawMessage) error {
	var payload backend.StatusData
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	st := payload.ToDomain(append(json.RawMessage(nil), data...), time.Now().UTC())
	r.lastStatus.Store(&st)

	r.handlerMu.RLock()
	handlers := r.statusHandlers
	r.handlerMu.RUnlock()
	for _, h := range handlers {
		h(st)
	}
	return nil
}

// LastBackendStatus returns the most recent status frame, if any.
func (r *Router) LastBackendStatus() (domain.BackendStatus, bool) {
	st := r.lastStatus.Load()
	if st == nil {
		return domain.BackendStatus{}, false
	}
	return *st, true
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() RouteStats {
	s := RouteStats{
		Routed:    make(map[string]uint64, len(r.routed)),
		Malformed: r.malformed.Load(),
		Unknown:   r.unknown.Load(),
		Stale:     r.stale.Load(),
		Buffered:  r.buffered.Load(),
	}
	for t, c := range r.routed {
		s.Routed[t] = c.Load()
	}
	return s
}
