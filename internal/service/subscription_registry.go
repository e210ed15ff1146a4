package service

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// FrameSender enqueues a control frame on the backend connection.
type FrameSender interface {
	Send(frame domain.ControlFrame) error
}

// SubscriptionRegistry reference-counts symbol interest per distinct
// consumer and emits subscribe/unsubscribe frames on the 0->1 and 1->0
// transitions.
type SubscriptionRegistry struct {
	mu         sync.Mutex
	bySymbol   map[string]map[string]struct{} // symbol -> consumer ids
	byConsumer map[string]map[string]struct{} // consumer id -> symbols
	sender     FrameSender
	logger     *slog.Logger
}

// NewSubscriptionRegistry creates a registry that sends frames via sender.
func NewSubscriptionRegistry(sender FrameSender, logger *slog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		bySymbol:   make(map[string]map[string]struct{}),
		byConsumer: make(map[string]map[string]struct{}),
		sender:     sender,
		logger:     logger.With(slog.String("component", "subscription_registry")),
	}
}

// Subscribe registers consumerID's interest in symbol. Repeated calls by the
// same consumer count once.
func (r *SubscriptionRegistry) Subscribe(consumerID, symbol string) {
	if consumerID == "" || symbol == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	consumers, ok := r.bySymbol[symbol]
	if !ok {
		consumers = make(map[string]struct{})
		r.bySymbol[symbol] = consumers
	}
	if _, dup := consumers[consumerID]; dup {
		return
	}
	consumers[consumerID] = struct{}{}

	symbols, ok := r.byConsumer[consumerID]
	if !ok {
		symbols = make(map[string]struct{})
		r.byConsumer[consumerID] = symbols
	}
	symbols[symbol] = struct{}{}

	if len(consumers) == 1 {
		r.sendLocked(domain.FrameSubscribe, symbol)
	}
}

// Unsubscribe drops consumerID's interest in symbol. It is a no-op when the
// consumer was not subscribed.
func (r *SubscriptionRegistry) Unsubscribe(consumerID, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(consumerID, symbol)
}

// UnsubscribeAll drops every subscription held by consumerID.
func (r *SubscriptionRegistry) UnsubscribeAll(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := make([]string, 0, len(r.byConsumer[consumerID]))
	for sym := range r.byConsumer[consumerID] {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		r.unsubscribeLocked(consumerID, sym)
	}
}

func (r *SubscriptionRegistry) unsubscribeLocked(consumerID, symbol string) {
	consumers, ok := r.bySymbol[symbol]
	if !ok {
		return
	}
	if _, ok := consumers[consumerID]; !ok {
		return
	}
	delete(consumers, consumerID)

	if symbols, ok := r.byConsumer[consumerID]; ok {
		delete(symbols, symbol)
		if len(symbols) == 0 {
			delete(r.byConsumer, consumerID)
		}
	}

	if len(consumers) == 0 {
		delete(r.bySymbol, symbol)
		r.sendLocked(domain.FrameUnsubscribe, symbol)
	}
}

// Interested reports whether consumerID is subscribed to symbol.
func (r *SubscriptionRegistry) Interested(consumerID, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySymbol[symbol][consumerID]
	return ok
}

// Count returns the number of distinct consumers subscribed to symbol.
func (r *SubscriptionRegistry) Count(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySymbol[symbol])
}

// Symbols returns every symbol with at least one consumer, sorted.
func (r *SubscriptionRegistry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbolsLocked()
}

func (r *SubscriptionRegistry) symbolsLocked() []string {
	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Resubscribe re-sends a subscribe frame for every active symbol. It is
// hooked to the connection's reconnect callback since the backend forgets
// subscriptions with the socket.
func (r *SubscriptionRegistry) Resubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := r.symbolsLocked()
	for _, sym := range symbols {
		r.sendLocked(domain.FrameSubscribe, sym)
	}
	if len(symbols) > 0 {
		r.logger.Info("subscriptions restored", slog.Int("symbols", len(symbols)))
	}
}

// sendLocked is called with mu held so frames leave in registry order. A
// failed send is logged; the registry state stays authoritative and is
// replayed on the next reconnect.
func (r *SubscriptionRegistry) sendLocked(t domain.ControlFrameType, symbol string) {
	if err := r.sender.Send(domain.ControlFrame{Type: t, Symbol: symbol}); err != nil {
		r.logger.Warn("control frame not sent",
			slog.String("type", string(t)),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}
