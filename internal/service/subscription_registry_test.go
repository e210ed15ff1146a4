package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []domain.ControlFrame
	err    error
}

func (r *frameRecorder) Send(f domain.ControlFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return r.err
}

func (r *frameRecorder) sent() []domain.ControlFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ControlFrame(nil), r.frames...)
}

func sub(symbol string) domain.ControlFrame {
	return domain.ControlFrame{Type: domain.FrameSubscribe, Symbol: symbol}
}

func unsub(symbol string) domain.ControlFrame {
	return domain.ControlFrame{Type: domain.FrameUnsubscribe, Symbol: symbol}
}

func TestRegistryOneFramePerTransition(t *testing.T) {
	rec := &frameRecorder{}
	r := NewSubscriptionRegistry(rec, testLogger())

	for _, c := range []string{"a", "b", "c"} {
		r.Subscribe(c, "BTCUSDT")
	}
	r.Subscribe("a", "BTCUSDT")
	assert.Equal(t, 3, r.Count("BTCUSDT"))
	assert.Equal(t, []domain.ControlFrame{sub("BTCUSDT")}, rec.sent())

	r.Unsubscribe("a", "BTCUSDT")
	r.Unsubscribe("b", "BTCUSDT")
	r.Unsubscribe("b", "BTCUSDT")
	assert.Len(t, rec.sent(), 1)

	r.Unsubscribe("c", "BTCUSDT")
	assert.Equal(t, []domain.ControlFrame{sub("BTCUSDT"), unsub("BTCUSDT")}, rec.sent())
	assert.Zero(t, r.Count("BTCUSDT"))
	assert.Empty(t, r.Symbols())
}

func TestRegistryIgnoresBlankInput(t *testing.T) {
	rec := &frameRecorder{}
	r := NewSubscriptionRegistry(rec, testLogger())

	r.Subscribe("", "BTCUSDT")
	r.Subscribe("a", "")
	r.Unsubscribe("nobody", "BTCUSDT")
	assert.Empty(t, rec.sent())
}

func TestRegistryUnsubscribeAll(t *testing.T) {
	rec := &frameRecorder{}
	r := NewSubscriptionRegistry(rec, testLogger())

	r.Subscribe("a", "ETHUSDT")
	r.Subscribe("a", "BTCUSDT")
	r.Subscribe("b", "ETHUSDT")

	r.UnsubscribeAll("a")

	assert.Equal(t, []domain.ControlFrame{
		sub("ETHUSDT"),
		sub("BTCUSDT"),
		unsub("BTCUSDT"),
	}, rec.sent())
	assert.True(t, r.Interested("b", "ETHUSDT"))
	assert.False(t, r.Interested("a", "ETHUSDT"))
	assert.Equal(t, []string{"ETHUSDT"}, r.Symbols())
}

func TestRegistryResubscribeAfterFailedSend(t *testing.T) {
	rec := &frameRecorder{err: errors.New("not connected")}
	r := NewSubscriptionRegistry(rec, testLogger())

	r.Subscribe("a", "SOLUSDT")
	r.Subscribe("b", "BTCUSDT")
	assert.Equal(t, 1, r.Count("SOLUSDT"))

	rec.mu.Lock()
	rec.err = nil
	rec.frames = nil
	rec.mu.Unlock()

	r.Resubscribe()
	assert.Equal(t, []domain.ControlFrame{sub("BTCUSDT"), sub("SOLUSDT")}, rec.sent())
}
