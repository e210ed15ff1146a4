package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

type fakeConn struct {
	mu        sync.Mutex
	handler   func([]byte)
	runs      int
	results   []error
	reconnect chan struct{}
}

func (c *fakeConn) OnFrame(h func(raw []byte)) { c.handler = h }

func (c *fakeConn) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runs++
	var err error
	if len(c.results) > 0 {
		err, c.results = c.results[0], c.results[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) WaitReconnect(ctx context.Context) error {
	select {
	case <-c.reconnect:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func TestBackendFeedWiresFramesToRouter(t *testing.T) {
	r, _, _ := newRouter(t)
	conn := &fakeConn{reconnect: make(chan struct{})}
	NewBackendFeed(conn, r, testLogger())

	require.NotNil(t, conn.handler)
	conn.handler([]byte(`{"type":"pong"}`))
	assert.Equal(t, uint64(1), r.Stats().Routed["pong"])
}

func TestBackendFeedParksAfterExhaustion(t *testing.T) {
	r, _, _ := newRouter(t)
	conn := &fakeConn{
		reconnect: make(chan struct{}),
		results:   []error{fmt.Errorf("ws: %w", domain.ErrReconnectExhausted)},
	}
	f := NewBackendFeed(conn, r, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Parked: no second run until a manual reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.runCount())

	conn.reconnect <- struct{}{}
	require.Eventually(t, func() bool { return conn.runCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackendFeedReturnsOtherErrors(t *testing.T) {
	r, _, _ := newRouter(t)
	boom := errors.New("boom")
	conn := &fakeConn{reconnect: make(chan struct{}), results: []error{boom}}
	f := NewBackendFeed(conn, r, testLogger())

	assert.ErrorIs(t, f.Run(context.Background()), boom)
}
