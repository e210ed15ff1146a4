package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends a lock's TTL only while the caller still holds it.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// SessionLock implements domain.SessionLock using Redis SETNX with a TTL
// that is renewed in the background while held.
type SessionLock struct {
	c        *Client
	rdb      *redis.Client
	unlockSc *redis.Script
	renewSc  *redis.Script
}

// NewSessionLock creates a SessionLock backed by the given Client.
func NewSessionLock(c *Client) *SessionLock {
	return &SessionLock{
		c:        c,
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		renewSc:  redis.NewScript(renewLua),
	}
}

// Acquire obtains the lock for key. The TTL is renewed every ttl/3 until
// ctx is done or release is called. Release is safe to call more than once.
//
// It returns domain.ErrLockHeld if the lock is already held by another party.
func (l *SessionLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.c.key("lock", key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	renewCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = l.renewSc.Run(renewCtx, l.rdb, []string{lk}, token, ttl.Milliseconds()).Err()
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			<-done

			// Background context so unlock succeeds after the caller's
			// context is cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}

	return release, nil
}

// Compile-time interface check.
var _ domain.SessionLock = (*SessionLock)(nil)
