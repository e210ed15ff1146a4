package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

func newStore(cfg NotificationStoreConfig) *NotificationStore {
	s := NewNotificationStore(cfg, testLogger())
	s.now = func() time.Time { return t0 }
	return s
}

func note(id int64, typ domain.NotificationType, symbol string, at time.Time) domain.Notification {
	return domain.Notification{
		ID:        id,
		Type:      typ,
		Priority:  domain.PriorityMedium,
		Title:     string(typ),
		Symbol:    symbol,
		CreatedAt: at,
	}
}

func ids(list []domain.Notification) []int64 {
	out := make([]int64, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}

func TestPushGetsTemporaryIDAtHead(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()
	s.IngestBatch([]domain.Notification{note(10, domain.NotificationNewPosition, "BTCUSDT", t0.Add(time.Hour))})

	// Pushed with an older timestamp, still goes to the head.
	a, added := s.IngestPush(note(0, domain.NotificationTradeError, "ETHUSDT", t0))
	require.True(t, added)
	assert.Equal(t, int64(-1), a.ID)
	assert.True(t, a.IsTemporary())

	b, _ := s.IngestPush(note(0, domain.NotificationTradeError, "SOLUSDT", t0))
	assert.Equal(t, int64(-2), b.ID)

	assert.Equal(t, []int64{-2, -1, 10}, ids(s.List(domain.NotificationFilter{})))
}

func TestPushDeduplicatedWithinWindow(t *testing.T) {
	s := newStore(NotificationStoreConfig{DedupWindow: 2})
	defer s.Close()

	first, added := s.IngestPush(note(0, domain.NotificationPriceAnomaly, "BTCUSDT", t0))
	require.True(t, added)

	// Same second, same key.
	dup, added := s.IngestPush(note(0, domain.NotificationPriceAnomaly, "BTCUSDT", t0.Add(300*time.Millisecond)))
	assert.False(t, added)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, 1, s.Len())

	// Push the original out of the window.
	s.IngestPush(note(0, domain.NotificationNewPosition, "A", t0))
	s.IngestPush(note(0, domain.NotificationNewPosition, "B", t0))
	_, added = s.IngestPush(note(0, domain.NotificationPriceAnomaly, "BTCUSDT", t0))
	assert.True(t, added)
}

func TestBatchReplacesTemporaryAndKeepsReadFlag(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()

	changes := make(chan NotificationChange, 16)
	unsub := s.Subscribe(func(c NotificationChange) { changes <- c })
	defer unsub()

	tmp, _ := s.IngestPush(note(0, domain.NotificationNewPosition, "BTCUSDT", t0))
	_, err := s.MarkRead(tmp.ID)
	require.NoError(t, err)

	unsynced := s.IngestBatch([]domain.Notification{note(42, domain.NotificationNewPosition, "BTCUSDT", t0)})
	assert.Equal(t, []ReadChange{{ID: 42}}, unsynced)

	list := s.List(domain.NotificationFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, int64(42), list[0].ID)
	assert.True(t, list[0].IsRead)

	// Already read on the backend, nothing left to push.
	read := note(43, domain.NotificationNewPosition, "ETHUSDT", t0)
	tmp2, _ := s.IngestPush(note(0, domain.NotificationNewPosition, "ETHUSDT", t0))
	_, err = s.MarkRead(tmp2.ID)
	require.NoError(t, err)
	read.IsRead = true
	assert.Empty(t, s.IngestBatch([]domain.Notification{read}))

	var replaced NotificationChange
	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-changes:
				if c.Kind == NotificationsReplaced {
					replaced = c
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{tmp.ID}, replaced.TempIDs)
	assert.Equal(t, []int64{42}, ids(replaced.Items))
}

func TestBatchMergesByCreatedAtAndRefreshes(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()

	s.IngestBatch([]domain.Notification{
		note(1, domain.NotificationNewPosition, "A", t0),
		note(3, domain.NotificationNewPosition, "C", t0.Add(2*time.Minute)),
	})
	refreshed := note(1, domain.NotificationNewPosition, "A", t0)
	refreshed.Title = "edited"
	s.IngestBatch([]domain.Notification{
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
		refreshed,
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
		note(0, domain.NotificationNewPosition, "bad id", t0),
	})

	assert.Equal(t, []int64{3, 2, 1}, ids(s.List(domain.NotificationFilter{})))
	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "edited", got.Title)
}

func TestReadFlagsAndRevert(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()
	s.IngestBatch([]domain.Notification{
		note(1, domain.NotificationNewPosition, "A", t0),
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
	})
	require.Equal(t, 2, s.UnreadCount())

	change, err := s.MarkRead(1)
	require.NoError(t, err)
	assert.False(t, change.WasRead)
	assert.Equal(t, 1, s.UnreadCount())

	_, err = s.MarkRead(99)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all := s.MarkAllRead()
	assert.Len(t, all, 1)
	assert.Zero(t, s.UnreadCount())

	s.Revert(all)
	s.Revert([]ReadChange{change})
	assert.Equal(t, 2, s.UnreadCount())
}

func TestDeleteAndRestore(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()
	s.IngestBatch([]domain.Notification{
		note(1, domain.NotificationNewPosition, "A", t0),
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
		note(3, domain.NotificationNewPosition, "C", t0.Add(2*time.Minute)),
	})

	removed, ok := s.DeleteByID(2)
	require.True(t, ok)
	_, ok = s.DeleteByID(2)
	assert.False(t, ok)

	_, _ = s.MarkRead(3)
	read := s.DeleteAllRead()
	assert.Equal(t, []int64{3}, ids(read))
	assert.Equal(t, []int64{1}, ids(s.List(domain.NotificationFilter{})))

	s.Restore(append(read, removed))
	s.Restore([]domain.Notification{removed})
	assert.Equal(t, []int64{3, 2, 1}, ids(s.List(domain.NotificationFilter{})))
}

func TestCleanupOlderThan(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()
	s.IngestBatch([]domain.Notification{
		note(1, domain.NotificationNewPosition, "old", t0.AddDate(0, 0, -40)),
		note(2, domain.NotificationNewPosition, "edge", t0.AddDate(0, 0, -30).Add(time.Second)),
		note(3, domain.NotificationNewPosition, "new", t0.Add(-time.Hour)),
	})

	assert.Nil(t, s.CleanupOlderThan(-1))
	removed := s.CleanupOlderThan(30)
	assert.Equal(t, []int64{1}, ids(removed))
	assert.Equal(t, []int64{3, 2}, ids(s.List(domain.NotificationFilter{})))
}

func TestCapacityDropsOldest(t *testing.T) {
	s := newStore(NotificationStoreConfig{Capacity: 2})
	defer s.Close()
	s.IngestBatch([]domain.Notification{
		note(1, domain.NotificationNewPosition, "A", t0),
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
		note(3, domain.NotificationNewPosition, "C", t0.Add(2*time.Minute)),
	})
	assert.Equal(t, []int64{3, 2}, ids(s.List(domain.NotificationFilter{})))
}

func TestListFilter(t *testing.T) {
	s := newStore(NotificationStoreConfig{})
	defer s.Close()
	high := note(1, domain.NotificationTradeError, "A", t0)
	high.Priority = domain.PriorityHigh
	s.IngestBatch([]domain.Notification{
		high,
		note(2, domain.NotificationNewPosition, "B", t0.Add(time.Minute)),
		note(3, domain.NotificationNewPosition, "C", t0.Add(2*time.Minute)),
	})
	_, _ = s.MarkRead(3)

	assert.Equal(t, []int64{1}, ids(s.List(domain.NotificationFilter{Type: domain.NotificationTradeError})))
	assert.Equal(t, []int64{1}, ids(s.List(domain.NotificationFilter{Priority: domain.PriorityHigh})))
	assert.Equal(t, []int64{2, 1}, ids(s.List(domain.NotificationFilter{UnreadOnly: true})))
	assert.Equal(t, []int64{3}, ids(s.List(domain.NotificationFilter{Limit: 1})))
}
