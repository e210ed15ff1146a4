package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// DefaultDedupWindow is how many of the newest entries a push is checked
// against.
const DefaultDedupWindow = 50

// NotificationChangeKind describes what a NotificationChange did.
type NotificationChangeKind string

const (
	NotificationsAdded    NotificationChangeKind = "added"
	NotificationsUpdated  NotificationChangeKind = "updated"
	NotificationsRemoved  NotificationChangeKind = "removed"
	NotificationsReplaced NotificationChangeKind = "replaced" // temporary id confirmed by REST
	NotificationsResync   NotificationChangeKind = "resync"   // Items is the whole collection
)

// NotificationChange is published after every committed store mutation.
// For replacements, TempIDs[i] is the temporary id that Items[i] superseded.
type NotificationChange struct {
	Kind        NotificationChangeKind
	Items       []domain.Notification
	TempIDs     []int64
	UnreadCount int
}

// NotificationStoreConfig tunes the store.
type NotificationStoreConfig struct {
	DedupWindow int
	// Capacity bounds the number of retained entries; the oldest are dropped
	// beyond it. Zero means unbounded.
	Capacity int
}

// ReadChange records the previous read state of a notification changed by
// MarkRead or MarkAllRead, so a caller can revert it.
type ReadChange struct {
	ID      int64
	WasRead bool
}

// NotificationStore holds the ordered notification collection: newest first,
// push entries at the head.
type NotificationStore struct {
	mu     sync.RWMutex
	items  []domain.Notification
	nextID int64 // next temporary id, always negative
	cfg    NotificationStoreConfig

	feed   *changeFeed[NotificationChange]
	logger *slog.Logger
	now    func() time.Time
}

// NewNotificationStore creates an empty store.
func NewNotificationStore(cfg NotificationStoreConfig, logger *slog.Logger) *NotificationStore {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	logger = logger.With(slog.String("component", "notification_store"))
	s := &NotificationStore{
		nextID: -1,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	s.feed = newChangeFeed(logger, s.resyncLocked, func(ch NotificationChange) bool {
		return ch.Kind == NotificationsAdded
	})
	return s
}

func (s *NotificationStore) resyncLocked() NotificationChange {
	return NotificationChange{
		Kind:        NotificationsResync,
		Items:       cloneNotifications(s.items),
		UnreadCount: s.unreadLocked(),
	}
}

// Subscribe registers fn for committed changes and returns its cancel func.
func (s *NotificationStore) Subscribe(fn func(NotificationChange)) func() {
	return s.feed.subscribe(fn)
}

// Close stops all change subscribers.
func (s *NotificationStore) Close() {
	s.feed.close()
}

// IngestPush inserts a live notification at the head with a temporary id.
// A push whose key matches one of the newest DedupWindow entries is dropped
// and the existing entry returned with false.
func (s *NotificationStore) IngestPush(n domain.Notification) (domain.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	key := n.Key()

	window := s.cfg.DedupWindow
	if window > len(s.items) {
		window = len(s.items)
	}
	for i := 0; i < window; i++ {
		if s.items[i].Key() == key {
			s.logger.Debug("duplicate push dropped",
				slog.String("type", string(n.Type)),
				slog.String("symbol", n.Symbol),
			)
			return s.items[i].Clone(), false
		}
	}

	n = n.Clone()
	n.ID = s.nextID
	s.nextID--

	s.items = append(s.items, domain.Notification{})
	copy(s.items[1:], s.items)
	s.items[0] = n
	s.trimLocked()

	s.publishLocked(NotificationsAdded, []domain.Notification{n}, nil)
	return n.Clone(), true
}

// IngestBatch merges a REST listing. Entries matching an existing id are
// refreshed; entries matching a temporary entry's key replace it, keeping a
// locally applied read flag; the rest are inserted in created_at order.
//
// The returned changes name confirmed entries that were read locally while
// temporary but are still unread on the backend. WasRead is false, so the
// slice can be handed to Revert if pushing the flag fails.
func (s *NotificationStore) IngestBatch(batch []domain.Notification) []ReadChange {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[int64]int, len(s.items))
	tempByKey := make(map[domain.NotificationKey]int)
	for i, n := range s.items {
		if n.IsTemporary() {
			tempByKey[n.Key()] = i
		} else {
			byID[n.ID] = i
		}
	}

	var added, updated, replaced []domain.Notification
	var tempIDs []int64
	var unsynced []ReadChange
	seen := make(map[int64]bool, len(batch))

	for _, in := range batch {
		if in.ID <= 0 || seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		in = in.Clone()

		if i, ok := byID[in.ID]; ok {
			cur := s.items[i]
			in.IsRead = in.IsRead || cur.IsRead
			if !notificationEqual(cur, in) {
				s.items[i] = in
				updated = append(updated, in)
			}
			continue
		}

		if i, ok := tempByKey[in.Key()]; ok {
			tmp := s.items[i]
			if tmp.IsRead && !in.IsRead {
				unsynced = append(unsynced, ReadChange{ID: in.ID})
			}
			in.IsRead = in.IsRead || tmp.IsRead
			s.items[i] = in
			delete(tempByKey, in.Key())
			byID[in.ID] = i
			replaced = append(replaced, in)
			tempIDs = append(tempIDs, tmp.ID)
			continue
		}

		added = append(added, in)
	}

	if len(added) > 0 {
		s.insertSortedLocked(added)
	}
	s.trimLocked()

	if len(replaced) > 0 {
		s.publishLocked(NotificationsReplaced, replaced, tempIDs)
	}
	if len(updated) > 0 {
		s.publishLocked(NotificationsUpdated, updated, nil)
	}
	if len(added) > 0 {
		s.publishLocked(NotificationsAdded, added, nil)
	}
	return unsynced
}

// insertSortedLocked merges items into the collection by descending
// created_at. Existing entries keep their relative order, so push entries
// inserted out of timestamp order stay where they are.
func (s *NotificationStore) insertSortedLocked(items []domain.Notification) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	merged := make([]domain.Notification, 0, len(s.items)+len(items))
	i, j := 0, 0
	for i < len(s.items) && j < len(items) {
		if items[j].CreatedAt.After(s.items[i].CreatedAt) {
			merged = append(merged, items[j])
			j++
		} else {
			merged = append(merged, s.items[i])
			i++
		}
	}
	merged = append(merged, s.items[i:]...)
	merged = append(merged, items[j:]...)
	s.items = merged
}

func (s *NotificationStore) trimLocked() {
	if s.cfg.Capacity <= 0 || len(s.items) <= s.cfg.Capacity {
		return
	}
	dropped := len(s.items) - s.cfg.Capacity
	s.items = s.items[:s.cfg.Capacity]
	s.logger.Debug("notification capacity reached", slog.Int("dropped", dropped))
}

// MarkRead sets the read flag on id. It returns the previous state so the
// caller can revert if the backend rejects the change.
func (s *NotificationStore) MarkRead(id int64) (ReadChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return ReadChange{}, domain.ErrNotFound
	}
	change := ReadChange{ID: id, WasRead: s.items[i].IsRead}
	if !change.WasRead {
		s.items[i].IsRead = true
		s.publishLocked(NotificationsUpdated, []domain.Notification{s.items[i]}, nil)
	}
	return change, nil
}

// MarkAllRead marks every unread entry read and returns the ones it changed.
func (s *NotificationStore) MarkAllRead() []ReadChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []ReadChange
	var updated []domain.Notification
	for i := range s.items {
		if s.items[i].IsRead {
			continue
		}
		s.items[i].IsRead = true
		changes = append(changes, ReadChange{ID: s.items[i].ID})
		updated = append(updated, s.items[i])
	}
	if len(updated) > 0 {
		s.publishLocked(NotificationsUpdated, updated, nil)
	}
	return changes
}

// SetRead forces the read flag of id. Used to revert optimistic changes.
func (s *NotificationStore) SetRead(id int64, read bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 || s.items[i].IsRead == read {
		return false
	}
	s.items[i].IsRead = read
	s.publishLocked(NotificationsUpdated, []domain.Notification{s.items[i]}, nil)
	return true
}

// Revert restores the read flags recorded in changes.
func (s *NotificationStore) Revert(changes []ReadChange) {
	for _, c := range changes {
		s.SetRead(c.ID, c.WasRead)
	}
}

// DeleteByID removes id. It is a no-op when id is unknown.
func (s *NotificationStore) DeleteByID(id int64) (domain.Notification, bool) {
	removed := s.removeWhere(func(n domain.Notification) bool { return n.ID == id })
	if len(removed) == 0 {
		return domain.Notification{}, false
	}
	return removed[0], true
}

// DeleteAllRead removes every read entry.
func (s *NotificationStore) DeleteAllRead() []domain.Notification {
	return s.removeWhere(func(n domain.Notification) bool { return n.IsRead })
}

// CleanupOlderThan removes entries created more than days days ago.
func (s *NotificationStore) CleanupOlderThan(days int) []domain.Notification {
	if days < 0 {
		return nil
	}
	cutoff := s.now().AddDate(0, 0, -days)
	return s.removeWhere(func(n domain.Notification) bool { return n.CreatedAt.Before(cutoff) })
}

// Restore puts previously removed entries back. Used to revert optimistic
// deletes; entries already present are skipped.
func (s *NotificationStore) Restore(items []domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var back []domain.Notification
	for _, n := range items {
		if s.indexLocked(n.ID) >= 0 {
			continue
		}
		back = append(back, n.Clone())
	}
	if len(back) == 0 {
		return
	}
	s.insertSortedLocked(back)
	s.publishLocked(NotificationsAdded, back, nil)
}

func (s *NotificationStore) removeWhere(match func(domain.Notification) bool) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []domain.Notification
	kept := s.items[:0]
	for _, n := range s.items {
		if match(n) {
			removed = append(removed, n)
			continue
		}
		kept = append(kept, n)
	}
	if len(removed) == 0 {
		return nil
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = domain.Notification{}
	}
	s.items = kept
	s.publishLocked(NotificationsRemoved, removed, nil)
	return cloneNotifications(removed)
}

// Get returns a copy of the entry with id.
func (s *NotificationStore) Get(id int64) (domain.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Notification{}, false
	}
	return s.items[i].Clone(), true
}

// List returns copies of the entries passing filter, in store order.
func (s *NotificationStore) List(filter domain.NotificationFilter) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Notification, 0, len(s.items))
	for _, n := range s.items {
		if !filter.Match(n) {
			continue
		}
		out = append(out, n.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Len returns the number of stored entries.
func (s *NotificationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// UnreadCount returns the number of unread entries.
func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

func (s *NotificationStore) unreadLocked() int {
	n := 0
	for _, it := range s.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func (s *NotificationStore) indexLocked(id int64) int {
	for i, n := range s.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *NotificationStore) publishLocked(kind NotificationChangeKind, items []domain.Notification, tempIDs []int64) {
	s.feed.publish(NotificationChange{
		Kind:        kind,
		Items:       cloneNotifications(items),
		TempIDs:     tempIDs,
		UnreadCount: s.unreadLocked(),
	})
}

func cloneNotifications(in []domain.Notification) []domain.Notification {
	out := make([]domain.Notification, len(in))
	for i, n := range in {
		out[i] = n.Clone()
	}
	return out
}

// notificationEqual compares the fields a REST refresh can change.
func notificationEqual(a, b domain.Notification) bool {
	return a.IsRead == b.IsRead &&
		a.Title == b.Title &&
		a.Message == b.Message &&
		a.Priority == b.Priority &&
		a.Type == b.Type &&
		a.Symbol == b.Symbol &&
		a.CreatedAt.Equal(b.CreatedAt)
}
