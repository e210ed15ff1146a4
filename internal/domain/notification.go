package domain

import "time"

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationNewPosition    NotificationType = "new_position"
	NotificationPositionClosed NotificationType = "position_closed"
	NotificationTradeError     NotificationType = "trade_error"
	NotificationPositionUpdate NotificationType = "position_update"
	NotificationVolumeAnomaly  NotificationType = "volume_anomaly"
	NotificationPriceAnomaly   NotificationType = "price_anomaly"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationNewPosition, NotificationPositionClosed, NotificationTradeError,
		NotificationPositionUpdate, NotificationVolumeAnomaly, NotificationPriceAnomaly:
		return true
	}
	return false
}

// NotificationPriority orders notifications by urgency.
type NotificationPriority string

const (
	PriorityLow      NotificationPriority = "low"
	PriorityMedium   NotificationPriority = "medium"
	PriorityHigh     NotificationPriority = "high"
	PriorityCritical NotificationPriority = "critical"
)

// Rank orders priorities from 0 (unknown) to 4 (critical).
func (p NotificationPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// Notification is a discrete alert. Server-assigned ids are positive;
// ids assigned locally to push events awaiting REST confirmation are negative.
type Notification struct {
	ID        int64
	Type      NotificationType
	Priority  NotificationPriority
	Title     string
	Message   string
	Symbol    string
	Data      map[string]any
	IsRead    bool
	CreatedAt time.Time
}

// IsTemporary reports whether n still carries a client-assigned id.
func (n Notification) IsTemporary() bool {
	return n.ID < 0
}

// Clone returns a copy whose Data map is not shared with n.
func (n Notification) Clone() Notification {
	out := n
	if n.Data != nil {
		out.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	return out
}

// NotificationKey identifies a notification independent of its id.
type NotificationKey struct {
	Type      NotificationType
	Symbol    string
	CreatedAt int64 // unix seconds
}

// Key returns the dedup key. CreatedAt is truncated to the second because
// push payloads and REST rows format timestamps with different precision.
func (n Notification) Key() NotificationKey {
	return NotificationKey{
		Type:      n.Type,
		Symbol:    n.Symbol,
		CreatedAt: n.CreatedAt.Unix(),
	}
}

// NotificationFilter narrows a notification listing.
type NotificationFilter struct {
	UnreadOnly bool
	Type       NotificationType
	Priority   NotificationPriority
	Limit      int
}

// Match reports whether n passes the filter (Limit is ignored).
func (f NotificationFilter) Match(n Notification) bool {
	if f.UnreadOnly && n.IsRead {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Priority != "" && n.Priority != f.Priority {
		return false
	}
	return true
}
