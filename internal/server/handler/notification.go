package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
	"github.com/uszkair/coin-signals-ai-sub000/internal/service"
)

// NotificationReader reads the notification store.
type NotificationReader interface {
	List(filter domain.NotificationFilter) []domain.Notification
	UnreadCount() int
}

// NotificationActions performs user actions against the store and backend.
type NotificationActions interface {
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) (int, error)
	Delete(ctx context.Context, id int64) error
	DeleteAllRead(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, days int) (service.CleanupResult, error)
}

// NotificationHandler serves the notification list and user actions.
type NotificationHandler struct {
	store   NotificationReader
	actions NotificationActions
	logger  *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(store NotificationReader, actions NotificationActions, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		store:   store,
		actions: actions,
		logger:  logger.With(slog.String("handler", "notifications")),
	}
}

// ListNotifications returns the newest notifications.
// GET /api/notifications?unread_only=&type=&priority=&limit=
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.NotificationFilter{
		Type:     domain.NotificationType(q.Get("type")),
		Priority: domain.NotificationPriority(q.Get("priority")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown notification type "+string(filter.Type))
		return
	}
	filter.UnreadOnly, _ = strconv.ParseBool(q.Get("unread_only"))
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	}

	list := h.store.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": view.FromNotifications(list),
		"unread_count":  h.store.UnreadCount(),
	})
}

// MarkRead marks one notification read.
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := h.actions.MarkRead(r.Context(), id); err != nil {
		h.fail(w, r, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "unread_count": h.store.UnreadCount()})
}

// MarkAllRead marks every notification read.
// POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.actions.MarkAllRead(r.Context())
	if err != nil {
		h.fail(w, r, "mark all read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": n, "unread_count": h.store.UnreadCount()})
}

// DeleteNotification deletes one notification.
// DELETE /api/notifications/{id}
func (h *NotificationHandler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := h.actions.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRead deletes every read notification.
// DELETE /api/notifications/read
func (h *NotificationHandler) DeleteRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.actions.DeleteAllRead(r.Context())
	if err != nil {
		h.fail(w, r, "delete read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// Cleanup deletes notifications older than days (default 30).
// DELETE /api/notifications/cleanup?days=
func (h *NotificationHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}
	res, err := h.actions.Cleanup(r.Context(), days)
	if err != nil {
		h.fail(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *NotificationHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}
