package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
	"github.com/uszkair/coin-signals-ai-sub000/internal/server/view"
)

// ArchiveBrowser lists and reads notification archives in object storage.
type ArchiveBrowser interface {
	ListArchives(ctx context.Context) ([]domain.BlobInfo, error)
	LoadArchive(ctx context.Context, key string) ([]domain.Notification, error)
}

// ArchiveHandler serves archived notifications and the audit log. Every
// dependency is optional; missing ones answer 503.
type ArchiveHandler struct {
	blobs  ArchiveBrowser
	index  domain.ArchiveIndexStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs ArchiveBrowser, index domain.ArchiveIndexStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		index:  index,
		audit:  audit,
		logger: logger.With(slog.String("handler", "archives")),
	}
}

type archiveObject struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives lists archive objects, newest first.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}
	infos, err := h.blobs.ListArchives(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	out := make([]archiveObject, 0, len(infos))
	for _, i := range infos {
		out = append(out, archiveObject{Path: i.Path, Size: i.Size, LastModified: i.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive returns the notifications stored in one archive.
// GET /api/archives/{key...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}
	key := r.PathValue("key")
	items, err := h.blobs.LoadArchive(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "load archive failed", slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to load archive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":          key,
		"notifications": view.FromNotifications(items),
	})
}

type archiveRecordResponse struct {
	Path      string    `json:"path"`
	Count     int       `json:"count"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
	CreatedAt time.Time `json:"created_at"`
}

// ListIndex lists the archive index kept in Postgres.
// GET /api/archives/index
func (h *ArchiveHandler) ListIndex(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "archive index is not configured")
		return
	}
	recs, err := h.index.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archive index failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list archive index")
		return
	}
	out := make([]archiveRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, archiveRecordResponse{
			Path:      rec.Path,
			Count:     rec.Count,
			Oldest:    rec.Oldest,
			Newest:    rec.Newest,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit lists audit log entries, newest first.
// GET /api/audit?event=&limit=&offset=&since=
func (h *ArchiveHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log is not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
