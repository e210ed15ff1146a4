package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// DefaultPrefix is the key prefix archives are written under.
	DefaultPrefix = "notifications"

	// multipartThreshold switches uploads above this size to multipart.
	multipartThreshold = 8 * 1024 * 1024
)

// archivedNotification is one JSONL line.
type archivedNotification struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Priority  string         `json:"priority"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Symbol    string         `json:"symbol,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Archiver writes notifications removed by cleanup to object storage as
// JSONL, one object per cleanup run:
//
//	notifications/2026/10/15/<uuid>.jsonl
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	now    func() time.Time
}

// NewArchiver creates an Archiver. reader may be nil if archives are never
// read back.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *Archiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{
		writer: writer,
		reader: reader,
		prefix: strings.Trim(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveNotifications uploads items oldest first and returns the object key.
func (a *Archiver) ArchiveNotifications(ctx context.Context, items []domain.Notification) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	sorted := make([]domain.Notification, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	buf, err := marshalJSONL(sorted)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := a.archivePath()
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return key, nil
}

// ListArchives returns the archive objects, newest first.
func (a *Archiver) ListArchives(ctx context.Context) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, nil
	}
	infos, err := a.reader.List(ctx, a.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives: %w", err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

// LoadArchive reads one archive object back into notifications.
func (a *Archiver) LoadArchive(ctx context.Context, key string) ([]domain.Notification, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: load %s: %w", key, domain.ErrNotFound)
	}
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.Notification
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec archivedNotification
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("s3blob: load %s: %w", key, err)
		}
		out = append(out, rec.toDomain())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: load %s: %w", key, err)
	}
	return out, nil
}

func (a *Archiver) archivePath() string {
	return path.Join(a.prefix, a.now().Format("2006/01/02"), uuid.NewString()+".jsonl")
}

func fromDomain(n domain.Notification) archivedNotification {
	return archivedNotification{
		ID:        n.ID,
		Type:      string(n.Type),
		Priority:  string(n.Priority),
		Title:     n.Title,
		Message:   n.Message,
		Symbol:    n.Symbol,
		Data:      n.Data,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

func (r archivedNotification) toDomain() domain.Notification {
	return domain.Notification{
		ID:        r.ID,
		Type:      domain.NotificationType(r.Type),
		Priority:  domain.NotificationPriority(r.Priority),
		Title:     r.Title,
		Message:   r.Message,
		Symbol:    r.Symbol,
		Data:      r.Data,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
	}
}

// marshalJSONL encodes each notification as one compact line.
func marshalJSONL(items []domain.Notification) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, n := range items {
		if err := enc.Encode(fromDomain(n)); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
