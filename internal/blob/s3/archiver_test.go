package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

type memBlob struct {
	objects    map[string][]byte
	types      map[string]string
	multiparts int
	putErr     error
	modified   map[string]time.Time
}

func newMemBlob() *memBlob {
	return &memBlob{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		modified: make(map[string]time.Time),
	}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multiparts++
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v)), LastModified: m.modified[k]})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestArchiveNotificationsWritesJSONL(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, blob, "")
	a.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }

	t0 := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	items := []domain.Notification{
		{ID: 2, Type: domain.NotificationPositionClosed, Priority: domain.PriorityHigh, Title: "closed", Symbol: "ETHUSDT", CreatedAt: t0.Add(time.Hour)},
		{ID: 1, Type: domain.NotificationNewPosition, Priority: domain.PriorityMedium, Title: "opened", Symbol: "BTCUSDT", IsRead: true, CreatedAt: t0},
	}

	key, err := a.ArchiveNotifications(context.Background(), items)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "notifications/2026/10/15/"))
	assert.True(t, strings.HasSuffix(key, ".jsonl"))
	assert.Equal(t, jsonlContentType, blob.types[key])
	assert.Zero(t, blob.multiparts)

	lines := strings.Split(strings.TrimSpace(string(blob.objects[key])), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":1`)
	assert.Contains(t, lines[1], `"id":2`)

	loaded, err := a.LoadArchive(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(1), loaded[0].ID)
	assert.True(t, loaded[0].IsRead)
	assert.Equal(t, "BTCUSDT", loaded[0].Symbol)
	assert.True(t, loaded[0].CreatedAt.Equal(t0))
}

func TestArchiveNotificationsEmpty(t *testing.T) {
	blob := newMemBlob()
	key, err := NewArchiver(blob, nil, "x").ArchiveNotifications(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, blob.objects)
}

func TestArchiveNotificationsUploadError(t *testing.T) {
	blob := newMemBlob()
	blob.putErr = errors.New("boom")
	_, err := NewArchiver(blob, nil, "").ArchiveNotifications(context.Background(), []domain.Notification{{ID: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3blob: archive upload")
}

func TestListArchivesNewestFirst(t *testing.T) {
	blob := newMemBlob()
	now := time.Now()
	blob.objects["archive/a.jsonl"] = []byte("{}\n")
	blob.objects["archive/b.jsonl"] = []byte("{}\n")
	blob.objects["other/c.jsonl"] = []byte("{}\n")
	blob.modified["archive/a.jsonl"] = now.Add(-time.Hour)
	blob.modified["archive/b.jsonl"] = now

	infos, err := NewArchiver(blob, blob, "/archive/").ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "archive/b.jsonl", infos[0].Path)
	assert.Equal(t, "archive/a.jsonl", infos[1].Path)
}

func TestLoadArchiveMissing(t *testing.T) {
	blob := newMemBlob()
	_, err := NewArchiver(blob, blob, "").LoadArchive(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://minio.local", endpointURL("minio.local", true))
	assert.Equal(t, "http://minio.local:9000", endpointURL("minio.local:9000", false))
	assert.Equal(t, "http://s3.local", endpointURL("http://s3.local", true))
	assert.Empty(t, endpointURL("", true))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
	assert.Contains(t, err.Error(), "region is required")
}
