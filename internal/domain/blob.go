package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes one stored archive object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter stores archive objects. Large archives go through PutMultipart.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads archive objects back. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// NotificationArchiver moves notifications dropped by age-based cleanup to
// cold storage and returns the path they were written to.
type NotificationArchiver interface {
	ArchiveNotifications(ctx context.Context, items []Notification) (string, error)
}
