package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter stores evidence documents and archive files. URI returns the
// durable reference recorded on a bet for path.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	URI(path string) string
}

// BlobReader reads back stored objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports bets resolved before a cutoff to cold storage and
// reports how many it wrote.
type Archiver interface {
	ArchiveBets(ctx context.Context, before time.Time) (int64, error)
}
