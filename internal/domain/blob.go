package domain

import (
	"context"
	"io"
	"time"
)

// ArchiveObject is one encoded archive of level event records for a single
// symbol, ready for upload.
type ArchiveObject struct {
	Key         string
	Body        []byte
	ContentType string

	Symbol  string
	Records int
	// From and To are the exchange times of the first and last record.
	From time.Time
	To   time.Time
}

// ArchiveInfo describes a stored archive object.
type ArchiveInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores archive objects.
type BlobWriter interface {
	PutArchive(ctx context.Context, obj ArchiveObject) error
}

// BlobReader lists and downloads archive objects. Get returns ErrNotFound
// for a missing key.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ArchiveInfo, error)
}

// EventArchiver ships reconstructed level events to cold storage. Append
// must not block on storage; Flush uploads everything buffered and returns
// the written object paths.
type EventArchiver interface {
	Append(records []EventRecord)
	Flush(ctx context.Context) ([]string, error)
}
