package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
	// ErrUploadUnconfirmed means the object read back after an upload does
	// not match what was sent.
	ErrUploadUnconfirmed = errors.New("upload could not be confirmed")
)

type ObjectInfo struct {
	Bucket string
	Key    string
	Size   int64
}

// ObjectStore is the narrow blob interface the builder consumes. Providers map
// their missing-object and permission errors to ErrNotFound and
// ErrAccessDenied so callers can tell permanent failures from transient ones.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// GetObject writes the object into w starting at offset 0 and returns the
	// number of bytes written.
	GetObject(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64) error

	DeleteObject(ctx context.Context, bucket, key string) error
}
