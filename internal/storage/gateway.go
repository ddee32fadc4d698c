package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Source is something that can be uploaded more than once, as retries need a
// fresh reader per attempt.
type Source interface {
	Open() (io.ReadCloser, error)
	Size() int64
}

type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesSource) Size() int64 {
	return int64(len(b))
}

// TransferError is returned by Gateway once an operation has failed for good.
type TransferError struct {
	Op       string
	Bucket   string
	Key      string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s/%s failed after %d attempt(s): %v", e.Op, e.Bucket, e.Key, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// permanent is implemented by errors from outside this package that must
// never be retried, such as a blob that does not fit its destination buffer.
type permanent interface {
	Permanent() bool
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var perm permanent
	switch {
	case err == nil:
		return false
	case errors.As(err, &perm) && perm.Permanent():
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccessDenied):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Gateway wraps an ObjectStore with bounded retries for transient failures,
// optional bandwidth throttling, and upload confirmation.
type Gateway struct {
	store   ObjectStore
	retry   RetryPolicy
	limiter *rate.Limiter
}

func NewGateway(store ObjectStore, retry RetryPolicy, bytesPerSecond int64) *Gateway {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	g := &Gateway{store: store, retry: retry}
	if bytesPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), throttleBurst(bytesPerSecond))
	}
	return g
}

func (g *Gateway) Store() ObjectStore {
	return g.store
}

func (g *Gateway) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.Base
	b.MaxInterval = g.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.retry.MaxAttempts-1)), ctx)
}

func (g *Gateway) do(ctx context.Context, op, bucket, key string, fn func() error) error {
	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			err := fn()
			if err != nil && !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		g.newBackOff(ctx),
		func(err error, delay time.Duration) {
			slog.Warn("retrying object store operation", "op", op, "bucket", bucket, "key", key, "attempt", attempts, "delay", delay, "error", err)
		},
	)
	if err != nil {
		return &TransferError{Op: op, Bucket: bucket, Key: key, Attempts: attempts, Err: err}
	}
	return nil
}

func (g *Gateway) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := g.do(ctx, "stat", bucket, key, func() error {
		var err error
		info, err = g.store.StatObject(ctx, bucket, key)
		return err
	})
	return info, err
}

// Download streams the object into w. A retried attempt rewrites w from
// offset 0, so w never holds more than one copy of the object.
func (g *Gateway) Download(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	if g.limiter != nil {
		w = &throttledWriterAt{ctx: ctx, w: w, limiter: g.limiter}
	}

	var n int64
	start := time.Now()
	err := g.do(ctx, "download", bucket, key, func() error {
		var err error
		n, err = g.store.GetObject(ctx, bucket, key, w)
		return err
	})
	if err != nil {
		return n, err
	}
	slog.Info("object downloaded", "bucket", bucket, "key", key, "bytes", n, "duration", time.Since(start))
	return n, nil
}

// Upload writes src to bucket/key and confirms that the stored object has the
// expected size before returning.
func (g *Gateway) Upload(ctx context.Context, bucket, key string, src Source) error {
	start := time.Now()
	err := g.do(ctx, "upload", bucket, key, func() error {
		r, err := src.Open()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error opening upload source: %w", err))
		}
		defer r.Close()

		var body io.Reader = r
		if g.limiter != nil {
			body = &throttledReader{ctx: ctx, r: r, limiter: g.limiter}
		}

		if err := g.store.PutObject(ctx, bucket, key, body, src.Size()); err != nil {
			return err
		}
		return g.confirm(ctx, bucket, key, src.Size())
	})
	if err != nil {
		if errors.Is(err, ErrUploadUnconfirmed) {
			g.discard(ctx, bucket, key)
		}
		return err
	}
	slog.Info("upload confirmed", "bucket", bucket, "key", key, "bytes", src.Size(), "duration", time.Since(start))
	return nil
}

func (g *Gateway) confirm(ctx context.Context, bucket, key string, size int64) error {
	info, err := g.store.StatObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: object %s/%s missing after upload", ErrUploadUnconfirmed, bucket, key)
		}
		return err
	}
	if info.Size != size {
		return fmt.Errorf("%w: object %s/%s has %d bytes, expected %d", ErrUploadUnconfirmed, bucket, key, info.Size, size)
	}
	return nil
}

// discard removes an object whose upload could not be confirmed so no truncated
// artifact is left at the output key.
func (g *Gateway) discard(ctx context.Context, bucket, key string) {
	if err := g.store.DeleteObject(context.WithoutCancel(ctx), bucket, key); err != nil {
		slog.Error("error removing unconfirmed upload", "bucket", bucket, "key", key, "error", err)
		return
	}
	slog.Warn("removed unconfirmed upload", "bucket", bucket, "key", key)
}
