package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioObjectStore struct {
	client   *minio.Client
	partSize uint64
}

var _ ObjectStore = (*MinioObjectStore)(nil)

// NewMinioObjectStore connects to a MinIO (or other S3-compatible) endpoint.
// The endpoint may be given with or without a scheme.
func NewMinioObjectStore(cfg S3ClientConfig, useSSL bool) (*MinioObjectStore, error) {
	endpoint := cfg.Endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	partSize := uint64(defaultPartSize)
	if cfg.PartSize > 0 {
		partSize = uint64(cfg.PartSize)
	}

	return &MinioObjectStore{client: client, partSize: partSize}, nil
}

func mapMinioError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return err
}

func (s *MinioObjectStore) CreateBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, mapMinioError(err))
	}
	if exists {
		slog.Info("Bucket already exists", "bucket", bucket)
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, mapMinioError(err))
	}
	slog.Info("Bucket created successfully", "bucket", bucket)
	return nil
}

func (s *MinioObjectStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, mapMinioError(err))
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size}, nil
}

func (s *MinioObjectStore) GetObject(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to download object %s/%s: %w", bucket, key, mapMinioError(err))
	}
	defer obj.Close()

	n, err := io.Copy(io.NewOffsetWriter(w, 0), obj)
	if err != nil {
		return n, fmt.Errorf("failed to download object %s/%s: %w", bucket, key, mapMinioError(err))
	}
	slog.Debug("Object downloaded successfully", "bucket", bucket, "key", key, "bytes", n)
	return n, nil
}

func (s *MinioObjectStore) PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, bucket, key, data, size, minio.PutObjectOptions{
		PartSize: s.partSize,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s/%s: %w", bucket, key, mapMinioError(err))
	}
	slog.Debug("Object uploaded successfully", "bucket", bucket, "key", key, "bytes", size)
	return nil
}

func (s *MinioObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, mapMinioError(err))
	}
	return nil
}
