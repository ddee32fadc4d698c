package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore keeps objects as files under baseDir/bucket/key.
type LocalObjectStore struct {
	baseDir string
}

var _ ObjectStore = (*LocalObjectStore)(nil)

func NewLocalObjectStore(dir string) (*LocalObjectStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) fullpath(bucket, key string) (string, error) {
	path := filepath.Join(s.baseDir, bucket, key)
	if !strings.HasPrefix(path, filepath.Join(s.baseDir, bucket)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key '%s' escapes bucket '%s'", ErrAccessDenied, key, bucket)
	}
	return path, nil
}

func mapFsError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return err
}

func (s *LocalObjectStore) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(s.baseDir, bucket), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create bucket %s/%s: %w", s.baseDir, bucket, err)
	}
	return nil
}

func (s *LocalObjectStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	path, err := s.fullpath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat %s/%s: %w", bucket, key, mapFsError(err))
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s/%s is a directory", ErrNotFound, bucket, key)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size()}, nil
}

func (s *LocalObjectStore) GetObject(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	path, err := s.fullpath(bucket, key)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s/%s: %w", bucket, key, mapFsError(err))
	}
	defer file.Close()

	n, err := io.Copy(io.NewOffsetWriter(w, 0), file)
	if err != nil {
		return n, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

// PutObject writes to a temporary file and renames it into place so readers
// never observe a partial object.
func (s *LocalObjectStore) PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64) error {
	path, err := s.fullpath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", bucket, key, mapFsError(err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file for %s/%s: %w", bucket, key, mapFsError(err))
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *LocalObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	path, err := s.fullpath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}
