package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	bucket := "test-bucket"
	key := "nested/test-file.knnvec"
	content := []byte("Test content")

	err := objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, bucket, key))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	entries, err := os.ReadDir(filepath.Join(baseDir, bucket, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary upload file should be renamed into place")
}

func TestLocalObjectStore_StatAndGet(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	content := []byte("0123456789")
	require.NoError(t, objectStore.PutObject(ctx, "b", "k", bytes.NewReader(content), int64(len(content))))

	info, err := objectStore.StatObject(ctx, "b", "k")
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Size)

	buf := manager.NewWriteAtBuffer(make([]byte, 0, 10))
	n, err := objectStore.GetObject(ctx, "b", "k", buf)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	assert.Equal(t, content, buf.Bytes())
}

func TestLocalObjectStore_NotFound(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	_, err := objectStore.StatObject(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = objectStore.GetObject(ctx, "b", "missing", manager.NewWriteAtBuffer(nil))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
}

func TestLocalObjectStore_RejectsEscapingKeys(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	_, err := objectStore.StatObject(context.Background(), "b", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestLocalObjectStore_DeleteObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)
	ctx := context.Background()

	require.NoError(t, objectStore.PutObject(ctx, "b", "k", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, objectStore.DeleteObject(ctx, "b", "k"))
	require.NoError(t, objectStore.DeleteObject(ctx, "b", "k"))

	_, err := os.Stat(filepath.Join(baseDir, "b", "k"))
	assert.True(t, os.IsNotExist(err))
}
