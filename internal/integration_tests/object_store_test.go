package integrationtests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"remote-index-builder/internal/builder/flat"
	"remote-index-builder/internal/storage"
	pkgapi "remote-index-builder/pkg/api"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBuildRoundTrip(t *testing.T, objects storage.ObjectStore) {
	ctx := context.Background()
	require.NoError(t, objects.CreateBucket(ctx, vectorBucket))

	registry := newRegistry(t, objects)
	c := startServer(t, registry)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	req := uploadDataset(t, objects, "segments/seg_1", 64, 500)
	res, err := c.Build(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.JobId)

	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	status, err := c.WaitForCompletion(waitCtx, res.JobId, 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, status.Error, "build failed: %s", status.ErrorMessage)
	assert.Equal(t, pkgapi.TaskCompleted, status.TaskStatus)
	assert.Equal(t, "segments/seg_1.flat", status.FileName)

	buf := manager.NewWriteAtBuffer(nil)
	_, err = objects.GetObject(ctx, vectorBucket, status.FileName, buf)
	require.NoError(t, err)
	contents, err := flat.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), contents.Header.Count)
	assert.Equal(t, uint32(64), contents.Header.Dimension)
	assert.Len(t, contents.DocIds, 500)

	// A request pointing at a missing blob fails during download.
	req.VectorPath = "segments/missing.knnvec"
	res, err = c.Build(ctx, req)
	require.NoError(t, err)
	status, err = c.WaitForCompletion(waitCtx, res.JobId, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, status.Error)
	assert.Equal(t, "DownloadError", status.Error.Kind)
	assert.Equal(t, pkgapi.TaskFailed, status.TaskStatus)
}

func TestBuildWithS3ObjectStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	endpoint := setupMinioContainer(t, context.Background())
	objects, err := storage.NewS3ObjectStore(s3Config("http://" + endpoint))
	require.NoError(t, err)

	runBuildRoundTrip(t, objects)
}

func TestBuildWithMinioObjectStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	endpoint := setupMinioContainer(t, context.Background())
	objects, err := storage.NewMinioObjectStore(s3Config(endpoint), false)
	require.NoError(t, err)

	runBuildRoundTrip(t, objects)
}
