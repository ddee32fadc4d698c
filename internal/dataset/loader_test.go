package dataset

import (
	"context"
	"math"
	"testing"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "vectors"

func testRequest(dimension, count int) types.BuildRequest {
	return types.BuildRequest{
		RepositoryType: "s3",
		ContainerName:  bucket,
		VectorPath:     "seg.knnvec",
		DocIdPath:      "seg.knndid",
		Dimension:      dimension,
		DocCount:       count,
		DataType:       types.DataTypeFloat,
	}
}

func setupLoader(t *testing.T, vectors, ids []byte) (*Loader, *storage.MemoryObjectStore) {
	t.Helper()
	store := storage.NewMemoryObjectStore()
	store.Set(bucket, "seg.knnvec", vectors)
	store.Set(bucket, "seg.knndid", ids)
	gw := storage.NewGateway(store, storage.RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, MaxInterval: time.Millisecond}, 0)
	return NewLoader(gw), store
}

func TestLoad(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	loader, _ := setupLoader(t, EncodeFloat32(values), EncodeDocIds([]int64{10, 20, 30}))

	req := testRequest(2, 3)
	require.NoError(t, loader.Preflight(context.Background(), req))

	ds, err := loader.Load(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, ds.Count)
	assert.Equal(t, []int64{10, 20, 30}, ds.DocIds())
	floats, err := ds.Float32Vectors()
	require.NoError(t, err)
	assert.Equal(t, values, floats)
	assert.Equal(t, EncodeFloat32([]float32{3, 4}), ds.Vector(1))
	assert.EqualValues(t, 6*4+3*8, ds.SizeBytes())

	ds.Release()
	assert.Nil(t, ds.RawVectors())
}

func TestPreflightShapeMismatch(t *testing.T) {
	vectors, ids := Synthetic(4, 10, types.DataTypeFloat, 1)
	loader, _ := setupLoader(t, vectors, ids)

	err := loader.Preflight(context.Background(), testRequest(8, 10))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dimension", verr.Field)

	err = loader.Preflight(context.Background(), testRequest(2, 20))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "doc_count", verr.Field)
}

func TestPreflightMissingBlob(t *testing.T) {
	loader, store := setupLoader(t, nil, nil)
	require.NoError(t, store.DeleteObject(context.Background(), bucket, "seg.knndid"))

	err := loader.Preflight(context.Background(), testRequest(2, 1))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchLargerBlobFailsWithoutRetry(t *testing.T) {
	vectors, ids := Synthetic(4, 10, types.DataTypeFloat, 1)
	loader, _ := setupLoader(t, vectors, ids)

	_, err := loader.Fetch(context.Background(), testRequest(2, 10))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)

	var terr *storage.TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Attempts)
}

func TestLoadOversizedShape(t *testing.T) {
	vectors, ids := Synthetic(4, 10, types.DataTypeFloat, 1)
	loader, _ := setupLoader(t, vectors, ids)
	req := testRequest(math.MaxInt32, math.MaxInt32)

	_, err := loader.Load(context.Background(), req)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dimension", verr.Field)

	_, err = loader.Fetch(context.Background(), req)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "doc_count", verr.Field)
}

func TestParseShortBlob(t *testing.T) {
	req := testRequest(2, 3)
	blobs := &Blobs{
		Vectors:     make([]byte, 24),
		VectorBytes: 16,
		DocIds:      make([]byte, 24),
		DocIdBytes:  24,
	}

	_, err := Parse(req, blobs)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dimension", verr.Field)
}

func TestSyntheticSizes(t *testing.T) {
	vectors, ids := Synthetic(128, 1000, types.DataTypeFloat, 42)
	assert.Len(t, vectors, 1000*128*4)
	assert.Len(t, ids, 1000*8)

	vectors, _ = Synthetic(64, 10, types.DataTypeBinary, 42)
	assert.Len(t, vectors, 10*8)
}

func TestFloat32VectorsRejectsOtherTypes(t *testing.T) {
	ds, err := New(4, types.DataTypeByte, make([]byte, 8), []int64{1, 2})
	require.NoError(t, err)
	_, err = ds.Float32Vectors()
	assert.Error(t, err)
}
