package flat

import (
	"bytes"
	"context"
	"testing"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDataset(t *testing.T, values []float32, ids []int64, dim int) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(dim, types.DataTypeFloat, dataset.EncodeFloat32(values), ids)
	require.NoError(t, err)
	return ds
}

func TestRoundTrip(t *testing.T) {
	values := []float32{1, 0, 0, 1, 3, 4}
	ds := buildDataset(t, values, []int64{7, 8, 9}, 2)

	params := types.DefaultIndexParameters()
	idx, err := New().Train(context.Background(), ds, params)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), ds))

	var buf bytes.Buffer
	n, err := idx.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	require.NoError(t, idx.Close())

	contents, err := Decode(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, contents.Header.Dimension)
	assert.EqualValues(t, 3, contents.Header.Count)
	assert.Equal(t, []int64{7, 8, 9}, contents.DocIds)
	assert.Equal(t, dataset.EncodeFloat32(values), contents.Vectors)
	assert.Nil(t, contents.Norms)
}

func TestCosineStoresNorms(t *testing.T) {
	ds := buildDataset(t, []float32{3, 4, 0, 2}, []int64{1, 2}, 2)

	params := types.DefaultIndexParameters()
	params.SpaceType = types.SpaceCosine
	idx, err := New().Train(context.Background(), ds, params)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), ds))

	var buf bytes.Buffer
	_, err = idx.WriteTo(&buf)
	require.NoError(t, err)

	contents, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 2}, contents.Norms)
}

func TestCosineRejectsZeroVector(t *testing.T) {
	ds := buildDataset(t, []float32{0, 0}, []int64{1}, 2)

	params := types.DefaultIndexParameters()
	params.SpaceType = types.SpaceCosine
	idx, err := New().Train(context.Background(), ds, params)
	require.NoError(t, err)
	assert.ErrorContains(t, idx.Add(context.Background(), ds), "zero norm")
}

func TestBinaryVectors(t *testing.T) {
	raw := []byte{0xff, 0x00, 0x0f, 0xf0}
	ds, err := dataset.New(16, types.DataTypeBinary, raw, []int64{1, 2})
	require.NoError(t, err)

	params := types.DefaultIndexParameters()
	params.SpaceType = types.SpaceHamming
	idx, err := New().Train(context.Background(), ds, params)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), ds))

	var buf bytes.Buffer
	_, err = idx.WriteTo(&buf)
	require.NoError(t, err)

	contents, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, raw, contents.Vectors)
}

func TestWriteWithoutVectors(t *testing.T) {
	ds := buildDataset(t, []float32{1}, []int64{1}, 1)
	idx, err := New().Train(context.Background(), ds, types.DefaultIndexParameters())
	require.NoError(t, err)

	_, err = idx.WriteTo(&bytes.Buffer{})
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not zstd at all")))
	assert.Error(t, err)
}
