package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine fails or panics at a chosen stage.
type fakeEngine struct {
	failAt  Stage
	panicAt Stage
	closed  int
	payload []byte
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Train(ctx context.Context, ds *dataset.Dataset, params types.IndexParameters) (Index, error) {
	if e.panicAt == StageTraining {
		panic("cuda error: illegal memory access")
	}
	if e.failAt == StageTraining {
		return nil, errors.New("out of memory")
	}
	return &fakeIndex{engine: e}, nil
}

type fakeIndex struct {
	engine *fakeEngine
}

func (i *fakeIndex) Add(ctx context.Context, ds *dataset.Dataset) error {
	if i.engine.panicAt == StageAdd {
		panic("add panicked")
	}
	if i.engine.failAt == StageAdd {
		return errors.New("invalid graph degree")
	}
	return nil
}

func (i *fakeIndex) WriteTo(w io.Writer) (int64, error) {
	if i.engine.failAt == StageSerialize {
		n, _ := w.Write([]byte("partial"))
		return int64(n), errors.New("disk full")
	}
	n, err := w.Write(i.engine.payload)
	return int64(n), err
}

func (i *fakeIndex) Close() error {
	i.engine.closed++
	return nil
}

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(2, types.DataTypeFloat, dataset.EncodeFloat32([]float32{1, 2, 3, 4}), []int64{1, 2})
	require.NoError(t, err)
	return ds
}

func testRequest(mode types.SerializationMode) types.BuildRequest {
	return types.BuildRequest{
		Dimension:         2,
		DocCount:          2,
		DataType:          types.DataTypeFloat,
		Engine:            "fake",
		SerializationMode: mode,
		Params:            types.DefaultIndexParameters(),
	}
}

func readAll(t *testing.T, a Artifact) []byte {
	t.Helper()
	r, err := a.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildMemory(t *testing.T) {
	engine := &fakeEngine{payload: []byte("index-bytes")}
	scratch := t.TempDir()
	adapter, err := NewAdapter(scratch, engine)
	require.NoError(t, err)

	artifact, err := adapter.build(context.Background(), "job-1", testDataset(t), testRequest(types.SerializeMemory))
	require.NoError(t, err)

	assert.Equal(t, types.SerializeMemory, artifact.Mode())
	assert.EqualValues(t, 11, artifact.Size())
	assert.Equal(t, []byte("index-bytes"), readAll(t, artifact))
	assert.Equal(t, 1, engine.closed)
	requireEmptyDir(t, scratch)
}

func TestBuildDisk(t *testing.T) {
	engine := &fakeEngine{payload: []byte("index-bytes")}
	scratch := t.TempDir()
	adapter, err := NewAdapter(scratch, engine)
	require.NoError(t, err)

	artifact, err := adapter.build(context.Background(), "job-1", testDataset(t), testRequest(types.SerializeDisk))
	require.NoError(t, err)

	assert.Equal(t, types.SerializeDisk, artifact.Mode())
	assert.Equal(t, []byte("index-bytes"), readAll(t, artifact))
	assert.FileExists(t, artifact.(*fileArtifact).Path())

	require.NoError(t, artifact.Cleanup())
	require.NoError(t, artifact.Cleanup())
	requireEmptyDir(t, scratch)
}

func TestBuildErrorsAreTagged(t *testing.T) {
	for _, stage := range []Stage{StageTraining, StageAdd, StageSerialize} {
		t.Run(string(stage), func(t *testing.T) {
			engine := &fakeEngine{failAt: stage}
			scratch := t.TempDir()
			adapter, err := NewAdapter(scratch, engine)
			require.NoError(t, err)

			_, err = adapter.build(context.Background(), "job-1", testDataset(t), testRequest(types.SerializeDisk))
			var berr *BuildError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, stage, berr.Stage)
			assert.Equal(t, "fake", berr.Engine)

			if stage != StageTraining {
				assert.Equal(t, 1, engine.closed)
			}
			requireEmptyDir(t, scratch)
		})
	}
}

func TestBuildPanicsAreContained(t *testing.T) {
	for _, stage := range []Stage{StageTraining, StageAdd} {
		t.Run(string(stage), func(t *testing.T) {
			engine := &fakeEngine{panicAt: stage}
			adapter, err := NewAdapter(t.TempDir(), engine)
			require.NoError(t, err)

			_, err = adapter.build(context.Background(), "job-1", testDataset(t), testRequest(types.SerializeMemory))
			var berr *BuildError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, stage, berr.Stage)

			var perr *PanicError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestBuildUnknownEngine(t *testing.T) {
	adapter, err := NewAdapter(t.TempDir(), &fakeEngine{})
	require.NoError(t, err)

	req := testRequest(types.SerializeMemory)
	req.Engine = "faiss"
	_, err = adapter.build(context.Background(), "job-1", testDataset(t), req)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"fake"}, adapter.Engines())
}
