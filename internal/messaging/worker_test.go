package messaging

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/builder/flat"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
	"remote-index-builder/internal/jobs"
	"remote-index-builder/internal/resources"
	"remote-index-builder/internal/storage"
	"remote-index-builder/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "vectors"

func newTestRegistry(t *testing.T, objects storage.ObjectStore, capacity resources.Capacity) *jobs.Registry {
	t.Helper()

	adapter, err := builder.NewAdapter(t.TempDir(), flat.New())
	require.NoError(t, err)

	gateway := storage.NewGateway(objects, storage.RetryPolicy{MaxAttempts: 1, Base: time.Millisecond, MaxInterval: time.Millisecond}, 0)
	store := resources.NewStore(capacity, resources.PolicyReject)
	controller := jobs.NewController(dataset.NewLoader(gateway), adapter, gateway, store, jobs.DefaultEstimator())
	registry := jobs.NewRegistry(controller, jobs.RegistryConfig{
		Policy:        resources.PolicyReject,
		MaxConcurrent: 1,
		Retention:     time.Hour,
		ParseOptions: types.ParseOptions{
			RepositoryTypes:          []string{"s3"},
			DefaultSerializationMode: types.SerializeMemory,
			DefaultEngine:            "flat",
		},
	})
	t.Cleanup(func() {
		registry.Close(context.Background()) //nolint:errcheck
	})
	return registry
}

func putDataset(objects *storage.MemoryObjectStore, prefix string, dimension, count int) api.BuildRequest {
	vectors, ids := dataset.Synthetic(dimension, count, types.DataTypeFloat, 3)
	objects.Set(bucket, prefix+".knnvec", vectors)
	objects.Set(bucket, prefix+".knndid", ids)
	return api.BuildRequest{
		RepositoryType: "s3",
		ContainerName:  bucket,
		VectorPath:     prefix + ".knnvec",
		DocIdPath:      prefix + ".knndid",
		Dimension:      api.Numeric(strconv.Itoa(dimension)),
		DocCount:       api.Numeric(strconv.Itoa(count)),
	}
}

func startWorker(t *testing.T, registry *jobs.Registry, queue *InMemoryQueue) {
	t.Helper()

	worker := NewWorker(registry, queue, queue)
	worker.BackoffDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func nextResult(t *testing.T, queue *InMemoryQueue) api.BuildResultPayload {
	t.Helper()
	select {
	case task := <-queue.Results():
		var result api.BuildResultPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &result))
		require.NoError(t, task.Ack())
		return result
	case <-time.After(10 * time.Second):
		t.Fatal("no build result published")
		return api.BuildResultPayload{}
	}
}

func TestWorkerBuildsAndPublishesResult(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	queue := NewInMemoryQueue()
	startWorker(t, newTestRegistry(t, objects, resources.Capacity{GpuBytes: 1 << 30, HostBytes: 1 << 30}), queue)

	req := putDataset(objects, "segments/a", 16, 50)
	require.NoError(t, queue.PublishBuildTask(context.Background(), api.BuildTaskPayload{Request: req}))

	result := nextResult(t, queue)
	assert.Equal(t, api.TaskCompleted, result.Status)
	assert.Equal(t, "segments/a.flat", result.IndexPath)
	assert.Nil(t, result.Error)
	assert.NotEmpty(t, result.JobId)

	_, ok := objects.Object(bucket, "segments/a.flat")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		acked, _, _ := queue.Settled()
		return acked == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPublishesFailures(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	queue := NewInMemoryQueue()
	startWorker(t, newTestRegistry(t, objects, resources.Capacity{GpuBytes: 1 << 30, HostBytes: 1 << 30}), queue)

	req := putDataset(objects, "segments/a", 16, 50)
	req.DocCount = "0"
	require.NoError(t, queue.PublishBuildTask(context.Background(), api.BuildTaskPayload{Request: req}))

	result := nextResult(t, queue)
	assert.Equal(t, api.TaskFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(jobs.KindValidation), result.Error.Kind)

	req = putDataset(objects, "segments/b", 16, 50)
	req.VectorPath = "segments/missing.knnvec"
	require.NoError(t, queue.PublishBuildTask(context.Background(), api.BuildTaskPayload{Request: req}))

	result = nextResult(t, queue)
	assert.Equal(t, api.TaskFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(jobs.KindDownload), result.Error.Kind)
}

func TestWorkerRejectsMalformedTask(t *testing.T) {
	queue := NewInMemoryQueue()
	startWorker(t, newTestRegistry(t, storage.NewMemoryObjectStore(), resources.Capacity{GpuBytes: 1 << 30, HostBytes: 1 << 30}), queue)

	queue.PublishRaw(DefaultBuildQueue, []byte("{not json"))

	require.Eventually(t, func() bool {
		_, _, rejected := queue.Settled()
		return rejected == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerRequeuesOnCapacity(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	queue := NewInMemoryQueue()
	startWorker(t, newTestRegistry(t, objects, resources.Capacity{GpuBytes: 1024, HostBytes: 1 << 30}), queue)

	req := putDataset(objects, "segments/a", 16, 50)
	require.NoError(t, queue.PublishBuildTask(context.Background(), api.BuildTaskPayload{Request: req}))

	require.Eventually(t, func() bool {
		_, nacked, _ := queue.Settled()
		return nacked >= 2
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-queue.Results():
		t.Fatal("capacity failures should not publish a result")
	default:
	}
}
