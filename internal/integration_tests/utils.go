package integrationtests

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"remote-index-builder/internal/api"
	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/builder/flat"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
	"remote-index-builder/internal/jobs"
	"remote-index-builder/internal/resources"
	"remote-index-builder/internal/storage"
	pkgapi "remote-index-builder/pkg/api"
	"remote-index-builder/pkg/client"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUsername = "admin"
	minioPassword = "password"

	vectorBucket = "test-vector-bucket"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:3.11-management",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func s3Config(endpoint string) storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	}
}

func newRegistry(t *testing.T, objects storage.ObjectStore) *jobs.Registry {
	t.Helper()

	adapter, err := builder.NewAdapter(t.TempDir(), flat.New())
	require.NoError(t, err)

	gateway := storage.NewGateway(objects, storage.DefaultRetryPolicy(), 0)
	store := resources.NewStore(resources.Capacity{GpuBytes: 1 << 30, HostBytes: 1 << 30}, resources.PolicyReject)
	controller := jobs.NewController(dataset.NewLoader(gateway), adapter, gateway, store, jobs.DefaultEstimator())

	registry := jobs.NewRegistry(controller, jobs.RegistryConfig{
		Policy:        resources.PolicyReject,
		MaxConcurrent: 2,
		Retention:     time.Hour,
		ParseOptions: types.ParseOptions{
			RepositoryTypes:          []string{"s3"},
			DefaultSerializationMode: types.SerializeMemory,
			DefaultEngine:            "flat",
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		registry.Close(ctx) //nolint:errcheck
	})

	return registry
}

func startServer(t *testing.T, registry *jobs.Registry) *client.Client {
	t.Helper()

	r := chi.NewRouter()
	api.NewBackendService(registry, false).AddRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return client.New(server.URL)
}

// uploadDataset writes a synthetic float dataset under prefix and returns the
// matching build request.
func uploadDataset(t *testing.T, objects storage.ObjectStore, prefix string, dimension, count int) pkgapi.BuildRequest {
	t.Helper()

	vectors, ids := dataset.Synthetic(dimension, count, types.DataTypeFloat, 11)
	gateway := storage.NewGateway(objects, storage.DefaultRetryPolicy(), 0)

	ctx := context.Background()
	require.NoError(t, gateway.Upload(ctx, vectorBucket, prefix+types.VectorFileExt, storage.BytesSource(vectors)))
	require.NoError(t, gateway.Upload(ctx, vectorBucket, prefix+types.DocIdFileExt, storage.BytesSource(ids)))

	return pkgapi.BuildRequest{
		RepositoryType: "s3",
		ContainerName:  vectorBucket,
		VectorPath:     prefix + types.VectorFileExt,
		DocIdPath:      prefix + types.DocIdFileExt,
		Dimension:      pkgapi.Numeric(strconv.Itoa(dimension)),
		DocCount:       pkgapi.Numeric(strconv.Itoa(count)),
	}
}
