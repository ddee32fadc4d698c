package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/builder/flat"
	"remote-index-builder/internal/config"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
	"remote-index-builder/internal/jobs"
	"remote-index-builder/internal/resources"
	"remote-index-builder/internal/storage"
)

// LoadConfig parses the -env flag and loads the configuration, exiting on
// error.
func LoadConfig() *config.Config {
	var envPath string

	flag.StringVar(&envPath, "env", "", "path to load env from")
	flag.Parse()

	if envPath == "" {
		log.Printf("no env file specified, using os.Environ only")
	} else {
		log.Printf("loading env from file %s", envPath)
	}

	cfg, err := config.Load(envPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	return cfg
}

func NewObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	s3cfg := storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PartSize:        cfg.UploadPartSize,
	}

	switch cfg.Provider {
	case config.ProviderS3:
		return storage.NewS3ObjectStore(s3cfg)
	case config.ProviderMinio:
		return storage.NewMinioObjectStore(s3cfg, cfg.MinioUseSSL)
	case config.ProviderLocal:
		return storage.NewLocalObjectStore(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unsupported storage provider '%s'", cfg.Provider)
	}
}

func engines() []builder.Engine {
	return []builder.Engine{flat.New()}
}

// DiscoverCapacity probes the device and host. A device that already has
// memory in use leaves the store in a failed state so no job is accepted.
func DiscoverCapacity(ctx context.Context, cfg config.ResourceConfig) (resources.Capacity, error) {
	return resources.Discover(ctx, resources.DiscoverOptions{
		GpuMemoryOverride:  cfg.GpuMemoryBytes,
		HostMemoryOverride: cfg.HostMemoryBytes,
		HostMemoryFraction: cfg.HostMemoryFraction,
		UsedTolerance:      cfg.GpuStartupUsedTolerance,
		Device:             resources.NvidiaSMIProbe,
		Host:               resources.SystemMemoryProbe,
	})
}

// NewRegistry wires the object store, resource store, loader, adapter and
// controller into a job registry, and starts its retention sweeper.
func NewRegistry(ctx context.Context, cfg *config.Config, objects storage.ObjectStore) (*jobs.Registry, *jobs.Sweeper, error) {
	capacity, err := DiscoverCapacity(ctx, cfg.Resources)
	if err != nil && !errors.Is(err, resources.ErrDeviceInUse) {
		return nil, nil, fmt.Errorf("error discovering capacity: %w", err)
	}

	policy := resources.Policy(cfg.Resources.Policy)
	store := resources.NewStore(capacity, policy)
	if err != nil {
		store.MarkFailed(err)
	}
	slog.Info("resource capacity discovered", "gpu_bytes", capacity.GpuBytes, "host_bytes", capacity.HostBytes, "policy", policy)

	adapter, err := builder.NewAdapter(cfg.Jobs.ScratchDir, engines()...)
	if err != nil {
		return nil, nil, err
	}

	retry := storage.RetryPolicy{
		MaxAttempts: cfg.Storage.RetryAttempts,
		Base:        cfg.Storage.RetryBase,
		MaxInterval: cfg.Storage.RetryMaxInterval,
	}
	gateway := storage.NewGateway(objects, retry, cfg.Storage.BandwidthBytes)

	estimator := jobs.Estimator{
		GpuOverhead:  cfg.Resources.GpuOverheadFactor,
		HostOverhead: cfg.Resources.HostOverheadFactor,
	}
	controller := jobs.NewController(dataset.NewLoader(gateway), adapter, gateway, store, estimator)

	registry := jobs.NewRegistry(controller, jobs.RegistryConfig{
		Policy:        policy,
		MaxConcurrent: cfg.Jobs.MaxConcurrentJobs,
		MaxQueued:     cfg.Jobs.MaxQueuedJobs,
		Retention:     cfg.Jobs.Retention,
		EvictOnRead:   cfg.Jobs.EvictOnRead,
		ParseOptions: types.ParseOptions{
			RepositoryTypes:          []string{config.ProviderS3, cfg.Storage.Provider},
			DefaultSerializationMode: types.SerializationMode(cfg.Jobs.SerializationMode),
			DefaultEngine:            cfg.Jobs.Engine,
			Engines:                  adapter.Engines(),
			MaxVectorBlobBytes:       cfg.Jobs.MaxVectorBlobBytes,
		},
	})

	sweeper, err := jobs.NewSweeper(registry, cfg.Jobs.RetentionSweepSchedule)
	if err != nil {
		return nil, nil, err
	}
	sweeper.Start()

	return registry, sweeper, nil
}
