package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"remote-index-builder/cmd"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
	"remote-index-builder/internal/storage"
	"remote-index-builder/pkg/api"
	"remote-index-builder/pkg/client"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v2"
)

type SyntheticDataset struct {
	Name      string `yaml:"name"`
	Dimension int    `yaml:"dimension"`
	Count     int    `yaml:"count"`
	DataType  string `yaml:"data_type"`
	Seed      uint64 `yaml:"seed"`
}

type DatasetList struct {
	Bucket   string        `yaml:"bucket"`
	Datasets []SyntheticDataset `yaml:"datasets"`
}

func parseDatasetList(data []byte) (DatasetList, error) {
	var list DatasetList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return list, fmt.Errorf("error parsing dataset list: %w", err)
	}
	if list.Bucket == "" {
		return list, fmt.Errorf("dataset list must name a bucket")
	}

	for i := range list.Datasets {
		ds := &list.Datasets[i]
		if ds.Name == "" || ds.Dimension <= 0 || ds.Count <= 0 {
			return list, fmt.Errorf("dataset %d needs a name, a positive dimension and a positive count", i)
		}
		if ds.DataType == "" {
			ds.DataType = string(types.DataTypeFloat)
		}
		switch types.DataType(ds.DataType) {
		case types.DataTypeFloat, types.DataTypeByte:
		case types.DataTypeBinary:
			if ds.Dimension%8 != 0 {
				return list, fmt.Errorf("dataset %s: binary dimension must be a multiple of 8", ds.Name)
			}
		default:
			return list, fmt.Errorf("dataset %s: unsupported data type '%s'", ds.Name, ds.DataType)
		}
	}
	return list, nil
}

func (ds SyntheticDataset) request(bucket string) api.BuildRequest {
	return api.BuildRequest{
		RepositoryType: "s3",
		ContainerName:  bucket,
		VectorPath:     ds.Name + types.VectorFileExt,
		DocIdPath:      ds.Name + types.DocIdFileExt,
		Dimension:      api.Numeric(strconv.Itoa(ds.Dimension)),
		DocCount:       api.Numeric(strconv.Itoa(ds.Count)),
		DataType:       ds.DataType,
	}
}

// progressSource reports upload progress on a terminal bar.
type progressSource struct {
	data []byte
	desc string
}

func (s progressSource) Open() (io.ReadCloser, error) {
	bar := progressbar.DefaultBytes(int64(len(s.data)), s.desc)
	return io.NopCloser(io.TeeReader(bytes.NewReader(s.data), bar)), nil
}

func (s progressSource) Size() int64 {
	return int64(len(s.data))
}

func upload(ctx context.Context, gateway *storage.Gateway, bucket string, ds SyntheticDataset) error {
	vectors, ids := dataset.Synthetic(ds.Dimension, ds.Count, types.DataType(ds.DataType), ds.Seed)

	if err := gateway.Upload(ctx, bucket, ds.Name+types.VectorFileExt, progressSource{data: vectors, desc: "uploading " + ds.Name + " vectors"}); err != nil {
		return err
	}
	return gateway.Upload(ctx, bucket, ds.Name+types.DocIdFileExt, progressSource{data: ids, desc: "uploading " + ds.Name + " ids"})
}

var (
	listPath = flag.String("datasets", "datasets.yaml", "yaml file listing the datasets to generate")
	build    = flag.Bool("build", false, "submit a build for each dataset and wait for it")
	apiURL   = flag.String("api", "http://localhost:8001", "index builder api url used with -build")
)

func main() {
	cfg := cmd.LoadConfig()

	data, err := os.ReadFile(*listPath)
	if err != nil {
		log.Fatalf("error reading dataset list: %v", err)
	}
	list, err := parseDatasetList(data)
	if err != nil {
		log.Fatalf("%v", err)
	}

	objects, err := cmd.NewObjectStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	ctx := context.Background()
	if err := objects.CreateBucket(ctx, list.Bucket); err != nil {
		log.Fatalf("error creating bucket %s: %v", list.Bucket, err)
	}

	retry := storage.RetryPolicy{MaxAttempts: cfg.Storage.RetryAttempts, Base: cfg.Storage.RetryBase, MaxInterval: cfg.Storage.RetryMaxInterval}
	gateway := storage.NewGateway(objects, retry, cfg.Storage.BandwidthBytes)

	for _, ds := range list.Datasets {
		if err := upload(ctx, gateway, list.Bucket, ds); err != nil {
			log.Fatalf("error uploading dataset %s: %v", ds.Name, err)
		}
		slog.Info("dataset uploaded", "name", ds.Name, "dimension", ds.Dimension, "count", ds.Count, "data_type", ds.DataType)
	}

	if !*build {
		return
	}

	c := client.New(*apiURL)
	for _, ds := range list.Datasets {
		res, err := c.Build(ctx, ds.request(list.Bucket))
		if err != nil {
			log.Fatalf("error submitting build for %s: %v", ds.Name, err)
		}

		status, err := c.WaitForCompletion(ctx, res.JobId, time.Second)
		if err != nil {
			log.Fatalf("error waiting for build of %s: %v", ds.Name, err)
		}
		if status.Error != nil {
			slog.Error("build failed", "name", ds.Name, "job_id", res.JobId, "kind", status.Error.Kind, "stage", status.Error.Stage, "message", status.Error.Message)
			continue
		}
		slog.Info("build completed", "name", ds.Name, "job_id", res.JobId, "index", status.FileName)
	}
}
