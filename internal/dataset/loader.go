package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/storage"

	"golang.org/x/sync/errgroup"
)

type Loader struct {
	gateway *storage.Gateway
}

func NewLoader(gateway *storage.Gateway) *Loader {
	return &Loader{gateway: gateway}
}

// Blobs holds the downloaded, not yet validated, vector and doc-id data.
type Blobs struct {
	Vectors     []byte
	VectorBytes int64
	DocIds      []byte
	DocIdBytes  int64
}

func checkSize(field, key string, expected, actual int64) error {
	if actual != expected {
		return types.ValidationErrorf(field, "blob '%s' has %d bytes, expected %d", key, actual, expected)
	}
	return nil
}

// Preflight checks the remote blob sizes against the declared shape without
// downloading anything.
func (l *Loader) Preflight(ctx context.Context, req types.BuildRequest) error {
	g, ctx := errgroup.WithContext(ctx)

	var vecInfo, idInfo storage.ObjectInfo
	g.Go(func() error {
		var err error
		vecInfo, err = l.gateway.Stat(ctx, req.ContainerName, req.VectorPath)
		return err
	})
	g.Go(func() error {
		var err error
		idInfo, err = l.gateway.Stat(ctx, req.ContainerName, req.DocIdPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := checkSize("dimension", req.VectorPath, req.VectorBlobBytes(), vecInfo.Size); err != nil {
		return err
	}
	return checkSize("doc_count", req.DocIdPath, req.DocIdBlobBytes(), idInfo.Size)
}

// Fetch downloads both blobs concurrently into buffers sized from the request.
func (l *Loader) Fetch(ctx context.Context, req types.BuildRequest) (*Blobs, error) {
	if req.VectorBlobBytes() == math.MaxInt64 {
		return nil, types.ValidationErrorf("doc_count", "%d vectors of dimension %d are too large to load", req.DocCount, req.Dimension)
	}
	vecBuf := newFixedBuffer(req.VectorPath, req.VectorBlobBytes())
	idBuf := newFixedBuffer(req.DocIdPath, req.DocIdBlobBytes())

	start := time.Now()
	blobs := &Blobs{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := l.gateway.Download(ctx, req.ContainerName, req.VectorPath, vecBuf)
		blobs.VectorBytes = n
		return err
	})
	g.Go(func() error {
		n, err := l.gateway.Download(ctx, req.ContainerName, req.DocIdPath, idBuf)
		blobs.DocIdBytes = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blobs.Vectors = vecBuf.buf
	blobs.DocIds = idBuf.buf
	blobs.VectorBytes = max(blobs.VectorBytes, vecBuf.written())
	blobs.DocIdBytes = max(blobs.DocIdBytes, idBuf.written())

	slog.Info("dataset downloaded", "container", req.ContainerName, "vector_path", req.VectorPath,
		"doc_id_path", req.DocIdPath, "bytes", blobs.VectorBytes+blobs.DocIdBytes, "duration", time.Since(start))

	return blobs, nil
}

// Parse validates downloaded blobs against the request and builds the Dataset.
// The vector buffer is adopted as is; doc ids are decoded.
func Parse(req types.BuildRequest, blobs *Blobs) (*Dataset, error) {
	if err := checkSize("dimension", req.VectorPath, req.VectorBlobBytes(), blobs.VectorBytes); err != nil {
		return nil, err
	}
	if err := checkSize("doc_count", req.DocIdPath, req.DocIdBlobBytes(), blobs.DocIdBytes); err != nil {
		return nil, err
	}

	docIds := make([]int64, req.DocCount)
	for i := range docIds {
		docIds[i] = int64(binary.LittleEndian.Uint64(blobs.DocIds[i*types.DocIdBytes:]))
	}
	blobs.DocIds = nil

	ds, err := New(req.Dimension, req.DataType, blobs.Vectors, docIds)
	if err != nil {
		return nil, fmt.Errorf("error creating dataset: %w", err)
	}
	blobs.Vectors = nil
	return ds, nil
}

// Load checks, fetches and validates a dataset in one call.
func (l *Loader) Load(ctx context.Context, req types.BuildRequest) (*Dataset, error) {
	if err := l.Preflight(ctx, req); err != nil {
		return nil, err
	}
	blobs, err := l.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return Parse(req, blobs)
}
