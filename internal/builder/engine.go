package builder

import (
	"context"
	"io"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
)

// Engine is the boundary to an index construction library. Train and Add may
// run for a long time and are not expected to honor ctx mid-call.
type Engine interface {
	Name() string

	// Train prepares an empty index for ds (graph seeding, quantizer training).
	Train(ctx context.Context, ds *dataset.Dataset, params types.IndexParameters) (Index, error)
}

// Index is a built or partially built index owned by one job.
type Index interface {
	// Add inserts every vector of ds with its doc id.
	Add(ctx context.Context, ds *dataset.Dataset) error

	// WriteTo serializes the index in the engine's on-disk format.
	WriteTo(w io.Writer) (int64, error)

	// Close releases the engine state, including any device memory.
	Close() error
}
