// Package flat is a CPU reference engine that stores vectors verbatim for
// exact search. It produces a real artifact for deployments without a GPU
// library and for end-to-end testing of the build pipeline.
package flat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"

	"github.com/klauspost/compress/zstd"
)

const (
	Name  = "flat"
	magic = "FLATIDX1"
)

var spaceCodes = map[types.SpaceType]uint32{
	types.SpaceL2:           0,
	types.SpaceInnerProduct: 1,
	types.SpaceCosine:       2,
	types.SpaceHamming:      3,
}

var dataTypeCodes = map[types.DataType]uint32{
	types.DataTypeFloat:  0,
	types.DataTypeByte:   1,
	types.DataTypeBinary: 2,
}

type Engine struct {
	level zstd.EncoderLevel
}

var _ builder.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{level: zstd.SpeedDefault}
}

func (e *Engine) Name() string {
	return Name
}

func (e *Engine) Train(ctx context.Context, ds *dataset.Dataset, params types.IndexParameters) (builder.Index, error) {
	if ds.Count == 0 {
		return nil, errors.New("cannot train on an empty dataset")
	}
	if _, ok := spaceCodes[params.SpaceType]; !ok {
		return nil, fmt.Errorf("unsupported space type '%s'", params.SpaceType)
	}
	if _, ok := dataTypeCodes[ds.DataType]; !ok {
		return nil, fmt.Errorf("unsupported data type '%s'", ds.DataType)
	}
	return &Index{level: e.level, space: params.SpaceType, dimension: ds.Dimension, dataType: ds.DataType}, nil
}

type Index struct {
	level     zstd.EncoderLevel
	space     types.SpaceType
	dimension int
	dataType  types.DataType

	ds    *dataset.Dataset
	norms []float32
}

func (idx *Index) Add(ctx context.Context, ds *dataset.Dataset) error {
	if ds.Dimension != idx.dimension || ds.DataType != idx.dataType {
		return fmt.Errorf("dataset shape %d/%s does not match trained index %d/%s", ds.Dimension, ds.DataType, idx.dimension, idx.dataType)
	}
	if idx.ds != nil {
		return errors.New("index already holds vectors")
	}

	if idx.space == types.SpaceCosine {
		floats, err := ds.Float32Vectors()
		if err != nil {
			return err
		}
		idx.norms = make([]float32, ds.Count)
		for i := range idx.norms {
			var sum float64
			for _, v := range floats[i*ds.Dimension : (i+1)*ds.Dimension] {
				sum += float64(v) * float64(v)
			}
			if sum == 0 {
				return fmt.Errorf("vector %d has zero norm, which cosine similarity cannot use", i)
			}
			idx.norms[i] = float32(math.Sqrt(sum))
		}
	}

	idx.ds = ds
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteTo writes a zstd stream holding the header, doc ids, raw vectors and,
// for cosine space, the vector norms.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	if idx.ds == nil {
		return 0, errors.New("index has no vectors")
	}

	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(idx.level))
	if err != nil {
		return 0, fmt.Errorf("error creating zstd encoder: %w", err)
	}

	header := Header{
		Dimension: uint32(idx.dimension),
		DataType:  dataTypeCodes[idx.dataType],
		Count:     uint64(idx.ds.Count),
		Space:     spaceCodes[idx.space],
	}
	if err := writeHeader(enc, header); err != nil {
		enc.Close()
		return cw.n, err
	}
	if err := binary.Write(enc, binary.LittleEndian, idx.ds.DocIds()); err != nil {
		enc.Close()
		return cw.n, fmt.Errorf("error writing doc ids: %w", err)
	}
	if _, err := enc.Write(idx.ds.RawVectors()); err != nil {
		enc.Close()
		return cw.n, fmt.Errorf("error writing vectors: %w", err)
	}
	if idx.norms != nil {
		if err := binary.Write(enc, binary.LittleEndian, idx.norms); err != nil {
			enc.Close()
			return cw.n, fmt.Errorf("error writing norms: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return cw.n, fmt.Errorf("error finishing zstd stream: %w", err)
	}
	return cw.n, nil
}

func (idx *Index) Close() error {
	idx.ds = nil
	idx.norms = nil
	return nil
}
