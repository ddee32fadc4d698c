package dataset

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"remote-index-builder/internal/core/types"
)

// Dataset is a loaded vector matrix and its parallel doc-id sequence. It is
// read-only once built and is shared with the index builder until Release.
type Dataset struct {
	Dimension int
	Count     int
	DataType  types.DataType

	vectors []byte
	docIds  []int64
}

func New(dimension int, dataType types.DataType, vectors []byte, docIds []int64) (*Dataset, error) {
	rowBytes := dataType.VectorBytes(dimension)
	if rowBytes <= 0 {
		return nil, types.ValidationErrorf("dimension", "invalid dimension %d for data type %s", dimension, dataType)
	}
	if int64(len(vectors)) != rowBytes*int64(len(docIds)) {
		return nil, types.ValidationErrorf("", "vector data has %d bytes, expected %d for %d vectors", len(vectors), rowBytes*int64(len(docIds)), len(docIds))
	}
	return &Dataset{
		Dimension: dimension,
		Count:     len(docIds),
		DataType:  dataType,
		vectors:   vectors,
		docIds:    docIds,
	}, nil
}

func (d *Dataset) RowBytes() int {
	return int(d.DataType.VectorBytes(d.Dimension))
}

// RawVectors returns the row-major encoded vectors.
func (d *Dataset) RawVectors() []byte {
	return d.vectors
}

func (d *Dataset) Vector(i int) []byte {
	row := d.RowBytes()
	return d.vectors[i*row : (i+1)*row]
}

func (d *Dataset) DocIds() []int64 {
	return d.docIds
}

var littleEndianHost = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Float32Vectors views float vectors without copying them.
func (d *Dataset) Float32Vectors() ([]float32, error) {
	if d.DataType != types.DataTypeFloat {
		return nil, fmt.Errorf("dataset holds %s vectors, not float", d.DataType)
	}
	if len(d.vectors) == 0 {
		return nil, nil
	}
	if !littleEndianHost {
		out := make([]float32, len(d.vectors)/4)
		if _, err := binary.Decode(d.vectors, binary.LittleEndian, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(d.vectors))), len(d.vectors)/4), nil
}

func (d *Dataset) SizeBytes() int64 {
	return int64(len(d.vectors)) + int64(len(d.docIds))*types.DocIdBytes
}

// Release drops the dataset's buffers so they can be collected while the job
// continues with serialization and upload.
func (d *Dataset) Release() {
	d.vectors = nil
	d.docIds = nil
}
