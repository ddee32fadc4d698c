package dataset

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"remote-index-builder/internal/core/types"
)

func EncodeFloat32(vectors []float32) []byte {
	out := make([]byte, len(vectors)*4)
	for i, v := range vectors {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func EncodeDocIds(ids []int64) []byte {
	out := make([]byte, len(ids)*types.DocIdBytes)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(out[i*types.DocIdBytes:], uint64(id))
	}
	return out
}

// Synthetic generates count random vectors in the .knnvec encoding for
// dataType, with sequential doc ids starting at 0.
func Synthetic(dimension, count int, dataType types.DataType, seed uint64) (vectors []byte, docIds []byte) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	ids := make([]int64, count)
	for i := range ids {
		ids[i] = int64(i)
	}

	if dataType == types.DataTypeFloat {
		values := make([]float32, dimension*count)
		for i := range values {
			values[i] = rng.Float32()*2 - 1
		}
		return EncodeFloat32(values), EncodeDocIds(ids)
	}

	raw := make([]byte, dataType.VectorBytes(dimension)*int64(count))
	for i := range raw {
		raw[i] = byte(rng.UintN(256))
	}
	return raw, EncodeDocIds(ids)
}
