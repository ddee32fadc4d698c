package jobs

import (
	"math"
	"math/bits"

	"remote-index-builder/internal/core/types"
)

// Estimator sizes the reservation for a request.
type Estimator struct {
	GpuOverhead  float64
	HostOverhead float64
}

func DefaultEstimator() Estimator {
	return Estimator{GpuOverhead: 1.5, HostOverhead: 1.2}
}

// Estimate returns the GPU and host bytes a build of req needs. The GPU side
// covers the scaled vector data plus the intermediate graph; the host side
// covers the downloaded blobs and, for in-memory serialization, the artifact.
// Results saturate at math.MaxInt64, so a request too large to represent
// never fits under a ceiling.
func (e Estimator) Estimate(req types.BuildRequest) (gpuBytes, hostBytes int64) {
	vectorBytes := req.VectorBlobBytes()
	idBytes := req.DocIdBlobBytes()
	count := int64(req.DocCount)

	gpuBytes = addSat(
		scaleSat(vectorBytes, e.GpuOverhead),
		mulSat(count, int64(req.Params.GPU.IntermediateGraphDegree), 4),
	)

	blobs := addSat(vectorBytes, idBytes)
	hostBytes = scaleSat(blobs, e.HostOverhead)
	if req.SerializationMode == types.SerializeMemory {
		hostBytes = addSat(hostBytes, blobs, mulSat(count, int64(req.Params.GPU.GraphDegree), 4))
	}
	return gpuBytes, hostBytes
}

// mulSat multiplies non-negative factors, saturating at math.MaxInt64.
// Negative factors are treated as unrepresentable sizes.
func mulSat(factors ...int64) int64 {
	product := uint64(1)
	for _, f := range factors {
		if f < 0 {
			return math.MaxInt64
		}
		hi, lo := bits.Mul64(product, uint64(f))
		if hi != 0 || lo > math.MaxInt64 {
			return math.MaxInt64
		}
		product = lo
	}
	return int64(product)
}

// addSat adds non-negative terms, saturating at math.MaxInt64.
func addSat(terms ...int64) int64 {
	var sum uint64
	for _, t := range terms {
		if t < 0 {
			return math.MaxInt64
		}
		var carry uint64
		sum, carry = bits.Add64(sum, uint64(t), 0)
		if carry != 0 || sum > math.MaxInt64 {
			return math.MaxInt64
		}
	}
	return int64(sum)
}

func scaleSat(n int64, factor float64) int64 {
	if n < 0 {
		return math.MaxInt64
	}
	scaled := math.Ceil(float64(n) * factor)
	if scaled >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(scaled)
}
