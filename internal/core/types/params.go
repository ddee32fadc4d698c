package types

import (
	"fmt"

	"remote-index-builder/pkg/api"
)

type SpaceType string

const (
	SpaceL2           SpaceType = "l2"
	SpaceInnerProduct SpaceType = "innerproduct"
	SpaceCosine       SpaceType = "cosinesimil"
	SpaceHamming      SpaceType = "hamming"
)

type GraphBuildAlgo string

const (
	GraphBuildIVFPQ     GraphBuildAlgo = "IVF_PQ"
	GraphBuildNNDescent GraphBuildAlgo = "NN_DESCENT"
)

// HNSWParameters are the CPU-side graph parameters the search cluster uses
// when it loads the converted index.
type HNSWParameters struct {
	EFConstruction int `json:"ef_construction"`
	EFSearch       int `json:"ef_search"`
	M              int `json:"m"`
}

// GPUParameters configure the GPU graph build (CAGRA style) and its IVF-PQ
// seed graph.
type GPUParameters struct {
	IntermediateGraphDegree int            `json:"intermediate_graph_degree"`
	GraphDegree             int            `json:"graph_degree"`
	GraphBuildAlgo          GraphBuildAlgo `json:"graph_build_algo"`
	NLists                  int            `json:"n_lists"`
	KMeansNIters            int            `json:"kmeans_n_iters"`
	KMeansTrainsetFraction  float64        `json:"kmeans_trainset_fraction"`
	PQBits                  int            `json:"pq_bits"`
	PQDim                   int            `json:"pq_dim"`
}

type IndexParameters struct {
	SpaceType SpaceType      `json:"space_type"`
	Algorithm string         `json:"algorithm"`
	HNSW      HNSWParameters `json:"hnsw"`
	GPU       GPUParameters  `json:"gpu"`
}

func DefaultIndexParameters() IndexParameters {
	return IndexParameters{
		SpaceType: SpaceL2,
		Algorithm: "hnsw",
		HNSW: HNSWParameters{
			EFConstruction: 100,
			EFSearch:       100,
			M:              16,
		},
		GPU: GPUParameters{
			IntermediateGraphDegree: 64,
			GraphDegree:             32,
			GraphBuildAlgo:          GraphBuildIVFPQ,
			NLists:                  1000,
			KMeansNIters:            10,
			KMeansTrainsetFraction:  0.1,
			PQBits:                  8,
			PQDim:                   16,
		},
	}
}

// Upper bounds for the tunable graph parameters. CAGRA and HNSW builds are
// only defined well inside these, and they keep the reservation estimate
// within int64.
const (
	MaxGraphDegree  = 1024
	MaxHNSWM        = 512
	MaxEF           = 1 << 16
	MaxNLists       = 1 << 20
	MaxKMeansNIters = 1000
	MaxPQBits       = 8
	MaxPQDim        = 1 << 12
)

func setBounded(field string, dst *int, src *int, limit int) error {
	if src == nil {
		return nil
	}
	if *src <= 0 {
		return ValidationErrorf(field, "must be positive, got %d", *src)
	}
	if *src > limit {
		return ValidationErrorf(field, "must not exceed %d, got %d", limit, *src)
	}
	*dst = *src
	return nil
}

func parseIndexParameters(raw api.IndexParameters, dataType DataType) (IndexParameters, error) {
	params := DefaultIndexParameters()

	if dataType == DataTypeBinary {
		params.SpaceType = SpaceHamming
	}

	if raw.SpaceType != "" {
		switch st := SpaceType(raw.SpaceType); st {
		case SpaceL2, SpaceInnerProduct, SpaceCosine, SpaceHamming:
			params.SpaceType = st
		default:
			return params, ValidationErrorf("index_parameters.space_type", "unsupported space type '%s'", raw.SpaceType)
		}
	}
	if (params.SpaceType == SpaceHamming) != (dataType == DataTypeBinary) {
		return params, ValidationErrorf("index_parameters.space_type", "space type '%s' is not supported for data type '%s'", params.SpaceType, dataType)
	}

	if raw.Algorithm != "" {
		if raw.Algorithm != "hnsw" {
			return params, ValidationErrorf("index_parameters.algorithm", "unsupported algorithm '%s'", raw.Algorithm)
		}
	}

	ap := raw.AlgorithmParameters
	fields := []struct {
		name  string
		dst   *int
		src   *int
		limit int
	}{
		{"ef_construction", &params.HNSW.EFConstruction, ap.EFConstruction, MaxEF},
		{"ef_search", &params.HNSW.EFSearch, ap.EFSearch, MaxEF},
		{"m", &params.HNSW.M, ap.M, MaxHNSWM},
		{"intermediate_graph_degree", &params.GPU.IntermediateGraphDegree, ap.IntermediateGraphDegree, MaxGraphDegree},
		{"graph_degree", &params.GPU.GraphDegree, ap.GraphDegree, MaxGraphDegree},
		{"n_lists", &params.GPU.NLists, ap.NLists, MaxNLists},
		{"kmeans_n_iters", &params.GPU.KMeansNIters, ap.KMeansNIters, MaxKMeansNIters},
		{"pq_bits", &params.GPU.PQBits, ap.PQBits, MaxPQBits},
		{"pq_dim", &params.GPU.PQDim, ap.PQDim, MaxPQDim},
	}
	for _, f := range fields {
		if err := setBounded("index_parameters.algorithm_parameters."+f.name, f.dst, f.src, f.limit); err != nil {
			return params, err
		}
	}

	if ap.GraphBuildAlgo != "" {
		switch algo := GraphBuildAlgo(ap.GraphBuildAlgo); algo {
		case GraphBuildIVFPQ, GraphBuildNNDescent:
			params.GPU.GraphBuildAlgo = algo
		default:
			return params, ValidationErrorf("index_parameters.algorithm_parameters.graph_build_algo", "unsupported graph build algorithm '%s'", ap.GraphBuildAlgo)
		}
	}

	if ap.KMeansTrainsetFraction != nil {
		frac := *ap.KMeansTrainsetFraction
		if frac <= 0 || frac > 1 {
			return params, ValidationErrorf("index_parameters.algorithm_parameters.kmeans_trainset_fraction", "must be in (0, 1], got %v", frac)
		}
		params.GPU.KMeansTrainsetFraction = frac
	}

	if params.GPU.GraphDegree > params.GPU.IntermediateGraphDegree {
		return params, ValidationErrorf(
			"index_parameters.algorithm_parameters.graph_degree",
			"%d exceeds intermediate_graph_degree %d", params.GPU.GraphDegree, params.GPU.IntermediateGraphDegree,
		)
	}

	return params, nil
}

func (p IndexParameters) String() string {
	return fmt.Sprintf("space=%s algo=%s m=%d ef_c=%d graph_degree=%d/%d build=%s",
		p.SpaceType, p.Algorithm, p.HNSW.M, p.HNSW.EFConstruction,
		p.GPU.GraphDegree, p.GPU.IntermediateGraphDegree, p.GPU.GraphBuildAlgo)
}
