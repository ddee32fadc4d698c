package types

import (
	"encoding/json"
	"math"
	"testing"

	"remote-index-builder/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOpts = ParseOptions{
	RepositoryTypes:          []string{"s3"},
	DefaultSerializationMode: SerializeMemory,
	DefaultEngine:            "faiss",
}

func validRequest() api.BuildRequest {
	return api.BuildRequest{
		RepositoryType: "s3",
		ContainerName:  "vectors",
		VectorPath:     "segments/seg_1.knnvec",
		DocIdPath:      "segments/seg_1.knndid",
		Dimension:      "128",
		DocCount:       "1000",
	}
}

func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, field, verr.Field)
}

func TestParseBuildRequestDefaults(t *testing.T) {
	req, err := ParseBuildRequest(validRequest(), testOpts)
	require.NoError(t, err)

	assert.Equal(t, 128, req.Dimension)
	assert.Equal(t, 1000, req.DocCount)
	assert.Equal(t, DataTypeFloat, req.DataType)
	assert.Equal(t, "faiss", req.Engine)
	assert.Equal(t, SerializeMemory, req.SerializationMode)
	assert.Equal(t, "segments/seg_1.faiss", req.OutputPath)
	assert.Equal(t, DefaultIndexParameters(), req.Params)
	assert.EqualValues(t, 1000*128*4, req.VectorBlobBytes())
	assert.EqualValues(t, 1000*8, req.DocIdBlobBytes())
}

func TestParseBuildRequestFromJSON(t *testing.T) {
	body := `{
		"repository_type": "s3",
		"container_name": "bucket",
		"vector_path": "a.knnvec",
		"doc_id_path": "a.knndid",
		"dimension": 384,
		"doc_count": "1000000",
		"serialization_mode": "disk",
		"index_parameters": {
			"space_type": "innerproduct",
			"algorithm_parameters": {"ef_construction": 200, "graph_degree": 48, "intermediate_graph_degree": 96}
		}
	}`
	var raw api.BuildRequest
	require.NoError(t, json.Unmarshal([]byte(body), &raw))

	req, err := ParseBuildRequest(raw, testOpts)
	require.NoError(t, err)
	assert.Equal(t, 384, req.Dimension)
	assert.Equal(t, 1000000, req.DocCount)
	assert.Equal(t, SerializeDisk, req.SerializationMode)
	assert.Equal(t, SpaceInnerProduct, req.Params.SpaceType)
	assert.Equal(t, 200, req.Params.HNSW.EFConstruction)
	assert.Equal(t, 48, req.Params.GPU.GraphDegree)
	assert.Equal(t, 96, req.Params.GPU.IntermediateGraphDegree)
}

func TestParseBuildRequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *api.BuildRequest)
		field  string
	}{
		{"missing repository", func(r *api.BuildRequest) { r.RepositoryType = "" }, "repository_type"},
		{"unsupported repository", func(r *api.BuildRequest) { r.RepositoryType = "gcs" }, "repository_type"},
		{"missing container", func(r *api.BuildRequest) { r.ContainerName = "" }, "container_name"},
		{"bad vector ext", func(r *api.BuildRequest) { r.VectorPath = "a.bin" }, "vector_path"},
		{"bad doc id ext", func(r *api.BuildRequest) { r.DocIdPath = "a.bin" }, "doc_id_path"},
		{"text dimension", func(r *api.BuildRequest) { r.Dimension = "abc" }, "dimension"},
		{"zero dimension", func(r *api.BuildRequest) { r.Dimension = "0" }, "dimension"},
		{"negative doc count", func(r *api.BuildRequest) { r.DocCount = "-5" }, "doc_count"},
		{"missing doc count", func(r *api.BuildRequest) { r.DocCount = "" }, "doc_count"},
		{"unknown data type", func(r *api.BuildRequest) { r.DataType = "half" }, "data_type"},
		{"binary dimension", func(r *api.BuildRequest) { r.DataType = "binary"; r.Dimension = "12" }, "dimension"},
		{"bad mode", func(r *api.BuildRequest) { r.SerializationMode = "tape" }, "serialization_mode"},
		{"bad space", func(r *api.BuildRequest) { r.IndexParameters.SpaceType = "manhattan" }, "index_parameters.space_type"},
		{"hamming on float", func(r *api.BuildRequest) { r.IndexParameters.SpaceType = "hamming" }, "index_parameters.space_type"},
		{"bad algorithm", func(r *api.BuildRequest) { r.IndexParameters.Algorithm = "ivf" }, "index_parameters.algorithm"},
		{"output overwrites input", func(r *api.BuildRequest) { r.IndexOutputPath = r.VectorPath }, "index_output_path"},
		{"graph degree", func(r *api.BuildRequest) {
			d := 128
			r.IndexParameters.AlgorithmParameters.GraphDegree = &d
		}, "index_parameters.algorithm_parameters.graph_degree"},
		{"negative m", func(r *api.BuildRequest) {
			m := -1
			r.IndexParameters.AlgorithmParameters.M = &m
		}, "index_parameters.algorithm_parameters.m"},
		{"dataset too large", func(r *api.BuildRequest) {
			r.Dimension = "2147483647"
			r.DocCount = "2147483647"
		}, "doc_count"},
		{"dataset over byte limit", func(r *api.BuildRequest) {
			r.Dimension = "1024"
			r.DocCount = "268435457"
		}, "doc_count"},
		{"intermediate degree too large", func(r *api.BuildRequest) {
			d := 1 << 52
			r.IndexParameters.AlgorithmParameters.IntermediateGraphDegree = &d
		}, "index_parameters.algorithm_parameters.intermediate_graph_degree"},
		{"graph degree too large", func(r *api.BuildRequest) {
			d := MaxGraphDegree + 1
			r.IndexParameters.AlgorithmParameters.GraphDegree = &d
		}, "index_parameters.algorithm_parameters.graph_degree"},
		{"trainset fraction", func(r *api.BuildRequest) {
			f := 1.5
			r.IndexParameters.AlgorithmParameters.KMeansTrainsetFraction = &f
		}, "index_parameters.algorithm_parameters.kmeans_trainset_fraction"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRequest()
			tc.modify(&raw)
			_, err := ParseBuildRequest(raw, testOpts)
			requireFieldError(t, err, tc.field)
		})
	}
}

func TestBinaryDefaultsToHamming(t *testing.T) {
	raw := validRequest()
	raw.DataType = "binary"

	req, err := ParseBuildRequest(raw, testOpts)
	require.NoError(t, err)
	assert.Equal(t, SpaceHamming, req.Params.SpaceType)
	assert.EqualValues(t, 1000*16, req.VectorBlobBytes())
}

func TestExplicitOutputPath(t *testing.T) {
	raw := validRequest()
	raw.IndexOutputPath = "indexes/seg_1.idx"

	req, err := ParseBuildRequest(raw, testOpts)
	require.NoError(t, err)
	assert.Equal(t, "indexes/seg_1.idx", req.OutputPath)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "a/b.faiss", OutputPath("a/b.knnvec", "faiss"))
	assert.Equal(t, "x.flat", OutputPath("x.knnvec", "flat"))
}

func TestCanonicalIsStable(t *testing.T) {
	a, err := ParseBuildRequest(validRequest(), testOpts)
	require.NoError(t, err)
	b, err := ParseBuildRequest(validRequest(), testOpts)
	require.NoError(t, err)
	assert.Equal(t, a.Canonical(), b.Canonical())

	raw := validRequest()
	raw.DocCount = "1001"
	c, err := ParseBuildRequest(raw, testOpts)
	require.NoError(t, err)
	assert.NotEqual(t, a.Canonical(), c.Canonical())
}

func TestNumericUnmarshal(t *testing.T) {
	var v struct {
		N api.Numeric `json:"n"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"n": 12}`), &v))
	assert.Equal(t, api.Numeric("12"), v.N)
	require.NoError(t, json.Unmarshal([]byte(`{"n": "34"}`), &v))
	assert.Equal(t, api.Numeric("34"), v.N)
	assert.Error(t, json.Unmarshal([]byte(`{"n": true}`), &v))
}

func TestParseBuildRequestUnwiredEngine(t *testing.T) {
	opts := testOpts
	opts.Engines = []string{"flat"}

	raw := validRequest()
	raw.Engine = "faiss"
	_, err := ParseBuildRequest(raw, opts)
	requireFieldError(t, err, "engine")

	raw.Engine = "flat"
	req, err := ParseBuildRequest(raw, opts)
	require.NoError(t, err)
	assert.Equal(t, "segments/seg_1.flat", req.OutputPath)
}

func TestParseBuildRequestDatasetLimit(t *testing.T) {
	opts := testOpts
	opts.MaxVectorBlobBytes = 512_000

	raw := validRequest()
	req, err := ParseBuildRequest(raw, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(512_000), req.VectorBlobBytes())

	raw.DocCount = "1001"
	_, err = ParseBuildRequest(raw, opts)
	requireFieldError(t, err, "doc_count")
}

func TestVectorBlobBytesSaturates(t *testing.T) {
	req := BuildRequest{Dimension: math.MaxInt32, DocCount: math.MaxInt32, DataType: DataTypeFloat}
	assert.Equal(t, int64(math.MaxInt64), req.VectorBlobBytes())

	req = BuildRequest{Dimension: 128, DocCount: 1000, DataType: DataTypeByte}
	assert.Equal(t, int64(128_000), req.VectorBlobBytes())
}
