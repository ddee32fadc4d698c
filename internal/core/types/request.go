package types

import (
	"encoding/json"
	"math"
	"math/bits"
	"path"
	"slices"
	"strconv"
	"strings"

	"remote-index-builder/pkg/api"
)

const (
	VectorFileExt = ".knnvec"
	DocIdFileExt  = ".knndid"

	// DocIdBytes is the width of one little-endian int64 document id.
	DocIdBytes = 8

	maxDocCount = math.MaxInt32

	// DefaultMaxVectorBlobBytes caps the declared vector blob size when the
	// deployment does not configure a limit.
	DefaultMaxVectorBlobBytes int64 = 1 << 40
)

type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeByte   DataType = "byte"
	DataTypeBinary DataType = "binary"
)

// VectorBytes returns the encoded size of one vector of the given dimension.
func (d DataType) VectorBytes(dimension int) int64 {
	switch d {
	case DataTypeByte:
		return int64(dimension)
	case DataTypeBinary:
		return int64(dimension / 8)
	default:
		return int64(dimension) * 4
	}
}

type SerializationMode string

const (
	SerializeMemory SerializationMode = "memory"
	SerializeDisk   SerializationMode = "disk"
)

func ParseSerializationMode(s string) (SerializationMode, error) {
	switch mode := SerializationMode(strings.ToLower(s)); mode {
	case SerializeMemory, SerializeDisk:
		return mode, nil
	default:
		return "", ValidationErrorf("serialization_mode", "must be 'memory' or 'disk', got '%s'", s)
	}
}

// BuildRequest is the validated, immutable form of api.BuildRequest.
type BuildRequest struct {
	RepositoryType    string            `json:"repository_type"`
	ContainerName     string            `json:"container_name"`
	VectorPath        string            `json:"vector_path"`
	DocIdPath         string            `json:"doc_id_path"`
	OutputPath        string            `json:"output_path"`
	Dimension         int               `json:"dimension"`
	DocCount          int               `json:"doc_count"`
	DataType          DataType          `json:"data_type"`
	Engine            string            `json:"engine"`
	SerializationMode SerializationMode `json:"serialization_mode"`
	Params            IndexParameters   `json:"index_parameters"`
}

// VectorBlobBytes is the declared vector blob size. A shape too large to
// represent reports math.MaxInt64.
func (r BuildRequest) VectorBlobBytes() int64 {
	row, count := r.DataType.VectorBytes(r.Dimension), int64(r.DocCount)
	if row < 0 || count < 0 {
		return math.MaxInt64
	}
	hi, lo := bits.Mul64(uint64(row), uint64(count))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}

func (r BuildRequest) DocIdBlobBytes() int64 {
	return int64(r.DocCount) * DocIdBytes
}

// Canonical returns a stable encoding of the request used to derive job ids.
func (r BuildRequest) Canonical() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Every field is a plain value type.
		panic(err)
	}
	return data
}

type ParseOptions struct {
	RepositoryTypes          []string
	DefaultSerializationMode SerializationMode
	DefaultEngine            string
	// Engines, when set, restricts requests to the engines wired into the
	// deployment.
	Engines []string
	// MaxVectorBlobBytes bounds dimension x doc_count x element size. Zero
	// means DefaultMaxVectorBlobBytes.
	MaxVectorBlobBytes int64
}

func (o ParseOptions) maxVectorBlobBytes() int64 {
	if o.MaxVectorBlobBytes > 0 {
		return o.MaxVectorBlobBytes
	}
	return DefaultMaxVectorBlobBytes
}

// OutputPath derives the artifact key: the vector key with its extension
// replaced by the engine name.
func OutputPath(vectorPath, engine string) string {
	return strings.TrimSuffix(vectorPath, path.Ext(vectorPath)) + "." + engine
}

func parsePositive(field string, value api.Numeric) (int, error) {
	s := strings.TrimSpace(string(value))
	if s == "" {
		return 0, ValidationErrorf(field, "field is required")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ValidationErrorf(field, "'%s' is not an integer", s)
	}
	if n <= 0 {
		return 0, ValidationErrorf(field, "must be positive, got %d", n)
	}
	if n > maxDocCount {
		return 0, ValidationErrorf(field, "must not exceed %d, got %d", maxDocCount, n)
	}
	return int(n), nil
}

func ParseBuildRequest(raw api.BuildRequest, opts ParseOptions) (BuildRequest, error) {
	var req BuildRequest

	if raw.RepositoryType == "" {
		return req, ValidationErrorf("repository_type", "field is required")
	}
	if !slices.Contains(opts.RepositoryTypes, raw.RepositoryType) {
		return req, ValidationErrorf("repository_type", "unsupported repository type '%s'", raw.RepositoryType)
	}
	req.RepositoryType = raw.RepositoryType

	if raw.ContainerName == "" {
		return req, ValidationErrorf("container_name", "field is required")
	}
	req.ContainerName = raw.ContainerName

	if raw.VectorPath == "" {
		return req, ValidationErrorf("vector_path", "field is required")
	}
	if !strings.HasSuffix(raw.VectorPath, VectorFileExt) || len(raw.VectorPath) == len(VectorFileExt) {
		return req, ValidationErrorf("vector_path", "'%s' must name a %s file", raw.VectorPath, VectorFileExt)
	}
	req.VectorPath = raw.VectorPath

	if raw.DocIdPath == "" {
		return req, ValidationErrorf("doc_id_path", "field is required")
	}
	if !strings.HasSuffix(raw.DocIdPath, DocIdFileExt) || len(raw.DocIdPath) == len(DocIdFileExt) {
		return req, ValidationErrorf("doc_id_path", "'%s' must name a %s file", raw.DocIdPath, DocIdFileExt)
	}
	req.DocIdPath = raw.DocIdPath

	var err error
	if req.Dimension, err = parsePositive("dimension", raw.Dimension); err != nil {
		return req, err
	}
	if req.DocCount, err = parsePositive("doc_count", raw.DocCount); err != nil {
		return req, err
	}

	switch dt := DataType(strings.ToLower(raw.DataType)); dt {
	case "":
		req.DataType = DataTypeFloat
	case DataTypeFloat, DataTypeByte, DataTypeBinary:
		req.DataType = dt
	default:
		return req, ValidationErrorf("data_type", "unsupported data type '%s'", raw.DataType)
	}
	if req.DataType == DataTypeBinary && req.Dimension%8 != 0 {
		return req, ValidationErrorf("dimension", "must be a multiple of 8 for binary vectors, got %d", req.Dimension)
	}

	// rowBytes*doc_count > limit, checked without forming the product.
	rowBytes := req.DataType.VectorBytes(req.Dimension)
	if limit := opts.maxVectorBlobBytes(); rowBytes > limit/int64(req.DocCount) {
		return req, ValidationErrorf("doc_count", "%d vectors of %d bytes exceed the %d byte dataset limit", req.DocCount, rowBytes, limit)
	}

	req.Engine = strings.ToLower(raw.Engine)
	if req.Engine == "" {
		req.Engine = opts.DefaultEngine
	}
	if req.Engine == "" || strings.ContainsAny(req.Engine, "/. ") {
		return req, ValidationErrorf("engine", "invalid engine '%s'", raw.Engine)
	}
	if len(opts.Engines) > 0 && !slices.Contains(opts.Engines, req.Engine) {
		return req, ValidationErrorf("engine", "engine '%s' is not available", req.Engine)
	}

	if raw.SerializationMode == "" {
		req.SerializationMode = opts.DefaultSerializationMode
	} else if req.SerializationMode, err = ParseSerializationMode(raw.SerializationMode); err != nil {
		return req, err
	}

	if req.Params, err = parseIndexParameters(raw.IndexParameters, req.DataType); err != nil {
		return req, err
	}

	req.OutputPath = raw.IndexOutputPath
	if req.OutputPath == "" {
		req.OutputPath = OutputPath(req.VectorPath, req.Engine)
	}
	if req.OutputPath == req.VectorPath || req.OutputPath == req.DocIdPath {
		return req, ValidationErrorf("index_output_path", "must not overwrite an input blob")
	}

	return req, nil
}
