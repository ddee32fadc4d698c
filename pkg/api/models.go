package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Numeric holds a number that clients may send either as a JSON number or as
// a JSON string ("384"). It is kept as text so the parser can report the
// offending field when it does not hold a valid positive integer.
type Numeric string

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected number or numeric string: %w", err)
	}
	*n = Numeric(num.String())
	return nil
}

type AlgorithmParameters struct {
	EFConstruction *int `json:"ef_construction,omitempty"`
	EFSearch       *int `json:"ef_search,omitempty"`
	M              *int `json:"m,omitempty"`

	IntermediateGraphDegree *int     `json:"intermediate_graph_degree,omitempty"`
	GraphDegree             *int     `json:"graph_degree,omitempty"`
	GraphBuildAlgo          string   `json:"graph_build_algo,omitempty"`
	NLists                  *int     `json:"n_lists,omitempty"`
	KMeansNIters            *int     `json:"kmeans_n_iters,omitempty"`
	KMeansTrainsetFraction  *float64 `json:"kmeans_trainset_fraction,omitempty"`
	PQBits                  *int     `json:"pq_bits,omitempty"`
	PQDim                   *int     `json:"pq_dim,omitempty"`
}

type IndexParameters struct {
	SpaceType           string              `json:"space_type,omitempty"`
	Algorithm           string              `json:"algorithm,omitempty"`
	AlgorithmParameters AlgorithmParameters `json:"algorithm_parameters"`
}

type BuildRequest struct {
	RepositoryType    string          `json:"repository_type"`
	ContainerName     string          `json:"container_name"`
	VectorPath        string          `json:"vector_path"`
	DocIdPath         string          `json:"doc_id_path"`
	IndexOutputPath   string          `json:"index_output_path,omitempty"`
	Dimension         Numeric         `json:"dimension"`
	DocCount          Numeric         `json:"doc_count"`
	DataType          string          `json:"data_type,omitempty"`
	Engine            string          `json:"engine,omitempty"`
	SerializationMode string          `json:"serialization_mode,omitempty"`
	IndexParameters   IndexParameters `json:"index_parameters"`
}

type BuildResponse struct {
	JobId  string         `json:"job_id"`
	Status StatusResponse `json:"status"`
}

const (
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
)

type JobError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type StatusResponse struct {
	JobId        string     `json:"job_id"`
	TaskStatus   string     `json:"task_status"`
	Stage        string     `json:"stage"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	FileName     string     `json:"file_name,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Error        *JobError  `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response. Kind is set when the
// failure maps onto a job error kind.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type ListJobsRequest struct {
	Stage string `schema:"stage"`
}

type ListJobsResponse struct {
	Jobs []StatusResponse `json:"jobs"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	ActiveJobs    int    `json:"active_jobs"`
	GpuBytesInUse int64  `json:"gpu_bytes_in_use"`
	GpuCapacity   int64  `json:"gpu_capacity"`
	HostBytesUsed int64  `json:"host_bytes_in_use"`
	HostCapacity  int64  `json:"host_capacity"`
}
