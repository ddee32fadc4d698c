package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"remote-index-builder/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJson(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestBuildAndWait(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_build", func(w http.ResponseWriter, r *http.Request) {
		var req api.BuildRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "vectors", req.ContainerName)
		assert.Equal(t, api.Numeric("128"), req.Dimension)
		writeJson(t, w, api.BuildResponse{JobId: "job-1", Status: api.StatusResponse{JobId: "job-1", TaskStatus: api.TaskRunning}})
	})
	mux.HandleFunc("GET /_status/job-1", func(w http.ResponseWriter, r *http.Request) {
		status := api.StatusResponse{JobId: "job-1", TaskStatus: api.TaskRunning, Stage: "Building"}
		if polls.Add(1) >= 3 {
			status.TaskStatus = api.TaskCompleted
			status.Stage = "Succeeded"
			status.FileName = "a.flat"
		}
		writeJson(t, w, status)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	res, err := c.Build(ctx, api.BuildRequest{ContainerName: "vectors", Dimension: "128"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobId)

	status, err := c.WaitForCompletion(ctx, res.JobId, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompleted, status.TaskStatus)
	assert.Equal(t, "a.flat", status.FileName)
	assert.Equal(t, int32(3), polls.Load())
}

func TestErrorResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_build", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, "too many jobs", http.StatusTooManyRequests)
	})
	mux.HandleFunc("GET /_status/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job not found", http.StatusNotFound)
	})
	mux.HandleFunc("POST /_cancel/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"builder is not accepting jobs","kind":"InternalError"}`)) //nolint:errcheck
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	_, err := c.Build(ctx, api.BuildRequest{})
	var herr *HttpError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.Retryable())
	assert.Equal(t, "30", herr.RetryAfter)
	assert.Equal(t, "too many jobs", herr.Message)
	assert.Empty(t, herr.Kind)

	_, err = c.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = c.Cancel(ctx, "job-1")
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "InternalError", herr.Kind)
	assert.Equal(t, "builder is not accepting jobs", herr.Message)
}

func TestWaitForCompletionHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJson(t, w, api.StatusResponse{JobId: "job-1", TaskStatus: api.TaskRunning})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(server.URL).WaitForCompletion(ctx, "job-1", 10*time.Millisecond)
	assert.Error(t, err)
}

func TestCancelAndList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_cancel/job-1", func(w http.ResponseWriter, r *http.Request) {
		writeJson(t, w, api.StatusResponse{JobId: "job-1", TaskStatus: api.TaskFailed, Stage: "Failed"})
	})
	mux.HandleFunc("GET /_jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Building", r.URL.Query().Get("stage"))
		writeJson(t, w, api.ListJobsResponse{Jobs: []api.StatusResponse{{JobId: "job-2", Stage: "Building"}}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()

	status, err := c.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, status.TaskStatus)

	jobs, err := c.ListJobs(ctx, "Building")
	require.NoError(t, err)
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, "job-2", jobs.Jobs[0].JobId)
}
