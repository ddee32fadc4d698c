package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/jobs"
	"remote-index-builder/pkg/api"

	"github.com/go-chi/chi/v5"
)

const defaultRetryAfter = 30 * time.Second

type BackendService struct {
	registry   *jobs.Registry
	syncBuilds bool
	retryAfter time.Duration
}

func NewBackendService(registry *jobs.Registry, syncBuilds bool) *BackendService {
	return &BackendService{registry: registry, syncBuilds: syncBuilds, retryAfter: defaultRetryAfter}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Post("/_build", RestHandler(s.SubmitBuild))
	r.Get("/_status/{job_id}", RestHandler(s.GetStatus))
	r.Post("/_cancel/{job_id}", RestHandler(s.CancelJob))
	r.Get("/_jobs", RestHandler(s.ListJobs))
}

// codedJobError maps registry and job errors onto HTTP status codes.
func (s *BackendService) codedJobError(err error) error {
	var (
		verr  *types.ValidationError
		tmerr *jobs.TooManyJobsError
		jerr  *jobs.JobError
	)
	switch {
	case errors.As(err, &verr):
		return KindError(http.StatusBadRequest, string(jobs.KindValidation), err)
	case errors.As(err, &tmerr):
		return RetryAfterError(http.StatusTooManyRequests, string(jobs.KindTooManyJobs), s.retryAfter, err)
	case errors.As(err, &jerr) && jerr.Kind == jobs.KindCapacity:
		return RetryAfterError(http.StatusServiceUnavailable, string(jobs.KindCapacity), s.retryAfter, err)
	case errors.Is(err, jobs.ErrJobNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, jobs.ErrUnavailable), errors.Is(err, jobs.ErrClosed):
		return KindError(http.StatusServiceUnavailable, string(jobs.KindInternal), err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	if err := s.registry.Healthy(); err != nil {
		slog.Error("health check failed", "error", err)
		return nil, KindError(http.StatusServiceUnavailable, string(jobs.KindInternal), err)
	}

	usage := s.registry.Usage()
	return api.HealthResponse{
		Status:        "ok",
		ActiveJobs:    s.registry.ActiveJobs(),
		GpuBytesInUse: usage.GpuInUse,
		GpuCapacity:   usage.Capacity.GpuBytes,
		HostBytesUsed: usage.HostInUse,
		HostCapacity:  usage.Capacity.HostBytes,
	}, nil
}

func (s *BackendService) SubmitBuild(r *http.Request) (any, error) {
	raw, err := ParseRequest[api.BuildRequest](r)
	if err != nil {
		return nil, err
	}

	req, err := s.registry.Parse(raw)
	if err != nil {
		return nil, s.codedJobError(err)
	}

	jobId, err := s.registry.Submit(req)
	if err != nil {
		return nil, s.codedJobError(err)
	}

	if !s.syncBuilds {
		rec, err := s.registry.Peek(jobId)
		if err != nil {
			return nil, s.codedJobError(err)
		}
		return api.BuildResponse{JobId: jobId, Status: rec.StatusResponse()}, nil
	}

	rec, err := s.registry.Wait(r.Context(), jobId)
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			slog.Warn("client went away before build finished", "job_id", jobId)
		}
		return nil, s.codedJobError(err)
	}
	if rec.Err != nil && rec.Err.Kind == jobs.KindCapacity {
		return nil, s.codedJobError(rec.Err)
	}
	return api.BuildResponse{JobId: jobId, Status: rec.StatusResponse()}, nil
}

func (s *BackendService) GetStatus(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	rec, err := s.registry.Status(jobId.String())
	if err != nil {
		return nil, s.codedJobError(err)
	}
	return rec.StatusResponse(), nil
}

func (s *BackendService) CancelJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	rec, err := s.registry.Cancel(jobId.String())
	if err != nil {
		return nil, s.codedJobError(err)
	}
	return rec.StatusResponse(), nil
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListJobsRequest](r)
	if err != nil {
		return nil, err
	}

	stage := jobs.Stage(params.Stage)
	if stage != "" && !stage.Valid() {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid stage '%s'", params.Stage)
	}

	records := s.registry.List(stage)
	resp := api.ListJobsResponse{Jobs: make([]api.StatusResponse, 0, len(records))}
	for _, rec := range records {
		resp.Jobs = append(resp.Jobs, rec.StatusResponse())
	}
	return resp, nil
}
