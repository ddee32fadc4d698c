package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"remote-index-builder/pkg/api"

	"github.com/go-resty/resty/v2"
)

var ErrJobNotFound = errors.New("job not found")

// HttpError is a non-2xx response from the builder.
type HttpError struct {
	StatusCode int
	RetryAfter string
	// Kind is the job error kind, when the builder reported one.
	Kind    string
	Message string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("index builder returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the builder asked the caller to back off and try
// again.
func (e *HttpError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json").
			SetTimeout(5 * time.Minute),
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	req := c.client.R().SetContext(ctx)
	if body != nil {
		req = req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	res, err := req.Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("error calling %s %s: %w", method, endpoint, err)
	}

	if !res.IsSuccess() {
		herr := &HttpError{
			StatusCode: res.StatusCode(),
			RetryAfter: res.Header().Get("Retry-After"),
			Message:    strings.TrimSpace(res.String()),
		}
		var body api.ErrorResponse
		if json.Unmarshal(res.Body(), &body) == nil && body.Error != "" {
			herr.Kind = body.Kind
			herr.Message = body.Error
		}
		if res.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrJobNotFound, herr)
		}
		return herr
	}

	if result != nil {
		if err := json.Unmarshal(res.Body(), result); err != nil {
			return fmt.Errorf("error parsing response from %s: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) Build(ctx context.Context, req api.BuildRequest) (api.BuildResponse, error) {
	var res api.BuildResponse
	err := c.do(ctx, http.MethodPost, "/_build", req, &res)
	return res, err
}

func (c *Client) Status(ctx context.Context, jobId string) (api.StatusResponse, error) {
	var res api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/_status/"+jobId, nil, &res)
	return res, err
}

func (c *Client) Cancel(ctx context.Context, jobId string) (api.StatusResponse, error) {
	var res api.StatusResponse
	err := c.do(ctx, http.MethodPost, "/_cancel/"+jobId, nil, &res)
	return res, err
}

func (c *Client) ListJobs(ctx context.Context, stage string) (api.ListJobsResponse, error) {
	var res api.ListJobsResponse
	endpoint := "/_jobs"
	if stage != "" {
		endpoint += "?stage=" + stage
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &res)
	return res, err
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var res api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &res)
	return res, err
}

// WaitForCompletion polls the job status until it is no longer running.
func (c *Client) WaitForCompletion(ctx context.Context, jobId string, interval time.Duration) (api.StatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, jobId)
		if err != nil {
			return status, err
		}
		if status.TaskStatus != api.TaskRunning {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
