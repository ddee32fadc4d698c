package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"remote-index-builder/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
)

// httpError carries the status code and error kind an endpoint failure is
// reported with.
type httpError struct {
	err        error
	status     int
	kind       string
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	return e.err.Error()
}

func (e *httpError) Unwrap() error {
	return e.err
}

func CodedError(status int, err error) error {
	return &httpError{err: err, status: status}
}

func CodedErrorf(status int, format string, args ...any) error {
	return &httpError{err: fmt.Errorf(format, args...), status: status}
}

// KindError tags err with a job error kind so clients can branch on it
// without parsing the message.
func KindError(status int, kind string, err error) error {
	return &httpError{err: err, status: status, kind: kind}
}

// RetryAfterError is a KindError that also tells the client when to retry.
func RetryAfterError(status int, kind string, after time.Duration, err error) error {
	return &httpError{err: err, status: status, kind: kind, retryAfter: after}
}

func ParseRequest[T any](r *http.Request) (T, error) {
	var data T
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		slog.Error("error parsing request body", "path", r.URL.Path, "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request body: %v", err)
	}
	return data, nil
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

func ParseRequestQueryParams[T any](r *http.Request) (T, error) {
	var data T
	if err := queryDecoder.Decode(&data, r.URL.Query()); err != nil {
		slog.Error("error decoding query params", "path", r.URL.Path, "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params: %v", err)
	}
	return data, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	herr := &httpError{err: err, status: http.StatusInternalServerError}
	if !errors.As(err, &herr) {
		slog.Error("endpoint returned an error without a status code", "path", r.URL.Path, "error", err)
	}

	if herr.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(herr.retryAfter.Round(time.Second)/time.Second)))
	}
	if herr.status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "status", herr.status, "error", err)
	}

	writeJson(w, herr.status, api.ErrorResponse{Error: err.Error(), Kind: herr.kind})
}

func RestHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if res == nil {
			res = struct{}{}
		}
		writeJson(w, http.StatusOK, res)
	}
}

func writeJson(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("error writing response body", "error", err)
	}
}

// URLParamUUID reads a job id path parameter. Job ids are UUIDs, so anything
// else is rejected before it reaches the registry.
func URLParamUUID(r *http.Request, key string) (uuid.UUID, error) {
	param := chi.URLParam(r, key)
	if param == "" {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "missing {%v} url parameter", key)
	}

	id, err := uuid.Parse(param)
	if err != nil {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "invalid uuid '%v' url parameter provided: %w", key, err)
	}
	return id, nil
}
