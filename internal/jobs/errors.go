package jobs

import (
	"context"
	"errors"
	"fmt"

	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/resources"
)

type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindCapacity    Kind = "CapacityError"
	KindDownload    Kind = "DownloadError"
	KindUpload      Kind = "UploadError"
	KindBuild       Kind = "BuildError"
	KindTooManyJobs Kind = "TooManyJobsError"
	KindCancelled   Kind = "CancelledError"
	KindInternal    Kind = "InternalError"
)

// JobError is the structured failure recorded on a Failed job.
type JobError struct {
	Kind     Kind
	Stage    Stage
	SubStage string
	Message  string
	Err      error
}

func (e *JobError) Error() string {
	if e.SubStage != "" {
		return fmt.Sprintf("%s at %s (%s): %s", e.Kind, e.Stage, e.SubStage, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrCancelled   = errors.New("job cancelled")
	ErrUnavailable = errors.New("builder is not accepting jobs")
	ErrClosed      = errors.New("registry is closed")
)

type TooManyJobsError struct {
	Active int
	Limit  int
}

func (e *TooManyJobsError) Error() string {
	return fmt.Sprintf("too many jobs: %d active or queued, limit %d", e.Active, e.Limit)
}

// classify turns a stage failure into a JobError. Storage failures are
// reported as download or upload errors depending on where they happened.
func classify(stage Stage, err error, cancelled bool) *JobError {
	var (
		jerr  *JobError
		verr  *types.ValidationError
		cerr  *resources.CapacityError
		berr  *builder.BuildError
		tmerr *TooManyJobsError
	)

	je := &JobError{Stage: stage, Message: err.Error(), Err: err}

	switch {
	case errors.As(err, &jerr):
		return jerr
	case errors.Is(err, ErrCancelled), cancelled && errors.Is(err, context.Canceled):
		je.Kind = KindCancelled
		je.Message = "job was cancelled"
	case errors.As(err, &verr):
		je.Kind = KindValidation
	case errors.As(err, &cerr):
		je.Kind = KindCapacity
	case errors.Is(err, resources.ErrStoreFailed):
		je.Kind = KindInternal
	case errors.As(err, &berr):
		je.Kind = KindBuild
		je.SubStage = string(berr.Stage)
	case errors.As(err, &tmerr):
		je.Kind = KindTooManyJobs
	case stage == StageAccepted || stage == StageDownloading:
		je.Kind = KindDownload
	case stage == StageUploading:
		je.Kind = KindUpload
	default:
		je.Kind = KindInternal
	}
	return je
}
