package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/pkg/api"
)

// JobRecord is a point-in-time copy of a job's state.
type JobRecord struct {
	JobId       string
	Request     types.BuildRequest
	Stage       Stage
	StartTime   time.Time
	EndTime     time.Time
	ArtifactKey string
	Err         *JobError
}

func (r JobRecord) Terminal() bool {
	return r.Stage.IsTerminal()
}

func (r JobRecord) StatusResponse() api.StatusResponse {
	resp := api.StatusResponse{
		JobId:      r.JobId,
		TaskStatus: r.Stage.TaskStatus(),
		Stage:      string(r.Stage),
		StartTime:  r.StartTime,
	}
	if !r.EndTime.IsZero() {
		end := r.EndTime
		resp.EndTime = &end
	}
	if r.Stage == StageSucceeded {
		resp.FileName = r.ArtifactKey
	}
	if r.Err != nil {
		resp.ErrorMessage = r.Err.Error()
		resp.Error = &api.JobError{
			Kind:    string(r.Err.Kind),
			Stage:   string(r.Err.Stage),
			Message: r.Err.Message,
		}
	}
	return resp
}

// record is the live, mutable state of one job. Only the controller running
// the job moves its stage forward.
type record struct {
	id      string
	request types.BuildRequest

	mu          sync.Mutex
	stage       Stage
	start       time.Time
	end         time.Time
	artifactKey string
	err         *JobError
	retrieved   bool

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func newRecord(parent context.Context, id string, req types.BuildRequest) *record {
	ctx, cancel := context.WithCancel(parent)
	return &record{
		id:      id,
		request: req,
		stage:   StageAccepted,
		start:   time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (r *record) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Cancel flags the job and aborts in-flight I/O. The controller notices the
// flag at its next stage boundary.
func (r *record) Cancel() {
	r.cancelled.Store(true)
	r.cancel()
}

func (r *record) Cancelled() bool {
	return r.cancelled.Load()
}

// advance moves the job one stage forward.
func (r *record) advance(to Stage) bool {
	r.mu.Lock()
	from := r.stage
	if !canTransition(from, to) || to.IsTerminal() {
		r.mu.Unlock()
		slog.Error("invalid stage transition", "job_id", r.id, "from", from, "to", to)
		return false
	}
	r.stage = to
	r.mu.Unlock()

	slog.Info("job stage transition", "job_id", r.id, "from", from, "to", to)
	return true
}

func (r *record) succeed(artifactKey string) {
	r.mu.Lock()
	from := r.stage
	if !canTransition(from, StageSucceeded) {
		r.mu.Unlock()
		r.fail(&JobError{Kind: KindInternal, Stage: from, Message: fmt.Sprintf("cannot complete job from stage %s", from)})
		return
	}
	r.stage = StageSucceeded
	r.artifactKey = artifactKey
	r.end = time.Now()
	r.mu.Unlock()

	slog.Info("job succeeded", "job_id", r.id, "artifact", artifactKey, "duration", r.end.Sub(r.start))
	r.finish()
}

func (r *record) fail(jerr *JobError) {
	r.mu.Lock()
	if r.stage.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.stage = StageFailed
	r.err = jerr
	r.end = time.Now()
	r.mu.Unlock()

	slog.Error("job failed", "job_id", r.id, "kind", jerr.Kind, "stage", jerr.Stage, "message", jerr.Message)
	r.finish()
}

func (r *record) complete(jerr *JobError) {
	if jerr != nil {
		r.fail(jerr)
		return
	}
	r.succeed(r.request.OutputPath)
}

func (r *record) finish() {
	r.cancel()
	close(r.done)
}

func (r *record) Done() <-chan struct{} {
	return r.done
}

func (r *record) Snapshot() JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return JobRecord{
		JobId:       r.id,
		Request:     r.request,
		Stage:       r.stage,
		StartTime:   r.start,
		EndTime:     r.end,
		ArtifactKey: r.artifactKey,
		Err:         r.err,
	}
}

// markRetrieved records that a caller saw the terminal result and reports
// whether this was the first time.
func (r *record) markRetrieved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stage.IsTerminal() || r.retrieved {
		return false
	}
	r.retrieved = true
	return true
}

func (r *record) expired(now time.Time, retention time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage.IsTerminal() && now.Sub(r.end) >= retention
}
