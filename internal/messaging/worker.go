package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/jobs"
	"remote-index-builder/pkg/api"
)

// Worker feeds build tasks from a queue into the job registry and publishes
// one result per task once its job is terminal.
type Worker struct {
	registry  *jobs.Registry
	receiver  Reciever
	publisher Publisher

	// BackoffDelay is how long a task that hit backpressure is held before it
	// is handed back to the queue.
	BackoffDelay time.Duration
}

func NewWorker(registry *jobs.Registry, receiver Reciever, publisher Publisher) *Worker {
	return &Worker{
		registry:     registry,
		receiver:     receiver,
		publisher:    publisher,
		BackoffDelay: RetryDelay,
	}
}

// Run processes tasks until ctx is done or the receiver is closed, then waits
// for in-flight tasks to settle.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	slog.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "reason", ctx.Err())
			return
		case task, ok := <-w.receiver.Tasks():
			if !ok {
				slog.Info("worker task channel closed")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.handle(ctx, task)
			}()
		}
	}
}

func settle(task Task, action string, fn func() error) {
	if err := fn(); err != nil {
		slog.Error("error settling task", "queue", task.Type(), "action", action, "error", err)
	}
}

// requeue hands the task back after the backoff delay.
func (w *Worker) requeue(ctx context.Context, task Task) {
	select {
	case <-time.After(w.BackoffDelay):
	case <-ctx.Done():
	}
	settle(task, "nack", task.Nack)
}

func isBackpressure(err error) bool {
	var tmerr *jobs.TooManyJobsError
	return errors.As(err, &tmerr) || errors.Is(err, jobs.ErrUnavailable) || errors.Is(err, jobs.ErrClosed)
}

func failureResult(jobId string, stage jobs.Stage, kind jobs.Kind, err error) api.BuildResultPayload {
	return api.BuildResultPayload{
		JobId:  jobId,
		Status: api.TaskFailed,
		Error:  &api.JobError{Kind: string(kind), Stage: string(stage), Message: err.Error()},
	}
}

func resultFromRecord(rec jobs.JobRecord) api.BuildResultPayload {
	status := rec.StatusResponse()
	return api.BuildResultPayload{
		JobId:     rec.JobId,
		Status:    status.TaskStatus,
		IndexPath: status.FileName,
		Error:     status.Error,
	}
}

func (w *Worker) publish(ctx context.Context, task Task, result api.BuildResultPayload) {
	if err := w.publisher.PublishBuildResult(ctx, result); err != nil {
		slog.Error("error publishing build result", "job_id", result.JobId, "error", err)
		settle(task, "nack", task.Nack)
		return
	}
	slog.Info("build result published", "job_id", result.JobId, "status", result.Status)
	settle(task, "ack", task.Ack)
}

func (w *Worker) handle(ctx context.Context, task Task) {
	var payload api.BuildTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error parsing build task", "queue", task.Type(), "error", err)
		settle(task, "reject", task.Reject)
		return
	}

	req, err := w.registry.Parse(payload.Request)
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("invalid build task", "field", verr.Field, "error", err)
			w.publish(ctx, task, failureResult("", jobs.StageAccepted, jobs.KindValidation, err))
			return
		}
		settle(task, "reject", task.Reject)
		return
	}

	jobId, err := w.registry.Submit(req)
	if err != nil {
		if isBackpressure(err) {
			slog.Warn("build task deferred", "error", err)
			w.requeue(ctx, task)
			return
		}
		w.publish(ctx, task, failureResult(jobs.JobId(req), jobs.StageAccepted, jobs.KindValidation, err))
		return
	}

	rec, err := w.registry.Wait(ctx, jobId)
	if err != nil {
		// Shutting down; the job is cancelled by the registry and the task
		// is redelivered to the next worker.
		settle(task, "nack", task.Nack)
		return
	}

	if rec.Err != nil && rec.Err.Kind == jobs.KindCapacity {
		slog.Warn("build task deferred on capacity", "job_id", jobId, "error", rec.Err)
		w.requeue(ctx, task)
		return
	}

	w.publish(ctx, task, resultFromRecord(rec))
}
