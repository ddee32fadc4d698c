package jobs

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/resources"
	"remote-index-builder/pkg/api"
)

// jobNamespace seeds the name-based job ids so identical requests map to the
// same id across restarts.
var jobNamespace = uuid.MustParse("6f1c2a0e-7d4b-5e8a-9c3f-2b1d0e4a6c57")

func JobId(req types.BuildRequest) string {
	return uuid.NewSHA1(jobNamespace, req.Canonical()).String()
}

type RegistryConfig struct {
	Policy        resources.Policy
	MaxConcurrent int
	MaxQueued     int
	Retention     time.Duration
	EvictOnRead   bool
	ParseOptions  types.ParseOptions
}

// Registry tracks jobs by id and enforces the active job ceiling. Under the
// reject policy a submission beyond the ceiling fails immediately; under the
// queue policy it waits in submission order for a free slot.
type Registry struct {
	controller *Controller
	cfg        RegistryConfig

	slots *semaphore.Weighted

	mu      sync.Mutex
	jobs    map[string]*record
	pending *list.List
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(controller *Controller, cfg RegistryConfig) *Registry {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = resources.PolicyReject
	}
	if len(cfg.ParseOptions.Engines) == 0 {
		cfg.ParseOptions.Engines = controller.Engines()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		controller: controller,
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobs:       make(map[string]*record),
		pending:    list.New(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Parse validates a wire request with the deployment's parse options.
func (r *Registry) Parse(raw api.BuildRequest) (types.BuildRequest, error) {
	return types.ParseBuildRequest(raw, r.cfg.ParseOptions)
}

// Healthy returns an error once the resource accounting can no longer be
// trusted.
func (r *Registry) Healthy() error {
	if err := r.controller.Store().Healthy(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (r *Registry) Usage() resources.Usage {
	return r.controller.Store().Usage()
}

// Submit registers req and starts it, or queues it under the queue policy.
// An identical request that is already known returns the existing id unless
// the earlier run failed.
func (r *Registry) Submit(req types.BuildRequest) (string, error) {
	if err := r.Healthy(); err != nil {
		return "", err
	}

	id := JobId(req)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrClosed
	}

	if existing, ok := r.jobs[id]; ok {
		if !bytes.Equal(existing.request.Canonical(), req.Canonical()) {
			return "", types.ValidationErrorf("request", "hash collision with job %s", id)
		}
		if existing.Stage() != StageFailed {
			slog.Info("duplicate build request", "job_id", id, "stage", existing.Stage())
			return id, nil
		}
		slog.Info("replacing failed job", "job_id", id)
	}

	if r.slots.TryAcquire(1) {
		rec := r.add(id, req)
		r.start(rec)
		return id, nil
	}

	if r.cfg.Policy == resources.PolicyReject || r.pending.Len() >= r.cfg.MaxQueued {
		active := r.cfg.MaxConcurrent + r.pending.Len()
		slog.Warn("build request rejected", "job_id", id, "active", active, "policy", r.cfg.Policy)
		return "", &TooManyJobsError{Active: active, Limit: r.cfg.MaxConcurrent + r.queueLimit()}
	}

	rec := r.add(id, req)
	r.pending.PushBack(rec)
	slog.Info("job queued", "job_id", id, "position", r.pending.Len())
	return id, nil
}

func (r *Registry) queueLimit() int {
	if r.cfg.Policy == resources.PolicyQueue {
		return r.cfg.MaxQueued
	}
	return 0
}

// add stores a new record. Callers hold r.mu.
func (r *Registry) add(id string, req types.BuildRequest) *record {
	rec := newRecord(r.ctx, id, req)
	r.jobs[id] = rec
	slog.Info("job accepted", "job_id", id, "container", req.ContainerName, "vector_path", req.VectorPath,
		"dimension", req.Dimension, "doc_count", req.DocCount, "engine", req.Engine, "mode", req.SerializationMode)
	return rec
}

// start runs rec on a held slot. The slot is handed on before the job
// reports its terminal stage. Callers hold r.mu.
func (r *Registry) start(rec *record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		outcome := r.controller.run(rec)
		r.finished()
		rec.complete(outcome)
	}()
}

// finished hands the slot to the oldest queued job, or frees it.
func (r *Registry) finished() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if front := r.pending.Front(); front != nil && !r.closed {
		r.pending.Remove(front)
		r.start(front.Value.(*record))
		return
	}
	r.slots.Release(1)
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec, nil
}

// read snapshots rec and evicts it when configured to drop terminal records
// once they have been seen.
func (r *Registry) read(rec *record) JobRecord {
	snap := rec.Snapshot()
	if r.cfg.EvictOnRead && rec.markRetrieved() {
		r.evict(rec)
	}
	return snap
}

// Peek snapshots a job without counting as a read for eviction.
func (r *Registry) Peek(id string) (JobRecord, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return JobRecord{}, err
	}
	return rec.Snapshot(), nil
}

func (r *Registry) Status(id string) (JobRecord, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return JobRecord{}, err
	}
	return r.read(rec), nil
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (JobRecord, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return JobRecord{}, err
	}

	select {
	case <-rec.Done():
		return r.read(rec), nil
	case <-ctx.Done():
		return rec.Snapshot(), ctx.Err()
	}
}

// Cancel requests cancellation. Running jobs stop at their next stage
// boundary; queued jobs fail right away. Terminal jobs are left untouched.
func (r *Registry) Cancel(id string) (JobRecord, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if rec.Stage().IsTerminal() {
		r.mu.Unlock()
		return rec.Snapshot(), nil
	}

	rec.Cancel()
	slog.Info("job cancellation requested", "job_id", id, "stage", rec.Stage())

	var queued bool
	for e := r.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*record) == rec {
			r.pending.Remove(e)
			queued = true
			break
		}
	}
	r.mu.Unlock()

	if queued {
		rec.fail(classify(StageAccepted, ErrCancelled, true))
	}
	return rec.Snapshot(), nil
}

// List returns the known jobs ordered by start time, optionally filtered by
// stage.
func (r *Registry) List(stage Stage) []JobRecord {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	out := make([]JobRecord, 0, len(recs))
	for _, rec := range recs {
		snap := rec.Snapshot()
		if stage != "" && snap.Stage != stage {
			continue
		}
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b JobRecord) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return bytes.Compare([]byte(a.JobId), []byte(b.JobId))
	})
	return out
}

// ActiveJobs counts jobs that have not reached a terminal stage.
func (r *Registry) ActiveJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.jobs {
		if !rec.Stage().IsTerminal() {
			n++
		}
	}
	return n
}

func (r *Registry) evict(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[rec.id] == rec {
		delete(r.jobs, rec.id)
		slog.Debug("job record evicted", "job_id", rec.id)
	}
}

// EvictExpired drops terminal records older than the retention period.
func (r *Registry) EvictExpired() int {
	return r.evictBefore(time.Now())
}

func (r *Registry) evictBefore(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.jobs {
		if rec.expired(now, r.cfg.Retention) {
			delete(r.jobs, id)
			n++
		}
	}
	if n > 0 {
		slog.Info("evicted expired job records", "count", n)
	}
	return n
}

// Close stops accepting jobs, fails queued ones and waits for running jobs.
// If ctx ends first the running jobs are cancelled and awaited.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var queued []*record
	for e := r.pending.Front(); e != nil; e = e.Next() {
		queued = append(queued, e.Value.(*record))
	}
	r.pending.Init()
	r.mu.Unlock()

	for _, rec := range queued {
		rec.Cancel()
		rec.fail(classify(StageAccepted, ErrCancelled, true))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		slog.Warn("cancelling running jobs on shutdown")
		r.mu.Lock()
		for _, rec := range r.jobs {
			if !rec.Stage().IsTerminal() {
				rec.Cancel()
			}
		}
		r.mu.Unlock()
		r.cancel()
		<-done
		return ctx.Err()
	}
}
