package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"remote-index-builder/internal/builder"
	"remote-index-builder/internal/dataset"
	"remote-index-builder/internal/resources"
	"remote-index-builder/internal/storage"
)

// Controller drives a single job through its stages. Everything a job
// acquires is released before the job reaches a terminal stage.
type Controller struct {
	loader    *dataset.Loader
	adapter   *builder.Adapter
	gateway   *storage.Gateway
	store     *resources.Store
	estimator Estimator
}

func NewController(loader *dataset.Loader, adapter *builder.Adapter, gateway *storage.Gateway, store *resources.Store, estimator Estimator) *Controller {
	return &Controller{
		loader:    loader,
		adapter:   adapter,
		gateway:   gateway,
		store:     store,
		estimator: estimator,
	}
}

func (c *Controller) Store() *resources.Store {
	return c.store
}

func (c *Controller) Engines() []string {
	return c.adapter.Engines()
}

// jobState holds what a running job has acquired so far.
type jobState struct {
	rec         *record
	reservation *resources.Reservation
	dataset     *dataset.Dataset
	index       builder.Index
	artifact    builder.Artifact
}

func (s *jobState) closeIndex() {
	if s.index == nil {
		return
	}
	if err := s.index.Close(); err != nil {
		slog.Error("error closing index", "job_id", s.rec.id, "error", err)
	}
	s.index = nil
}

func (s *jobState) releaseDataset() {
	if s.dataset != nil {
		s.dataset.Release()
		s.dataset = nil
	}
}

// cleanup releases everything still held. Failures are logged and never
// replace the job's own outcome.
func (s *jobState) cleanup() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during job cleanup", "job_id", s.rec.id, "panic", r)
		}
	}()

	s.closeIndex()
	s.releaseDataset()

	if s.artifact != nil {
		if err := s.artifact.Cleanup(); err != nil {
			slog.Error("error removing job artifact", "job_id", s.rec.id, "error", err)
		}
		s.artifact = nil
	}

	if s.reservation != nil {
		s.reservation.Release()
		s.reservation = nil
	}
}

// run executes rec and returns its failure, if any. Everything the job
// acquired has been released when run returns; the caller records the
// terminal stage.
func (c *Controller) run(rec *record) *JobError {
	state := &jobState{rec: rec}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job panicked", "job_id", rec.id, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return c.execute(rec, state)
	}()

	state.cleanup()

	if err != nil {
		return classify(rec.Stage(), err, rec.Cancelled())
	}
	return nil
}

func checkpoint(rec *record) error {
	if rec.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (c *Controller) step(rec *record, to Stage) error {
	if err := checkpoint(rec); err != nil {
		return err
	}
	if !rec.advance(to) {
		return fmt.Errorf("cannot move job from %s to %s", rec.Stage(), to)
	}
	return nil
}

func (c *Controller) execute(rec *record, state *jobState) error {
	ctx := rec.ctx
	req := rec.request

	if err := checkpoint(rec); err != nil {
		return err
	}
	if err := c.loader.Preflight(ctx, req); err != nil {
		return err
	}

	if err := c.step(rec, StageReserving); err != nil {
		return err
	}
	gpuBytes, hostBytes := c.estimator.Estimate(req)
	res, err := c.store.Reserve(ctx, gpuBytes, hostBytes)
	if err != nil {
		return err
	}
	state.reservation = res
	slog.Info("job resources reserved", "job_id", rec.id, "gpu_bytes", res.GpuBytes(), "host_bytes", res.HostBytes())

	if err := c.step(rec, StageDownloading); err != nil {
		return err
	}
	blobs, err := c.loader.Fetch(ctx, req)
	if err != nil {
		return err
	}

	if err := c.step(rec, StageValidating); err != nil {
		return err
	}
	ds, err := dataset.Parse(req, blobs)
	if err != nil {
		return err
	}
	state.dataset = ds

	if err := c.step(rec, StageBuilding); err != nil {
		return err
	}
	idx, err := c.adapter.BuildIndex(ctx, ds, req)
	if err != nil {
		return err
	}
	state.index = idx

	if err := c.step(rec, StageSerializing); err != nil {
		return err
	}
	artifact, err := c.adapter.Serialize(ctx, rec.id, idx, req.Engine, req.SerializationMode)
	if err != nil {
		return err
	}
	state.artifact = artifact

	// The device is no longer needed; let the next job reserve it while
	// this one uploads.
	state.closeIndex()
	state.releaseDataset()
	res.ReleaseDevice()

	if err := c.step(rec, StageUploading); err != nil {
		return err
	}
	if err := c.gateway.Upload(ctx, req.ContainerName, req.OutputPath, artifact); err != nil {
		if rec.Cancelled() && errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return err
	}
	return nil
}
