package builder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"remote-index-builder/internal/core/types"
	"remote-index-builder/internal/dataset"
)

// Adapter runs an Engine on a validated dataset and serializes the result to
// memory or to a job-scoped scratch file.
type Adapter struct {
	engines    map[string]Engine
	scratchDir string
}

func NewAdapter(scratchDir string, engines ...Engine) (*Adapter, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating scratch dir %s: %w", scratchDir, err)
	}

	a := &Adapter{engines: make(map[string]Engine), scratchDir: scratchDir}
	for _, e := range engines {
		a.engines[e.Name()] = e
	}
	return a, nil
}

func (a *Adapter) Engines() []string {
	names := make([]string, 0, len(a.engines))
	for name := range a.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// guard runs fn and converts a returned error or a panic into a BuildError.
func guard(engine string, stage Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine panicked", "engine", engine, "stage", stage, "panic", r)
			err = &BuildError{Stage: stage, Engine: engine, Err: &PanicError{Value: r}}
		}
	}()

	if err := fn(); err != nil {
		var berr *BuildError
		if errors.As(err, &berr) {
			return err
		}
		return &BuildError{Stage: stage, Engine: engine, Err: err}
	}
	return nil
}

// BuildIndex trains an index for ds and adds all vectors to it. On error no
// index is returned and any partially built engine state has been closed.
func (a *Adapter) BuildIndex(ctx context.Context, ds *dataset.Dataset, req types.BuildRequest) (Index, error) {
	engine, ok := a.engines[req.Engine]
	if !ok {
		return nil, types.ValidationErrorf("engine", "engine '%s' is not available", req.Engine)
	}

	start := time.Now()

	var idx Index
	if err := guard(engine.Name(), StageTraining, func() error {
		var err error
		idx, err = engine.Train(ctx, ds, req.Params)
		if err == nil && idx == nil {
			err = errors.New("engine returned no index")
		}
		return err
	}); err != nil {
		return nil, err
	}
	slog.Info("index trained", "engine", engine.Name(), "vectors", ds.Count, "params", req.Params.String(), "duration", time.Since(start))

	if err := guard(engine.Name(), StageAdd, func() error { return idx.Add(ctx, ds) }); err != nil {
		closeIndex(engine.Name(), idx)
		return nil, err
	}
	slog.Info("vectors added to index", "engine", engine.Name(), "vectors", ds.Count, "duration", time.Since(start))

	return idx, nil
}

func closeIndex(engine string, idx Index) {
	err := guard(engine, StageSerialize, idx.Close)
	if err != nil {
		slog.Error("error releasing index", "engine", engine, "error", err)
	}
}

// Serialize writes idx in the requested mode. For disk mode a failed write
// leaves nothing behind in the scratch dir.
func (a *Adapter) Serialize(ctx context.Context, jobId string, idx Index, engine string, mode types.SerializationMode) (Artifact, error) {
	start := time.Now()

	var artifact Artifact
	switch mode {
	case types.SerializeMemory:
		var buf bytes.Buffer
		if err := guard(engine, StageSerialize, func() error {
			_, err := idx.WriteTo(&buf)
			return err
		}); err != nil {
			return nil, err
		}
		artifact = &memoryArtifact{data: buf.Bytes()}

	case types.SerializeDisk:
		dir, path := scratchPath(a.scratchDir, jobId, engine)
		fa := &fileArtifact{dir: dir, path: path}
		if err := guard(engine, StageSerialize, func() error {
			return writeFile(dir, path, idx, &fa.size)
		}); err != nil {
			if cerr := fa.Cleanup(); cerr != nil {
				slog.Error("error removing partial artifact", "job_id", jobId, "error", cerr)
			}
			return nil, err
		}
		artifact = fa

	default:
		return nil, types.ValidationErrorf("serialization_mode", "unsupported mode '%s'", mode)
	}

	slog.Info("index serialized", "job_id", jobId, "engine", engine, "mode", mode, "bytes", artifact.Size(), "duration", time.Since(start))
	return artifact, nil
}

func writeFile(dir, path string, idx Index, size *int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating job scratch dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating artifact file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriterSize(file, 1<<20)
	n, err := idx.WriteTo(w)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing artifact file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("error syncing artifact file: %w", err)
	}
	*size = n
	return nil
}

// build runs BuildIndex and Serialize back to back and always releases the
// engine state before returning.
func (a *Adapter) build(ctx context.Context, jobId string, ds *dataset.Dataset, req types.BuildRequest) (Artifact, error) {
	idx, err := a.BuildIndex(ctx, ds, req)
	if err != nil {
		return nil, err
	}
	defer closeIndex(req.Engine, idx)

	return a.Serialize(ctx, jobId, idx, req.Engine, req.SerializationMode)
}
