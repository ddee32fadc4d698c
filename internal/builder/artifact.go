package builder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"remote-index-builder/internal/core/types"
)

// Artifact is a serialized index waiting for upload. Cleanup removes anything
// it holds on disk and is safe to call more than once.
type Artifact interface {
	Open() (io.ReadCloser, error)
	Size() int64
	Mode() types.SerializationMode
	Cleanup() error
}

type memoryArtifact struct {
	data []byte
}

func (a *memoryArtifact) Open() (io.ReadCloser, error) {
	if a.data == nil {
		return nil, fmt.Errorf("artifact has been released")
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

func (a *memoryArtifact) Size() int64 {
	return int64(len(a.data))
}

func (a *memoryArtifact) Mode() types.SerializationMode {
	return types.SerializeMemory
}

func (a *memoryArtifact) Cleanup() error {
	a.data = nil
	return nil
}

type fileArtifact struct {
	dir  string
	path string
	size int64
}

func (a *fileArtifact) Open() (io.ReadCloser, error) {
	return os.Open(a.path)
}

func (a *fileArtifact) Size() int64 {
	return a.size
}

func (a *fileArtifact) Mode() types.SerializationMode {
	return types.SerializeDisk
}

func (a *fileArtifact) Path() string {
	return a.path
}

func (a *fileArtifact) Cleanup() error {
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("error removing scratch dir %s: %w", a.dir, err)
	}
	return nil
}

func scratchPath(scratchDir, jobId, engine string) (string, string) {
	dir := filepath.Join(scratchDir, jobId)
	return dir, filepath.Join(dir, "index."+engine)
}
