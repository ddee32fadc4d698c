package resources

import (
	"log/slog"
	"sync"
)

// Reservation is a claim on store capacity owned by a single job. The GPU
// portion can be handed back early with ReleaseDevice once the job no longer
// needs the device; Release returns whatever is still held. Both are safe to
// call any number of times.
type Reservation struct {
	store *Store

	mu          sync.Mutex
	gpuBytes    int64
	hostBytes   int64
	gpuReleased bool
	released    bool
}

func newReservation(s *Store, gpu, host int64) *Reservation {
	return &Reservation{store: s, gpuBytes: gpu, hostBytes: host}
}

func (r *Reservation) GpuBytes() int64 {
	return r.gpuBytes
}

func (r *Reservation) HostBytes() int64 {
	return r.hostBytes
}

func (r *Reservation) ReleaseDevice() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released || r.gpuReleased {
		return
	}
	r.gpuReleased = true
	r.store.release(r.gpuBytes, 0, r.gpuBytes > 0, false)
	slog.Info("device reservation released", "gpu_bytes", r.gpuBytes)
}

func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	var gpu int64
	if !r.gpuReleased {
		gpu = r.gpuBytes
		r.gpuReleased = true
	}
	r.store.release(gpu, r.hostBytes, gpu > 0, true)
	slog.Info("reservation released", "gpu_bytes", r.gpuBytes, "host_bytes", r.hostBytes)
}
