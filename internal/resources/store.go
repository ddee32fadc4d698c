package resources

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type Policy string

const (
	// PolicyQueue makes Reserve wait, in arrival order, until capacity frees up.
	PolicyQueue Policy = "queue"
	// PolicyReject makes Reserve fail immediately when capacity is not free.
	PolicyReject Policy = "reject"
)

type Capacity struct {
	GpuBytes  int64
	HostBytes int64
}

type CapacityError struct {
	GpuBytes      int64
	HostBytes     int64
	GpuAvailable  int64
	HostAvailable int64
	Reason        string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf(
		"insufficient capacity: %s (requested gpu=%d host=%d, available gpu=%d host=%d)",
		e.Reason, e.GpuBytes, e.HostBytes, e.GpuAvailable, e.HostAvailable,
	)
}

var ErrStoreFailed = errors.New("resource store is in a failed state")

type waiter struct {
	gpu, host int64
	ready     chan struct{}
	granted   bool
}

// Store tracks GPU and host memory reservations against fixed ceilings. A
// reservation holding GPU bytes also owns the device: no other reservation
// with GPU bytes is granted until it releases them.
type Store struct {
	mu sync.Mutex

	capacity  Capacity
	policy    Policy
	gpuInUse  int64
	hostInUse int64
	deviceOwn bool
	active    int
	waiters   list.List
	failure   error
}

func NewStore(capacity Capacity, policy Policy) *Store {
	if policy != PolicyQueue {
		policy = PolicyReject
	}
	return &Store{capacity: capacity, policy: policy}
}

func (s *Store) fits(gpu, host int64) bool {
	if gpu > 0 && s.deviceOwn {
		return false
	}
	return gpu <= s.capacity.GpuBytes-s.gpuInUse && host <= s.capacity.HostBytes-s.hostInUse
}

func (s *Store) grant(gpu, host int64) {
	s.gpuInUse += gpu
	s.hostInUse += host
	if gpu > 0 {
		s.deviceOwn = true
	}
	s.active++
}

func (s *Store) capacityError(gpu, host int64, reason string) *CapacityError {
	return &CapacityError{
		GpuBytes:      gpu,
		HostBytes:     host,
		GpuAvailable:  s.capacity.GpuBytes - s.gpuInUse,
		HostAvailable: s.capacity.HostBytes - s.hostInUse,
		Reason:        reason,
	}
}

// Reserve claims gpuBytes and hostBytes for one job. Either the whole claim is
// granted or nothing is. Requests larger than a ceiling always fail with a
// CapacityError; otherwise the configured policy decides between waiting and
// failing immediately.
func (s *Store) Reserve(ctx context.Context, gpuBytes, hostBytes int64) (*Reservation, error) {
	if gpuBytes < 0 || hostBytes < 0 {
		return nil, fmt.Errorf("invalid reservation request gpu=%d host=%d", gpuBytes, hostBytes)
	}

	s.mu.Lock()

	if s.failure != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, s.failure)
	}

	if gpuBytes > s.capacity.GpuBytes || hostBytes > s.capacity.HostBytes {
		err := s.capacityError(gpuBytes, hostBytes, "request exceeds configured ceiling")
		s.mu.Unlock()
		slog.Warn("reservation denied", "gpu_bytes", gpuBytes, "host_bytes", hostBytes, "reason", err.Reason)
		return nil, err
	}

	if s.waiters.Len() == 0 && s.fits(gpuBytes, hostBytes) {
		s.grant(gpuBytes, hostBytes)
		s.mu.Unlock()
		slog.Info("reservation granted", "gpu_bytes", gpuBytes, "host_bytes", hostBytes)
		return newReservation(s, gpuBytes, hostBytes), nil
	}

	if s.policy == PolicyReject {
		err := s.capacityError(gpuBytes, hostBytes, "capacity is held by other jobs")
		s.mu.Unlock()
		slog.Warn("reservation denied", "gpu_bytes", gpuBytes, "host_bytes", hostBytes, "reason", err.Reason)
		return nil, err
	}

	w := &waiter{gpu: gpuBytes, host: hostBytes, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	slog.Info("reservation queued", "gpu_bytes", gpuBytes, "host_bytes", hostBytes)

	select {
	case <-w.ready:
		slog.Info("reservation granted", "gpu_bytes", gpuBytes, "host_bytes", hostBytes)
		return newReservation(s, gpuBytes, hostBytes), nil

	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Granted concurrently with the cancellation; hand the capacity back.
			s.mu.Unlock()
			newReservation(s, gpuBytes, hostBytes).Release()
			return nil, ctx.Err()
		}
		isFront := s.waiters.Front() == elem
		s.waiters.Remove(elem)
		if isFront {
			s.notifyWaiters()
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notifyWaiters grants queued requests strictly in arrival order. A request
// that does not fit blocks everything behind it. Callers hold s.mu.
func (s *Store) notifyWaiters() {
	for {
		next := s.waiters.Front()
		if next == nil {
			return
		}
		w := next.Value.(*waiter)
		if !s.fits(w.gpu, w.host) {
			return
		}
		s.grant(w.gpu, w.host)
		w.granted = true
		s.waiters.Remove(next)
		close(w.ready)
	}
}

func (s *Store) release(gpu, host int64, releaseDevice, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gpuInUse -= gpu
	s.hostInUse -= host
	if releaseDevice {
		s.deviceOwn = false
	}
	if final {
		s.active--
	}

	if s.gpuInUse < 0 || s.hostInUse < 0 || s.active < 0 {
		s.failure = fmt.Errorf("reservation accounting underflow: gpu_in_use=%d host_in_use=%d active=%d", s.gpuInUse, s.hostInUse, s.active)
		slog.Error("resource accounting corrupted, refusing further reservations", "error", s.failure)
		s.gpuInUse = max(s.gpuInUse, 0)
		s.hostInUse = max(s.hostInUse, 0)
		s.active = max(s.active, 0)
	}

	s.notifyWaiters()
}

// MarkFailed puts the store in a failed state. Every later Reserve fails.
func (s *Store) MarkFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
		slog.Error("resource store marked failed", "error", err)
	}
}

// Healthy returns the error that put the store in a failed state, if any.
func (s *Store) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, s.failure)
	}
	return nil
}

type Usage struct {
	Capacity     Capacity
	GpuInUse     int64
	HostInUse    int64
	Reservations int
	Waiting      int
	DeviceOwned  bool
}

func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		Capacity:     s.capacity,
		GpuInUse:     s.gpuInUse,
		HostInUse:    s.hostInUse,
		Reservations: s.active,
		Waiting:      s.waiters.Len(),
		DeviceOwned:  s.deviceOwn,
	}
}
