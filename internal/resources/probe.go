package resources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

const mib = 1 << 20

type DeviceInfo struct {
	TotalBytes int64
	UsedBytes  int64
}

// DeviceProbe reports the memory of the GPU the builder runs on.
type DeviceProbe func(ctx context.Context) (DeviceInfo, error)

// HostProbe reports the physical memory of the machine.
type HostProbe func(ctx context.Context) (int64, error)

var ErrDeviceInUse = errors.New("gpu memory is already in use at startup")

// NvidiaSMIProbe queries the first GPU through nvidia-smi.
func NvidiaSMIProbe(ctx context.Context) (DeviceInfo, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=memory.total,memory.used", "--format=csv,noheader,nounits")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("error running nvidia-smi: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) (DeviceInfo, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return DeviceInfo{}, fmt.Errorf("unexpected nvidia-smi output '%s'", line)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("invalid gpu memory total '%s': %w", fields[0], err)
	}
	used, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("invalid gpu memory used '%s': %w", fields[1], err)
	}
	return DeviceInfo{TotalBytes: total * mib, UsedBytes: used * mib}, nil
}

func SystemMemoryProbe(ctx context.Context) (int64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("error reading system memory: %w", err)
	}
	return int64(vm.Total), nil
}

type DiscoverOptions struct {
	GpuMemoryOverride  int64
	HostMemoryOverride int64
	HostMemoryFraction float64
	UsedTolerance      int64
	Device             DeviceProbe
	Host               HostProbe
}

// Discover determines the capacity ceilings. An ErrDeviceInUse result comes
// with a usable Capacity; the caller is expected to mark the store failed.
func Discover(ctx context.Context, opts DiscoverOptions) (Capacity, error) {
	var capacity Capacity

	if opts.Device == nil {
		opts.Device = NvidiaSMIProbe
	}
	if opts.Host == nil {
		opts.Host = SystemMemoryProbe
	}

	device, probeErr := opts.Device(ctx)
	switch {
	case opts.GpuMemoryOverride > 0:
		capacity.GpuBytes = opts.GpuMemoryOverride
		if probeErr != nil {
			slog.Warn("gpu probe failed, using configured gpu memory ceiling", "gpu_bytes", capacity.GpuBytes, "error", probeErr)
		}
	case probeErr != nil:
		return capacity, fmt.Errorf("unable to determine gpu memory: %w", probeErr)
	default:
		capacity.GpuBytes = device.TotalBytes
	}

	if opts.HostMemoryOverride > 0 {
		capacity.HostBytes = opts.HostMemoryOverride
	} else {
		total, err := opts.Host(ctx)
		if err != nil {
			return capacity, err
		}
		capacity.HostBytes = int64(float64(total) * opts.HostMemoryFraction)
	}

	slog.Info("resource capacity discovered", "gpu_bytes", capacity.GpuBytes, "host_bytes", capacity.HostBytes)

	if probeErr == nil && device.UsedBytes > opts.UsedTolerance {
		return capacity, fmt.Errorf("%w: %d bytes used, tolerance %d", ErrDeviceInUse, device.UsedBytes, opts.UsedTolerance)
	}

	return capacity, nil
}
