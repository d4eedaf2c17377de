// Package sysinfo detects the resources this node can offer to a cluster.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/synergy-network/synergy-node/internal/models"
)

const mb = 1 << 20

// Source reads raw host figures. Tests replace it with a fixed source.
type Source interface {
	LogicalCPUs(ctx context.Context) (int, error)
	TotalMemory(ctx context.Context) (uint64, error)
	FreeDisk(ctx context.Context, path string) (uint64, error)
}

// HostSource reads the figures of the running host.
type HostSource struct{}

// LogicalCPUs returns the number of logical cores.
func (HostSource) LogicalCPUs(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// TotalMemory returns physical memory in bytes.
func (HostSource) TotalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// FreeDisk returns the bytes available on the filesystem holding path.
func (HostSource) FreeDisk(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Options tune detection. Bandwidth, GPU and special hardware cannot be
// measured reliably and are taken as declared.
type Options struct {
	DataDir         string
	Bandwidth       int64
	GPU             bool
	SpecialHardware []string
}

// Detect builds the capability vector of this node. A failed read leaves
// its field at zero and is reported in the joined error; the partial vector
// is still returned.
func Detect(ctx context.Context, src Source, opts Options, logger *slog.Logger) (models.ResourceCapabilities, error) {
	if src == nil {
		src = HostSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DataDir == "" {
		opts.DataDir = "/"
	}

	caps := models.ResourceCapabilities{
		Bandwidth:       opts.Bandwidth,
		GPU:             opts.GPU,
		SpecialHardware: opts.SpecialHardware,
	}
	var errs []error

	if n, err := src.LogicalCPUs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("counting cpus: %w", err))
	} else {
		caps.CPU = n
	}
	if total, err := src.TotalMemory(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reading memory: %w", err))
	} else {
		caps.Memory = int64(total / mb)
	}
	if free, err := src.FreeDisk(ctx, opts.DataDir); err != nil {
		errs = append(errs, fmt.Errorf("reading disk usage of %s: %w", opts.DataDir, err))
	} else {
		caps.Storage = int64(free / mb)
	}

	logger.Info("detected node resources",
		"component", "sysinfo",
		"cpu", caps.CPU,
		"memory_mb", caps.Memory,
		"storage_mb", caps.Storage,
		"gpu", caps.GPU,
	)
	return caps, errors.Join(errs...)
}
