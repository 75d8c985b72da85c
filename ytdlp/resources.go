package ytdlp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const cpuSampleWindow = 500 * time.Millisecond

// checkResources verifies that the host has enough idle CPU, free memory and
// free disk under dir to start a fetch. A zero threshold disables its check.
func (r *Runner) checkResources(ctx context.Context, dir string) error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
		if err != nil {
			r.log.Warn("could not get CPU usage", slog.String("error", err.Error()))
		} else if len(p) > 0 && p[0] > 100.0-r.cfg.ThrottleCPU {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			r.log.Warn("could not get memory usage", slog.String("error", err.Error()))
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			r.log.Warn("could not get disk usage", slog.String("dir", dir), slog.String("error", err.Error()))
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
