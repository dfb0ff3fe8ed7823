package deps

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

// Probe satisfies update.SystemProbe using gopsutil.
type Probe struct {
	// Path is the filesystem whose free space is reported, normally the
	// install dir.
	Path        string
	DeviceModel string
}

func (p Probe) SystemInfo(ctx context.Context) (update.SystemInfo, error) {
	return CollectSystemInfo(ctx, p.Path, p.DeviceModel)
}

// CollectSystemInfo snapshots architecture, free disk under path and total
// memory.
func CollectSystemInfo(ctx context.Context, path, model string) (update.SystemInfo, error) {
	info := update.SystemInfo{
		Arch:        runtime.GOARCH,
		DeviceModel: model,
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = h.Platform
		if h.KernelArch != "" {
			info.Arch = normalizeArch(h.KernelArch)
		}
	} else {
		log.Debug("host info unavailable", logging.KeyError, err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("read memory info: %w", err)
	}
	info.TotalMemoryMB = vm.Total / (1024 * 1024)

	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return info, fmt.Errorf("read disk usage for %s: %w", path, err)
	}
	info.FreeDiskMB = usage.Free / (1024 * 1024)
	return info, nil
}

func normalizeArch(kernelArch string) string {
	switch kernelArch {
	case "x86_64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l", "armv6l":
		return "arm"
	}
	return kernelArch
}
