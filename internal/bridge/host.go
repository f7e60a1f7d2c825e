package bridge

import (
	"context"

	"github.com/optimatist/psh/internal/system"
)

// Host implements every capability over a provider registry. It holds no
// state of its own.
type Host struct {
	sys *system.System
}

// NewHost returns a Host reading from sys.
func NewHost(sys *system.System) *Host {
	return &Host{sys: sys}
}

func (h *Host) OSInfo(ctx context.Context) Result[OSInfo] {
	return guard(ctx, "os", "info", func() (OSInfo, error) {
		info, err := h.sys.OS.Info()
		return fromOSInfo(info), err
	})
}

func (h *Host) Processes(ctx context.Context) Result[[]ProcessInfo] {
	return guard(ctx, "os", "get-processes", func() ([]ProcessInfo, error) {
		procs, err := h.sys.OS.Processes(ctx)
		return fromProcesses(procs), err
	})
}

func (h *Host) CPUInfo(ctx context.Context) Result[CPUInfo] {
	return guard(ctx, "cpu", "info", func() (CPUInfo, error) {
		info, err := h.sys.CPU.Info()
		return fromCPUInfo(info), err
	})
}

func (h *Host) CPUStat(ctx context.Context, intervalMs uint64) Result[[]CPUStat] {
	return guard(ctx, "cpu", "stat", func() ([]CPUStat, error) {
		return h.sys.CPU.Stat(ctx, interval(intervalMs))
	})
}

func (h *Host) MemoryInfo(ctx context.Context) Result[[]MemoryModule] {
	return guard(ctx, "memory", "info", func() ([]MemoryModule, error) {
		return h.sys.Memory.Info()
	})
}

func (h *Host) MemoryStat(ctx context.Context) Result[MemInfo] {
	return guard(ctx, "memory", "stat", func() (MemInfo, error) {
		return h.sys.Memory.Stat()
	})
}

func (h *Host) DiskStat(ctx context.Context, intervalMs uint64) Result[[]DiskStat] {
	return guard(ctx, "disk", "stat", func() ([]DiskStat, error) {
		return h.sys.Disk.Stat(ctx, interval(intervalMs))
	})
}

func (h *Host) NetworkInfo(ctx context.Context) Result[[]NetworkInterface] {
	return guard(ctx, "network", "info", func() ([]NetworkInterface, error) {
		ifaces, err := h.sys.Network.Info()
		return fromInterfaces(ifaces), err
	})
}

func (h *Host) NetworkStat(ctx context.Context, intervalMs uint64) Result[[]NetworkStat] {
	return guard(ctx, "network", "stat", func() ([]NetworkStat, error) {
		return h.sys.Network.Stat(ctx, interval(intervalMs))
	})
}

func (h *Host) InterruptInfo(ctx context.Context) Result[[]InterruptInfo] {
	return guard(ctx, "interrupt", "info", func() ([]InterruptInfo, error) {
		info, err := h.sys.Interrupt.Info()
		return fromIRQInfo(info), err
	})
}

func (h *Host) InterruptStat(ctx context.Context, intervalMs uint64) Result[[]InterruptStat] {
	return guard(ctx, "interrupt", "stat", func() ([]InterruptStat, error) {
		stats, err := h.sys.Interrupt.Stat(ctx, interval(intervalMs))
		return fromInterruptStats(stats), err
	})
}

func (h *Host) RPSInfo(ctx context.Context) Result[[]RPSDetails] {
	return guard(ctx, "rps", "info", func() ([]RPSDetails, error) {
		return h.sys.RPS.Info()
	})
}
