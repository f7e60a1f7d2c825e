package rpc

import (
	"log/slog"

	"github.com/optimatist/psh/internal/system"
	"github.com/optimatist/psh/internal/types"
)

// CollectHostInfo gathers the host identity registered for instanceID.
// Sources that fail leave their fields empty.
func CollectHostInfo(sys *system.System, instanceID string) types.HostInfo {
	logger := slog.Default().With("component", "rpc")
	info := types.HostInfo{InstanceID: instanceID}

	if osInfo, err := sys.OS.Info(); err == nil {
		info.Hostname = osInfo.Hostname
		info.OS = osInfo.Distro
		info.KernelVersion = osInfo.KernelVersion
	} else {
		logger.Warn("host info: os identity unavailable", "error", err)
	}

	if cpu, err := sys.CPU.Info(); err == nil {
		info.Architecture = cpu.Architecture()
	} else {
		logger.Warn("host info: cpu info unavailable", "error", err)
	}

	v4, v6, err := sys.Network.LocalAddresses()
	if err != nil {
		logger.Warn("host info: local addresses unavailable", "error", err)
		return info
	}
	if addr, ok := types.EncodeIPv4(v4); ok {
		info.LocalIPv4 = &addr
	}
	if addr, ok := types.EncodeIPv6(v6); ok {
		info.LocalIPv6 = &addr
	}
	return info
}
