package bridge

import (
	"net"

	"github.com/optimatist/psh/internal/system"
	"github.com/optimatist/psh/internal/types"
)

// Payloads whose provider representation is already the guest schema.
type (
	CPUStat      = system.CPUStat
	MemInfo      = system.MemInfo
	MemoryModule = system.MemoryModule
	DiskStat     = system.DiskStat
	NetworkStat  = system.NetworkStat
	RPSDetails   = system.RPSDetails
)

// OSInfo is the guest view of the OS identity.
type OSInfo struct {
	Distro        string `cbor:"distro"`
	DistroVersion string `cbor:"distro_version"`
	Kernel        string `cbor:"kernel"`
	Hostname      string `cbor:"hostname"`
	Arch          string `cbor:"arch"`
}

// ProcessInfo is one process. CPUUsage is a fraction of one CPU.
type ProcessInfo struct {
	PID         uint32  `cbor:"pid"`
	Name        string  `cbor:"name"`
	CPUUsage    float64 `cbor:"cpu_usage"`
	MemoryUsage float32 `cbor:"memory_usage"`
}

// CPUInfo is the processor topology. Cores is empty on unsupported
// architectures.
type CPUInfo struct {
	Architecture string    `cbor:"architecture"`
	Cores        []CPUCore `cbor:"cores"`
}

// CPUCore is one logical processor.
type CPUCore struct {
	Processor  uint32   `cbor:"processor"`
	Vendor     string   `cbor:"vendor"`
	Model      string   `cbor:"model"`
	MHz        float64  `cbor:"mhz"`
	PhysicalID string   `cbor:"physical_id"`
	CoreID     string   `cbor:"core_id"`
	Siblings   uint32   `cbor:"siblings"`
	Cores      uint32   `cbor:"cores"`
	Flags      []string `cbor:"flags"`
}

// IPAddress is a variant: exactly one of V4 and V6 is set.
type IPAddress struct {
	V4 *uint32         `cbor:"v4,omitempty"`
	V6 *types.IPv6Addr `cbor:"v6,omitempty"`
}

// NetworkInterface is one link.
type NetworkInterface struct {
	Index     uint32      `cbor:"index"`
	Name      string      `cbor:"name"`
	MTU       uint32      `cbor:"mtu"`
	MAC       string      `cbor:"mac"`
	OperState string      `cbor:"oper_state"`
	Addresses []IPAddress `cbor:"addresses"`
}

// InterruptType is a variant: Common carries the IRQ number, ArchSpecific
// the symbolic name.
type InterruptType struct {
	Common       *uint32 `cbor:"common,omitempty"`
	ArchSpecific *string `cbor:"arch_specific,omitempty"`
}

// InterruptInfo is the affinity setup of one IRQ.
type InterruptInfo struct {
	Number          uint32  `cbor:"number"`
	SMPAffinity     *string `cbor:"smp_affinity,omitempty"`
	SMPAffinityList *string `cbor:"smp_affinity_list,omitempty"`
	Node            *string `cbor:"node,omitempty"`
}

// InterruptStat is one /proc/interrupts row.
type InterruptStat struct {
	Type         InterruptType `cbor:"interrupt_type"`
	Description  string        `cbor:"description"`
	PerCPUCounts []uint64      `cbor:"per_cpu_counts"`
}

func fromOSInfo(in system.OSInfo) OSInfo {
	return OSInfo{
		Distro:        in.Distro,
		DistroVersion: in.DistroVersion,
		Kernel:        in.KernelVersion,
		Hostname:      in.Hostname,
		Arch:          in.Arch,
	}
}

func fromProcesses(in []system.ProcessInfo) []ProcessInfo {
	out := make([]ProcessInfo, 0, len(in))
	for _, p := range in {
		out = append(out, ProcessInfo{
			PID:         uint32(p.PID),
			Name:        p.Name,
			CPUUsage:    p.CPUUsage / 100,
			MemoryUsage: p.MemoryUsage,
		})
	}
	return out
}

func fromCPUInfo(in system.CPUInfo) CPUInfo {
	out := CPUInfo{
		Architecture: in.Architecture(),
		Cores:        make([]CPUCore, 0, len(in.Cores)),
	}
	for _, c := range in.Cores {
		out.Cores = append(out.Cores, CPUCore{
			Processor:  uint32(c.Processor),
			Vendor:     c.VendorID,
			Model:      c.ModelName,
			MHz:        c.MHz,
			PhysicalID: c.PhysicalID,
			CoreID:     c.CoreID,
			Siblings:   uint32(c.Siblings),
			Cores:      uint32(c.CPUCores),
			Flags:      c.Flags,
		})
	}
	return out
}

func fromIP(ip net.IP) (IPAddress, bool) {
	if v4, ok := types.EncodeIPv4(ip); ok {
		return IPAddress{V4: &v4}, true
	}
	if v6, ok := types.EncodeIPv6(ip.To16()); ok {
		return IPAddress{V6: &v6}, true
	}
	return IPAddress{}, false
}

func fromInterfaces(in []system.NetworkInterface) []NetworkInterface {
	out := make([]NetworkInterface, 0, len(in))
	for _, iface := range in {
		n := NetworkInterface{
			Index:     uint32(iface.Index),
			Name:      iface.Name,
			MTU:       uint32(iface.MTU),
			MAC:       iface.MAC,
			OperState: iface.OperState,
			Addresses: make([]IPAddress, 0, len(iface.Addresses)),
		}
		for _, ip := range iface.Addresses {
			if addr, ok := fromIP(ip); ok {
				n.Addresses = append(n.Addresses, addr)
			}
		}
		out = append(out, n)
	}
	return out
}

func fromInterruptType(in system.InterruptType) InterruptType {
	if in.Kind == system.InterruptCommon {
		irq := in.IRQ
		return InterruptType{Common: &irq}
	}
	name := in.Name
	return InterruptType{ArchSpecific: &name}
}

func fromIRQInfo(in []system.IRQInfo) []InterruptInfo {
	out := make([]InterruptInfo, 0, len(in))
	for _, irq := range in {
		out = append(out, InterruptInfo{
			Number:          irq.Number,
			SMPAffinity:     irq.SMPAffinity,
			SMPAffinityList: irq.SMPAffinityList,
			Node:            irq.Node,
		})
	}
	return out
}

func fromInterruptStats(in []system.InterruptStat) []InterruptStat {
	out := make([]InterruptStat, 0, len(in))
	for _, s := range in {
		out = append(out, InterruptStat{
			Type:         fromInterruptType(s.Type),
			Description:  s.Description,
			PerCPUCounts: s.CPUCounts,
		})
	}
	return out
}
