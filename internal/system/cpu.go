package system

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/procfs"

	"github.com/optimatist/psh/internal/telemetry"
)

// CPUArch tags the CPUInfo variant.
type CPUArch string

const (
	ArchX86_64      CPUArch = "x86_64"
	ArchArm64       CPUArch = "aarch64"
	ArchUnsupported CPUArch = "unsupported"
)

// CPUInfo is the processor topology. Kind selects the variant: on
// ArchUnsupported only Machine is set.
type CPUInfo struct {
	Kind    CPUArch    `json:"kind" cbor:"kind"`
	Machine string     `json:"machine" cbor:"machine"`
	Cores   []CoreInfo `json:"cores,omitempty" cbor:"cores,omitempty"`
}

// Architecture returns the name reported as the host architecture.
func (c CPUInfo) Architecture() string {
	if c.Kind == ArchUnsupported {
		return c.Machine
	}
	return string(c.Kind)
}

// CoreInfo is one logical processor from /proc/cpuinfo.
type CoreInfo struct {
	Processor  uint     `json:"processor" cbor:"processor"`
	VendorID   string   `json:"vendor_id" cbor:"vendor_id"`
	ModelName  string   `json:"model_name" cbor:"model_name"`
	MHz        float64  `json:"mhz" cbor:"mhz"`
	PhysicalID string   `json:"physical_id" cbor:"physical_id"`
	CoreID     string   `json:"core_id" cbor:"core_id"`
	Siblings   uint     `json:"siblings" cbor:"siblings"`
	CPUCores   uint     `json:"cpu_cores" cbor:"cpu_cores"`
	BogoMips   float64  `json:"bogomips" cbor:"bogomips"`
	Flags      []string `json:"flags,omitempty" cbor:"flags,omitempty"`
}

// CPUStat holds the time counters of one CPU, in seconds. When produced by
// an interval sample the counters are the time spent over the interval and
// Utilization is the busy fraction in [0, 1].
type CPUStat struct {
	CPU         int64    `json:"cpu" cbor:"cpu"`
	User        float64  `json:"user" cbor:"user"`
	Nice        float64  `json:"nice" cbor:"nice"`
	System      float64  `json:"system" cbor:"system"`
	Idle        float64  `json:"idle" cbor:"idle"`
	Iowait      float64  `json:"iowait" cbor:"iowait"`
	IRQ         float64  `json:"irq" cbor:"irq"`
	SoftIRQ     float64  `json:"softirq" cbor:"softirq"`
	Steal       float64  `json:"steal" cbor:"steal"`
	Guest       float64  `json:"guest" cbor:"guest"`
	GuestNice   float64  `json:"guest_nice" cbor:"guest_nice"`
	Utilization *float64 `json:"utilization,omitempty" cbor:"utilization,omitempty"`
}

func (s CPUStat) total() float64 {
	return s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
}

// CPUProvider serves /proc/cpuinfo topology and /proc/stat time counters.
type CPUProvider struct {
	info *telemetry.Cache[CPUInfo]
	stat *telemetry.Cache[[]CPUStat]
	opts Options
}

func newCPUProvider(fs procfs.FS, opts Options) *CPUProvider {
	return &CPUProvider{
		info: telemetry.New("cpu.info", func() (CPUInfo, error) {
			return readCPUInfo(fs, opts.Arch)
		}),
		stat: telemetry.New("cpu.stat", func() ([]CPUStat, error) {
			return readCPUStat(fs)
		}),
		opts: opts,
	}
}

// Info returns the CPU topology variant for the host architecture.
func (p *CPUProvider) Info() (CPUInfo, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

// Stat returns per-CPU counters. A zero interval gives cumulative counters
// since boot; a positive interval gives the counters accumulated over the
// interval together with each CPU's utilization.
func (p *CPUProvider) Stat(ctx context.Context, interval time.Duration) ([]CPUStat, error) {
	if interval <= 0 {
		return pointSample(p.stat, p.opts.MaxAge)
	}

	before, after, err := samplePair(ctx, p.stat, interval)
	if err != nil {
		return nil, err
	}
	return cpuDelta(before.Value, after.Value), nil
}

func cpuDelta(before, after []CPUStat) []CPUStat {
	prev := make(map[int64]CPUStat, len(before))
	for _, s := range before {
		prev[s.CPU] = s
	}

	out := make([]CPUStat, 0, len(after))
	for _, cur := range after {
		old, ok := prev[cur.CPU]
		if !ok {
			continue
		}
		d := CPUStat{
			CPU:       cur.CPU,
			User:      nonNegative(cur.User - old.User),
			Nice:      nonNegative(cur.Nice - old.Nice),
			System:    nonNegative(cur.System - old.System),
			Idle:      nonNegative(cur.Idle - old.Idle),
			Iowait:    nonNegative(cur.Iowait - old.Iowait),
			IRQ:       nonNegative(cur.IRQ - old.IRQ),
			SoftIRQ:   nonNegative(cur.SoftIRQ - old.SoftIRQ),
			Steal:     nonNegative(cur.Steal - old.Steal),
			Guest:     nonNegative(cur.Guest - old.Guest),
			GuestNice: nonNegative(cur.GuestNice - old.GuestNice),
		}
		var util float64
		if total := d.total(); total > 0 {
			util = (total - d.Idle - d.Iowait) / total
		}
		d.Utilization = &util
		out = append(out, d)
	}
	return out
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func archKind(goarch string) (CPUArch, string) {
	switch goarch {
	case "amd64":
		return ArchX86_64, "x86_64"
	case "arm64":
		return ArchArm64, "aarch64"
	default:
		return ArchUnsupported, goarch
	}
}

func readCPUInfo(fs procfs.FS, goarch string) (CPUInfo, error) {
	kind, machine := archKind(goarch)
	info := CPUInfo{Kind: kind, Machine: machine}
	if kind == ArchUnsupported {
		return info, nil
	}

	raw, err := fs.CPUInfo()
	if err != nil {
		return CPUInfo{}, err
	}
	for _, c := range raw {
		info.Cores = append(info.Cores, CoreInfo{
			Processor:  c.Processor,
			VendorID:   c.VendorID,
			ModelName:  c.ModelName,
			MHz:        c.CPUMHz,
			PhysicalID: c.PhysicalID,
			CoreID:     c.CoreID,
			Siblings:   c.Siblings,
			CPUCores:   c.CPUCores,
			BogoMips:   c.BogoMips,
			Flags:      c.Flags,
		})
	}
	return info, nil
}

func readCPUStat(fs procfs.FS) ([]CPUStat, error) {
	stat, err := fs.Stat()
	if err != nil {
		return nil, err
	}

	out := make([]CPUStat, 0, len(stat.CPU))
	for id, c := range stat.CPU {
		out = append(out, CPUStat{
			CPU:       id,
			User:      c.User,
			Nice:      c.Nice,
			System:    c.System,
			Idle:      c.Idle,
			Iowait:    c.Iowait,
			IRQ:       c.IRQ,
			SoftIRQ:   c.SoftIRQ,
			Steal:     c.Steal,
			Guest:     c.Guest,
			GuestNice: c.GuestNice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPU < out[j].CPU })
	return out, nil
}
