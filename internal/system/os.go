package system

import (
	"context"
	"sort"

	"github.com/shirou/gopsutil/v3/common"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/optimatist/psh/internal/telemetry"
)

// OSInfo identifies the running operating system.
type OSInfo struct {
	Hostname       string `json:"hostname" cbor:"hostname"`
	Distro         string `json:"distro" cbor:"distro"`
	DistroVersion  string `json:"distro_version" cbor:"distro_version"`
	PlatformFamily string `json:"platform_family" cbor:"platform_family"`
	KernelVersion  string `json:"kernel_version" cbor:"kernel_version"`
	Arch           string `json:"arch" cbor:"arch"`
}

// ProcessInfo is a point-in-time view of one process. CPUUsage is the
// percentage of one CPU used since the process started.
type ProcessInfo struct {
	PID         int32   `json:"pid" cbor:"pid"`
	Name        string  `json:"name" cbor:"name"`
	CPUUsage    float64 `json:"cpu_usage" cbor:"cpu_usage"`
	MemoryUsage float32 `json:"memory_usage" cbor:"memory_usage"`
}

// OSProvider serves OS identity and the process table.
type OSProvider struct {
	info      *telemetry.Cache[OSInfo]
	processes *telemetry.Cache[[]ProcessInfo]
	opts      Options
}

func newOSProvider(opts Options) *OSProvider {
	return &OSProvider{
		info: telemetry.New("os.info", func() (OSInfo, error) {
			return readOSInfo(hostContext(context.Background(), opts))
		}),
		processes: telemetry.New("os.processes", func() ([]ProcessInfo, error) {
			return readProcesses(hostContext(context.Background(), opts))
		}),
		opts: opts,
	}
}

// hostContext points gopsutil at the configured mount points.
func hostContext(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, common.EnvKey, common.EnvMap{
		common.HostProcEnvKey: opts.ProcRoot,
		common.HostSysEnvKey:  opts.SysRoot,
	})
}

// Info returns the OS identity.
func (p *OSProvider) Info() (OSInfo, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

// Processes returns the process table ordered by PID. A scan started by
// this call stops when ctx ends.
func (p *OSProvider) Processes(ctx context.Context) ([]ProcessInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	procs, err := p.processes.GetOrRefreshWith(p.opts.MaxAge, func() ([]ProcessInfo, error) {
		return readProcesses(hostContext(ctx, p.opts))
	})
	if telemetry.IsStale(err) && ctx.Err() == nil {
		logStale(err)
		return procs, nil
	}
	return procs, err
}

func readOSInfo(ctx context.Context) (OSInfo, error) {
	stat, err := host.InfoWithContext(ctx)
	if err != nil && stat == nil {
		return OSInfo{}, err
	}

	info := OSInfo{
		Hostname:       stat.Hostname,
		Distro:         stat.Platform,
		DistroVersion:  stat.PlatformVersion,
		PlatformFamily: stat.PlatformFamily,
		KernelVersion:  stat.KernelVersion,
		Arch:           stat.KernelArch,
	}
	fillUname(&info)
	return info, nil
}

func readProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUUsage = cpu
		}
		if mem, err := p.MemoryPercentWithContext(ctx); err == nil {
			info.MemoryUsage = mem
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}
