// Package system collects kernel performance counters from /proc and /sys.
//
// Every provider owns telemetry.Cache handles over one kernel source. A
// System groups one long-lived handle per counter type; it is built once at
// startup and passed to whatever needs telemetry. Tests build it over a
// fixture tree by pointing Options at testdata/proc and testdata/sys.
package system

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"github.com/tklauser/go-sysconf"
)

// ErrMalformed is wrapped by collection errors caused by a counter file that
// does not follow the expected format. The whole snapshot attempt fails.
var ErrMalformed = errors.New("malformed counter file")

// Options configures where kernel sources are read from and how long
// snapshots stay fresh.
type Options struct {
	// ProcRoot is the procfs mount point. Default: /proc.
	ProcRoot string

	// SysRoot is the sysfs mount point. Default: /sys.
	SysRoot string

	// MaxAge bounds the age of point samples served from cache. Default: 1s.
	MaxAge time.Duration

	// InfoMaxAge bounds the age of structural facts (topology, modules,
	// affinities). Default: 1m.
	InfoMaxAge time.Duration

	// Arch selects the CPU info variant. Default: runtime.GOARCH.
	Arch string
}

func (o Options) withDefaults() Options {
	if o.ProcRoot == "" {
		o.ProcRoot = procfs.DefaultMountPoint
	}
	if o.SysRoot == "" {
		o.SysRoot = "/sys"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = time.Second
	}
	if o.InfoMaxAge <= 0 {
		o.InfoMaxAge = time.Minute
	}
	if o.Arch == "" {
		o.Arch = runtime.GOARCH
	}
	return o
}

// System is the registry of telemetry providers.
type System struct {
	PageSize       uint64
	BootTime       time.Time
	TicksPerSecond uint64

	CPU       *CPUProvider
	Memory    *MemoryProvider
	Disk      *DiskProvider
	Network   *NetworkProvider
	Interrupt *InterruptProvider
	OS        *OSProvider
	RPS       *RPSProvider

	opts Options
}

// New builds the provider registry. Sources are not read until first use,
// except /proc/stat which is read once for the boot time.
func New(opts Options) (*System, error) {
	opts = opts.withDefaults()

	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", opts.ProcRoot, err)
	}
	blockFS, err := blockdevice.NewFS(opts.ProcRoot, opts.SysRoot)
	if err != nil {
		return nil, fmt.Errorf("open block device fs: %w", err)
	}

	s := &System{
		PageSize:       uint64(os.Getpagesize()),
		TicksPerSecond: ticksPerSecond(),
		CPU:            newCPUProvider(fs, opts),
		Memory:         newMemoryProvider(opts),
		Disk:           newDiskProvider(blockFS, opts),
		Network:        newNetworkProvider(fs, opts),
		Interrupt:      newInterruptProvider(fs, opts),
		OS:             newOSProvider(opts),
		RPS:            newRPSProvider(opts),
		opts:           opts,
	}

	// A missing btime leaves BootTime zero; it is informational only.
	if stat, err := fs.Stat(); err == nil && stat.BootTime > 0 {
		s.BootTime = time.Unix(int64(stat.BootTime), 0)
	}

	return s, nil
}

// Options returns the effective options after defaults.
func (s *System) Options() Options {
	return s.opts
}

func ticksPerSecond() uint64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		return 100
	}
	return uint64(clk)
}
