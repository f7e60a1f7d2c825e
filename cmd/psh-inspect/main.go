// Package main provides the psh-inspect binary, which prints what the
// system providers report on this host.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/optimatist/psh/internal/system"
)

// sections in print order.
var sections = []string{"os", "cpu", "memory", "disk", "network", "interrupt", "rps", "processes"}

type options struct {
	procRoot string
	sysRoot  string
	interval time.Duration
	format   string
	info     bool
	sections []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("psh-inspect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.procRoot, "proc-root", "/proc", "procfs mount point")
	fs.StringVar(&opts.sysRoot, "sys-root", "/sys", "sysfs mount point")
	fs.DurationVarP(&opts.interval, "interval", "i", 0, "sample twice this far apart and print deltas")
	fs.StringVarP(&opts.format, "format", "f", "json", "output format: json or human")
	fs.BoolVar(&opts.info, "info", false, "print structural info instead of statistics")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: psh-inspect [flags] [%v ...]\n", sections)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.format != "json" && opts.format != "human" {
		return opts, fmt.Errorf("unknown format %q", opts.format)
	}
	if opts.interval < 0 {
		return opts, fmt.Errorf("interval must not be negative")
	}
	opts.sections = fs.Args()
	if len(opts.sections) == 0 {
		opts.sections = sections
	}
	for _, s := range opts.sections {
		if !slices.Contains(sections, s) {
			return opts, fmt.Errorf("unknown section %q", s)
		}
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "psh-inspect: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	sys, err := system.New(system.Options{ProcRoot: opts.procRoot, SysRoot: opts.sysRoot})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := make(map[string]any, len(opts.sections))
	for _, name := range opts.sections {
		v, err := collect(ctx, sys, name, opts.info, opts.interval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report[name] = map[string]string{"error": err.Error()}
			continue
		}
		report[name] = v
	}

	if opts.format == "human" {
		return printHuman(stdout, opts.sections, report)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// collect reads one section. Sections without info or statistics fall
// back to what they have.
func collect(ctx context.Context, sys *system.System, name string, info bool, interval time.Duration) (any, error) {
	switch name {
	case "os":
		return sys.OS.Info()
	case "processes":
		return sys.OS.Processes(ctx)
	case "rps":
		return sys.RPS.Info()
	case "cpu":
		if info {
			return sys.CPU.Info()
		}
		return sys.CPU.Stat(ctx, interval)
	case "memory":
		if info {
			return sys.Memory.Info()
		}
		return sys.Memory.Stat()
	case "disk":
		return sys.Disk.Stat(ctx, interval)
	case "network":
		if info {
			return sys.Network.Info()
		}
		return sys.Network.Stat(ctx, interval)
	case "interrupt":
		if info {
			return sys.Interrupt.Info()
		}
		return sys.Interrupt.Stat(ctx, interval)
	}
	return nil, fmt.Errorf("unknown section %q", name)
}

func printHuman(w io.Writer, order []string, report map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range order {
		fmt.Fprintf(tw, "== %s\n", name)
		switch v := report[name].(type) {
		case system.OSInfo:
			fmt.Fprintf(tw, "host\t%s\n", v.Hostname)
			fmt.Fprintf(tw, "distro\t%s %s\n", v.Distro, v.DistroVersion)
			fmt.Fprintf(tw, "kernel\t%s\n", v.KernelVersion)
			fmt.Fprintf(tw, "arch\t%s\n", v.Arch)
		case system.MemInfo:
			fmt.Fprintf(tw, "total\t%s\n", kib(v.MemTotal))
			fmt.Fprintf(tw, "available\t%s\n", kib(v.MemAvailable))
			fmt.Fprintf(tw, "free\t%s\n", kib(v.MemFree))
			fmt.Fprintf(tw, "cached\t%s\n", kib(v.Cached))
			fmt.Fprintf(tw, "swap\t%s of %s free\n", kib(v.SwapFree), kib(v.SwapTotal))
		case []system.CPUStat:
			for _, s := range v {
				util := "-"
				if s.Utilization != nil {
					util = fmt.Sprintf("%.1f%%", *s.Utilization*100)
				}
				fmt.Fprintf(tw, "cpu%d\tuser %.0f\tsystem %.0f\tidle %.0f\tutil %s\n", s.CPU, s.User, s.System, s.Idle, util)
			}
		case []system.DiskStat:
			for _, s := range v {
				fmt.Fprintf(tw, "%s\tread %s\twritten %s\tios %s/%s\n", s.Name,
					humanize.IBytes(s.ReadSectors*512), humanize.IBytes(s.WriteSectors*512),
					humanize.Comma(int64(s.ReadIOs)), humanize.Comma(int64(s.WriteIOs)))
			}
		case []system.NetworkStat:
			for _, s := range v {
				fmt.Fprintf(tw, "%s\trx %s\ttx %s\trx/s %s\ttx/s %s\n", s.Interface,
					humanize.IBytes(s.RxBytes), humanize.IBytes(s.TxBytes),
					humanize.IBytes(uint64(s.RxBytesPerSec)), humanize.IBytes(uint64(s.TxBytesPerSec)))
			}
		case []system.InterruptStat:
			for _, s := range v {
				var total uint64
				for _, c := range s.CPUCounts {
					total += c
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", irqName(s.Type), humanize.Comma(int64(total)), s.Description)
			}
		case []system.ProcessInfo:
			slices.SortFunc(v, func(a, b system.ProcessInfo) int { return cmp.Compare(b.MemoryUsage, a.MemoryUsage) })
			for _, p := range v[:min(len(v), 15)] {
				fmt.Fprintf(tw, "%d\t%s\tcpu %.1f%%\tmem %.1f%%\n", p.PID, p.Name, p.CPUUsage, p.MemoryUsage)
			}
		default:
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\n", b)
		}
	}
	return tw.Flush()
}

func kib(v uint64) string {
	return humanize.IBytes(v * 1024)
}

func irqName(t system.InterruptType) string {
	if t.Kind == system.InterruptCommon {
		return fmt.Sprintf("%d", t.IRQ)
	}
	return t.Name
}
