package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/optimatist/psh/internal/telemetry"
)

// InterruptKind separates numbered device interrupts from the named,
// architecture-specific ones (NMI, LOC, ...).
type InterruptKind string

const (
	InterruptCommon       InterruptKind = "common"
	InterruptArchSpecific InterruptKind = "arch_specific"
)

// InterruptType identifies one row of /proc/interrupts. IRQ is set for
// InterruptCommon, Name for InterruptArchSpecific.
type InterruptType struct {
	Kind InterruptKind `json:"kind" cbor:"kind"`
	IRQ  uint32        `json:"irq,omitempty" cbor:"irq,omitempty"`
	Name string        `json:"name,omitempty" cbor:"name,omitempty"`
}

func (t InterruptType) key() string {
	if t.Kind == InterruptCommon {
		return strconv.FormatUint(uint64(t.IRQ), 10)
	}
	return t.Name
}

// IRQInfo is the affinity configuration of one IRQ under /proc/irq. Files
// the kernel does not provide for an IRQ are nil.
type IRQInfo struct {
	Number          uint32  `json:"number" cbor:"number"`
	SMPAffinity     *string `json:"smp_affinity,omitempty" cbor:"smp_affinity,omitempty"`
	SMPAffinityList *string `json:"smp_affinity_list,omitempty" cbor:"smp_affinity_list,omitempty"`
	Node            *string `json:"node,omitempty" cbor:"node,omitempty"`
}

// InterruptStat is one row of /proc/interrupts with a count per CPU. From an
// interval sample the counts are the increase over the interval.
type InterruptStat struct {
	Type        InterruptType `json:"type" cbor:"type"`
	Description string        `json:"description" cbor:"description"`
	CPUCounts   []uint64      `json:"cpu_counts" cbor:"cpu_counts"`
}

// InterruptProvider serves /proc/irq affinities and /proc/interrupts counts.
type InterruptProvider struct {
	info *telemetry.Cache[[]IRQInfo]
	stat *telemetry.Cache[[]InterruptStat]
	opts Options
}

func newInterruptProvider(fs procfs.FS, opts Options) *InterruptProvider {
	irqDir := filepath.Join(opts.ProcRoot, "irq")
	return &InterruptProvider{
		info: telemetry.New("interrupt.info", func() ([]IRQInfo, error) {
			return readIRQInfo(irqDir)
		}),
		stat: telemetry.New("interrupt.stat", func() ([]InterruptStat, error) {
			return readInterrupts(fs)
		}),
		opts: opts,
	}
}

// Info returns the affinity settings of every numbered IRQ.
func (p *InterruptProvider) Info() ([]IRQInfo, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

// Stat returns per-CPU interrupt counts, or their increase over interval
// when interval is positive.
func (p *InterruptProvider) Stat(ctx context.Context, interval time.Duration) ([]InterruptStat, error) {
	if interval <= 0 {
		return pointSample(p.stat, p.opts.MaxAge)
	}

	before, after, err := samplePair(ctx, p.stat, interval)
	if err != nil {
		return nil, err
	}
	return interruptDelta(before.Value, after.Value), nil
}

func interruptDelta(before, after []InterruptStat) []InterruptStat {
	prev := make(map[string]InterruptStat, len(before))
	for _, s := range before {
		prev[s.Type.key()] = s
	}

	out := make([]InterruptStat, 0, len(after))
	for _, cur := range after {
		old, ok := prev[cur.Type.key()]
		if !ok {
			continue
		}
		counts := make([]uint64, len(cur.CPUCounts))
		for i, c := range cur.CPUCounts {
			if i < len(old.CPUCounts) {
				counts[i] = saturatingSub(c, old.CPUCounts[i])
			}
		}
		out = append(out, InterruptStat{
			Type:        cur.Type,
			Description: cur.Description,
			CPUCounts:   counts,
		})
	}
	return out
}

func readInterrupts(fs procfs.FS) ([]InterruptStat, error) {
	self, err := fs.Self()
	if err != nil {
		return nil, err
	}
	raw, err := self.Interrupts()
	if err != nil {
		return nil, err
	}

	out := make([]InterruptStat, 0, len(raw))
	for name, intr := range raw {
		stat := InterruptStat{
			Description: strings.TrimSpace(intr.Info + " " + intr.Devices),
			CPUCounts:   make([]uint64, 0, len(intr.Values)),
		}
		if irq, err := strconv.ParseUint(name, 10, 32); err == nil {
			stat.Type = InterruptType{Kind: InterruptCommon, IRQ: uint32(irq)}
		} else {
			stat.Type = InterruptType{Kind: InterruptArchSpecific, Name: name}
		}
		for _, v := range intr.Values {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: interrupt %s count %q", ErrMalformed, name, v)
			}
			stat.CPUCounts = append(stat.CPUCounts, n)
		}
		out = append(out, stat)
	}

	sortInterrupts(out)
	return out, nil
}

// sortInterrupts orders numbered IRQs first, ascending, then named ones
// alphabetically.
func sortInterrupts(stats []InterruptStat) {
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i].Type, stats[j].Type
		if a.Kind != b.Kind {
			return a.Kind == InterruptCommon
		}
		if a.Kind == InterruptCommon {
			return a.IRQ < b.IRQ
		}
		return a.Name < b.Name
	})
}

func readIRQInfo(dir string) ([]IRQInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []IRQInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		base := filepath.Join(dir, entry.Name())
		out = append(out, IRQInfo{
			Number:          uint32(n),
			SMPAffinity:     readOptionalString(filepath.Join(base, "smp_affinity")),
			SMPAffinityList: readOptionalString(filepath.Join(base, "smp_affinity_list")),
			Node:            readOptionalString(filepath.Join(base, "node")),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
