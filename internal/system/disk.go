package system

import (
	"context"
	"time"

	"github.com/prometheus/procfs/blockdevice"

	"github.com/optimatist/psh/internal/telemetry"
)

// DiskStat is one line of /proc/diskstats. From an interval sample every
// counter is the increase over the interval, except IOsInProgress which is
// the level at the end of it.
type DiskStat struct {
	Major           uint32 `json:"major" cbor:"major"`
	Minor           uint32 `json:"minor" cbor:"minor"`
	Name            string `json:"name" cbor:"name"`
	ReadIOs         uint64 `json:"read_ios" cbor:"read_ios"`
	ReadMerges      uint64 `json:"read_merges" cbor:"read_merges"`
	ReadSectors     uint64 `json:"read_sectors" cbor:"read_sectors"`
	ReadTicks       uint64 `json:"read_ticks" cbor:"read_ticks"`
	WriteIOs        uint64 `json:"write_ios" cbor:"write_ios"`
	WriteMerges     uint64 `json:"write_merges" cbor:"write_merges"`
	WriteSectors    uint64 `json:"write_sectors" cbor:"write_sectors"`
	WriteTicks      uint64 `json:"write_ticks" cbor:"write_ticks"`
	IOsInProgress   uint64 `json:"ios_in_progress" cbor:"ios_in_progress"`
	IOsTotalTicks   uint64 `json:"ios_total_ticks" cbor:"ios_total_ticks"`
	WeightedIOTicks uint64 `json:"weighted_io_ticks" cbor:"weighted_io_ticks"`
	DiscardIOs      uint64 `json:"discard_ios" cbor:"discard_ios"`
	DiscardSectors  uint64 `json:"discard_sectors" cbor:"discard_sectors"`
	FlushIOs        uint64 `json:"flush_ios" cbor:"flush_ios"`
}

// DiskProvider serves /proc/diskstats samples.
type DiskProvider struct {
	stat *telemetry.Cache[[]DiskStat]
	opts Options
}

func newDiskProvider(fs blockdevice.FS, opts Options) *DiskProvider {
	return &DiskProvider{
		stat: telemetry.New("disk.stat", func() ([]DiskStat, error) {
			return readDiskStats(fs)
		}),
		opts: opts,
	}
}

// Stat returns per-device counters, or their increase over interval when
// interval is positive. Devices that appear only in the second sample are
// left out of a delta.
func (p *DiskProvider) Stat(ctx context.Context, interval time.Duration) ([]DiskStat, error) {
	if interval <= 0 {
		return pointSample(p.stat, p.opts.MaxAge)
	}

	before, after, err := samplePair(ctx, p.stat, interval)
	if err != nil {
		return nil, err
	}
	return diskDelta(before.Value, after.Value), nil
}

func diskDelta(before, after []DiskStat) []DiskStat {
	prev := make(map[string]DiskStat, len(before))
	for _, d := range before {
		prev[d.Name] = d
	}

	out := make([]DiskStat, 0, len(after))
	for _, cur := range after {
		old, ok := prev[cur.Name]
		if !ok {
			continue
		}
		out = append(out, DiskStat{
			Major:           cur.Major,
			Minor:           cur.Minor,
			Name:            cur.Name,
			ReadIOs:         saturatingSub(cur.ReadIOs, old.ReadIOs),
			ReadMerges:      saturatingSub(cur.ReadMerges, old.ReadMerges),
			ReadSectors:     saturatingSub(cur.ReadSectors, old.ReadSectors),
			ReadTicks:       saturatingSub(cur.ReadTicks, old.ReadTicks),
			WriteIOs:        saturatingSub(cur.WriteIOs, old.WriteIOs),
			WriteMerges:     saturatingSub(cur.WriteMerges, old.WriteMerges),
			WriteSectors:    saturatingSub(cur.WriteSectors, old.WriteSectors),
			WriteTicks:      saturatingSub(cur.WriteTicks, old.WriteTicks),
			IOsInProgress:   cur.IOsInProgress,
			IOsTotalTicks:   saturatingSub(cur.IOsTotalTicks, old.IOsTotalTicks),
			WeightedIOTicks: saturatingSub(cur.WeightedIOTicks, old.WeightedIOTicks),
			DiscardIOs:      saturatingSub(cur.DiscardIOs, old.DiscardIOs),
			DiscardSectors:  saturatingSub(cur.DiscardSectors, old.DiscardSectors),
			FlushIOs:        saturatingSub(cur.FlushIOs, old.FlushIOs),
		})
	}
	return out
}

func readDiskStats(fs blockdevice.FS) ([]DiskStat, error) {
	raw, err := fs.ProcDiskstats()
	if err != nil {
		return nil, err
	}

	out := make([]DiskStat, 0, len(raw))
	for _, d := range raw {
		out = append(out, DiskStat{
			Major:           d.MajorNumber,
			Minor:           d.MinorNumber,
			Name:            d.DeviceName,
			ReadIOs:         d.ReadIOs,
			ReadMerges:      d.ReadMerges,
			ReadSectors:     d.ReadSectors,
			ReadTicks:       d.ReadTicks,
			WriteIOs:        d.WriteIOs,
			WriteMerges:     d.WriteMerges,
			WriteSectors:    d.WriteSectors,
			WriteTicks:      d.WriteTicks,
			IOsInProgress:   d.IOsInProgress,
			IOsTotalTicks:   d.IOsTotalTicks,
			WeightedIOTicks: d.WeightedIOTicks,
			DiscardIOs:      d.DiscardIOs,
			DiscardSectors:  d.DiscardSectors,
			FlushIOs:        d.FlushRequestsCompleted,
		})
	}
	return out, nil
}
