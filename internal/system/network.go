package system

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/prometheus/procfs"

	"github.com/optimatist/psh/internal/telemetry"
)

// NetworkInterface describes one link and its addresses.
type NetworkInterface struct {
	Index     int      `json:"index" cbor:"index"`
	Name      string   `json:"name" cbor:"name"`
	MTU       int      `json:"mtu" cbor:"mtu"`
	MAC       string   `json:"mac,omitempty" cbor:"mac,omitempty"`
	OperState string   `json:"oper_state" cbor:"oper_state"`
	Addresses []net.IP `json:"addresses,omitempty" cbor:"-"`
}

// NetworkStat is one interface line of /proc/net/dev. From an interval
// sample the counters are increases over the interval and the *PerSec
// fields carry the rates.
type NetworkStat struct {
	Interface string `json:"interface" cbor:"interface"`

	RxBytes   uint64 `json:"rx_bytes" cbor:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets" cbor:"rx_packets"`
	RxErrors  uint64 `json:"rx_errors" cbor:"rx_errors"`
	RxDropped uint64 `json:"rx_dropped" cbor:"rx_dropped"`
	TxBytes   uint64 `json:"tx_bytes" cbor:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets" cbor:"tx_packets"`
	TxErrors  uint64 `json:"tx_errors" cbor:"tx_errors"`
	TxDropped uint64 `json:"tx_dropped" cbor:"tx_dropped"`

	RxBytesPerSec   float64 `json:"rx_bytes_per_sec,omitempty" cbor:"rx_bytes_per_sec,omitempty"`
	TxBytesPerSec   float64 `json:"tx_bytes_per_sec,omitempty" cbor:"tx_bytes_per_sec,omitempty"`
	RxPacketsPerSec float64 `json:"rx_packets_per_sec,omitempty" cbor:"rx_packets_per_sec,omitempty"`
	TxPacketsPerSec float64 `json:"tx_packets_per_sec,omitempty" cbor:"tx_packets_per_sec,omitempty"`
}

// NetworkProvider serves link information and /proc/net/dev samples.
type NetworkProvider struct {
	info *telemetry.Cache[[]NetworkInterface]
	stat *telemetry.Cache[[]NetworkStat]
	opts Options
}

func newNetworkProvider(fs procfs.FS, opts Options) *NetworkProvider {
	return &NetworkProvider{
		info: telemetry.New("network.info", listInterfaces),
		stat: telemetry.New("network.stat", func() ([]NetworkStat, error) {
			return readNetDev(fs)
		}),
		opts: opts,
	}
}

// Info returns the host's network links ordered by index.
func (p *NetworkProvider) Info() ([]NetworkInterface, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

// Stat returns per-interface counters, or increases and rates over interval
// when interval is positive. Rates use the measured gap between the two
// samples.
func (p *NetworkProvider) Stat(ctx context.Context, interval time.Duration) ([]NetworkStat, error) {
	if interval <= 0 {
		return pointSample(p.stat, p.opts.MaxAge)
	}

	before, after, err := samplePair(ctx, p.stat, interval)
	if err != nil {
		return nil, err
	}
	return networkDelta(before.Value, after.Value, elapsed(before, after, interval)), nil
}

// networkDelta computes counter increases and rates over the time between
// the two samples.
func networkDelta(before, after []NetworkStat, gap time.Duration) []NetworkStat {
	prev := make(map[string]NetworkStat, len(before))
	for _, s := range before {
		prev[s.Interface] = s
	}

	secs := gap.Seconds()
	out := make([]NetworkStat, 0, len(after))
	for _, cur := range after {
		old, ok := prev[cur.Interface]
		if !ok {
			continue
		}
		d := NetworkStat{
			Interface: cur.Interface,
			RxBytes:   saturatingSub(cur.RxBytes, old.RxBytes),
			RxPackets: saturatingSub(cur.RxPackets, old.RxPackets),
			RxErrors:  saturatingSub(cur.RxErrors, old.RxErrors),
			RxDropped: saturatingSub(cur.RxDropped, old.RxDropped),
			TxBytes:   saturatingSub(cur.TxBytes, old.TxBytes),
			TxPackets: saturatingSub(cur.TxPackets, old.TxPackets),
			TxErrors:  saturatingSub(cur.TxErrors, old.TxErrors),
			TxDropped: saturatingSub(cur.TxDropped, old.TxDropped),
		}
		d.RxBytesPerSec = float64(d.RxBytes) / secs
		d.TxBytesPerSec = float64(d.TxBytes) / secs
		d.RxPacketsPerSec = float64(d.RxPackets) / secs
		d.TxPacketsPerSec = float64(d.TxPackets) / secs
		out = append(out, d)
	}
	return out
}

func readNetDev(fs procfs.FS) ([]NetworkStat, error) {
	dev, err := fs.NetDev()
	if err != nil {
		return nil, err
	}

	out := make([]NetworkStat, 0, len(dev))
	for name, line := range dev {
		out = append(out, NetworkStat{
			Interface: name,
			RxBytes:   line.RxBytes,
			RxPackets: line.RxPackets,
			RxErrors:  line.RxErrors,
			RxDropped: line.RxDropped,
			TxBytes:   line.TxBytes,
			TxPackets: line.TxPackets,
			TxErrors:  line.TxErrors,
			TxDropped: line.TxDropped,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out, nil
}

// LocalAddresses returns the first global IPv4 and IPv6 address of the host.
// Either may be nil when the host has none.
func (p *NetworkProvider) LocalAddresses() (v4, v6 net.IP, err error) {
	addrs, err := globalAddrs()
	if err != nil {
		return nil, nil, err
	}
	for _, ip := range addrs {
		if ip4 := ip.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
			continue
		}
		if v6 == nil && ip.To16() != nil {
			v6 = ip.To16()
		}
	}
	return v4, v6, nil
}
