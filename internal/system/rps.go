package system

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/optimatist/psh/internal/telemetry"
)

// RPSDetails is the receive packet steering setup of one RX queue.
type RPSDetails struct {
	Device    string  `json:"device" cbor:"device"`
	Queue     string  `json:"queue" cbor:"queue"`
	CPUs      *string `json:"cpus,omitempty" cbor:"cpus,omitempty"`
	FlowCount *uint64 `json:"flow_count,omitempty" cbor:"flow_count,omitempty"`
}

// RPSProvider serves /sys/class/net/*/queues/rx-* settings.
type RPSProvider struct {
	info *telemetry.Cache[[]RPSDetails]
	opts Options
}

func newRPSProvider(opts Options) *RPSProvider {
	netDir := filepath.Join(opts.SysRoot, "class/net")
	return &RPSProvider{
		info: telemetry.New("rps.info", func() ([]RPSDetails, error) {
			return readRPS(netDir)
		}),
		opts: opts,
	}
}

// Info returns every RX queue ordered by device and queue name.
func (p *RPSProvider) Info() ([]RPSDetails, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

func readRPS(netDir string) ([]RPSDetails, error) {
	devices, err := os.ReadDir(netDir)
	if err != nil {
		return nil, err
	}

	var out []RPSDetails
	for _, dev := range devices {
		queueDir := filepath.Join(netDir, dev.Name(), "queues")
		queues, err := os.ReadDir(queueDir)
		if err != nil {
			continue
		}
		for _, q := range queues {
			if !strings.HasPrefix(q.Name(), "rx-") {
				continue
			}
			base := filepath.Join(queueDir, q.Name())
			details := RPSDetails{
				Device: dev.Name(),
				Queue:  q.Name(),
				CPUs:   readOptionalString(filepath.Join(base, "rps_cpus")),
			}
			if raw := readOptionalString(filepath.Join(base, "rps_flow_cnt")); raw != nil {
				if n, err := strconv.ParseUint(*raw, 10, 64); err == nil {
					details.FlowCount = &n
				}
			}
			out = append(out, details)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Queue < out[j].Queue
	})
	return out, nil
}
