package system

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/optimatist/psh/internal/telemetry"
)

// MemoryModule describes one hot-pluggable memory block from
// /sys/devices/system/memory.
type MemoryModule struct {
	Index      uint64   `json:"index" cbor:"index"`
	PhysIndex  uint64   `json:"phys_index" cbor:"phys_index"`
	SizeBytes  uint64   `json:"size_bytes" cbor:"size_bytes"`
	State      string   `json:"state" cbor:"state"`
	Online     bool     `json:"online" cbor:"online"`
	Removable  *bool    `json:"removable,omitempty" cbor:"removable,omitempty"`
	PhysDevice *uint64  `json:"phys_device,omitempty" cbor:"phys_device,omitempty"`
	ValidZones []string `json:"valid_zones,omitempty" cbor:"valid_zones,omitempty"`
}

// MemoryProvider serves memory block layout and /proc/meminfo samples.
type MemoryProvider struct {
	info *telemetry.Cache[[]MemoryModule]
	stat *telemetry.Cache[MemInfo]
	opts Options
}

func newMemoryProvider(opts Options) *MemoryProvider {
	memPath := filepath.Join(opts.ProcRoot, "meminfo")
	blockDir := filepath.Join(opts.SysRoot, "devices/system/memory")
	return &MemoryProvider{
		info: telemetry.New("memory.info", func() ([]MemoryModule, error) {
			return readMemoryModules(blockDir)
		}),
		stat: telemetry.New("memory.stat", func() (MemInfo, error) {
			return ReadMemInfo(memPath)
		}),
		opts: opts,
	}
}

// Info returns the memory blocks known to the kernel, ordered by index.
func (p *MemoryProvider) Info() ([]MemoryModule, error) {
	return pointSample(p.info, p.opts.InfoMaxAge)
}

// Stat returns a /proc/meminfo sample no older than the configured max age.
func (p *MemoryProvider) Stat() (MemInfo, error) {
	return pointSample(p.stat, p.opts.MaxAge)
}

func readMemoryModules(dir string) ([]MemoryModule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var blockSize uint64
	if raw := readSysfsString(filepath.Join(dir, "block_size_bytes")); raw != "" {
		blockSize, err = strconv.ParseUint(raw, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: block_size_bytes %q", ErrMalformed, raw)
		}
	}

	var modules []MemoryModule
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "memory") {
			continue
		}
		index, err := strconv.ParseUint(strings.TrimPrefix(name, "memory"), 10, 64)
		if err != nil {
			continue
		}

		base := filepath.Join(dir, name)
		module := MemoryModule{
			Index:     index,
			SizeBytes: blockSize,
			State:     readSysfsString(filepath.Join(base, "state")),
			Online:    readSysfsString(filepath.Join(base, "online")) == "1",
		}
		if raw := readSysfsString(filepath.Join(base, "phys_index")); raw != "" {
			if v, err := strconv.ParseUint(raw, 16, 64); err == nil {
				module.PhysIndex = v
			}
		}
		if raw := readOptionalString(filepath.Join(base, "removable")); raw != nil {
			removable := *raw == "1"
			module.Removable = &removable
		}
		if raw := readOptionalString(filepath.Join(base, "phys_device")); raw != nil {
			if v, err := strconv.ParseUint(*raw, 10, 64); err == nil {
				module.PhysDevice = &v
			}
		}
		if zones := readSysfsString(filepath.Join(base, "valid_zones")); zones != "" {
			module.ValidZones = strings.Fields(zones)
		}
		modules = append(modules, module)
	}

	sort.Slice(modules, func(i, j int) bool { return modules[i].Index < modules[j].Index })
	return modules, nil
}
