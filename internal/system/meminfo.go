package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MemInfo mirrors /proc/meminfo. Values are in kB except the HugePages_*
// counts. Pointer fields are only reported by some kernels or
// configurations; nil means the kernel did not expose the counter.
type MemInfo struct {
	MemTotal       uint64 `json:"mem_total" cbor:"mem_total"`
	MemFree        uint64 `json:"mem_free" cbor:"mem_free"`
	MemAvailable   uint64 `json:"mem_available" cbor:"mem_available"`
	Buffers        uint64 `json:"buffers" cbor:"buffers"`
	Cached         uint64 `json:"cached" cbor:"cached"`
	SwapCached     uint64 `json:"swap_cached" cbor:"swap_cached"`
	Active         uint64 `json:"active" cbor:"active"`
	Inactive       uint64 `json:"inactive" cbor:"inactive"`
	ActiveAnon     uint64 `json:"active_anon" cbor:"active_anon"`
	InactiveAnon   uint64 `json:"inactive_anon" cbor:"inactive_anon"`
	ActiveFile     uint64 `json:"active_file" cbor:"active_file"`
	InactiveFile   uint64 `json:"inactive_file" cbor:"inactive_file"`
	Unevictable    uint64 `json:"unevictable" cbor:"unevictable"`
	Mlocked        uint64 `json:"mlocked" cbor:"mlocked"`
	SwapTotal      uint64 `json:"swap_total" cbor:"swap_total"`
	SwapFree       uint64 `json:"swap_free" cbor:"swap_free"`
	Dirty          uint64 `json:"dirty" cbor:"dirty"`
	Writeback      uint64 `json:"writeback" cbor:"writeback"`
	AnonPages      uint64 `json:"anon_pages" cbor:"anon_pages"`
	Mapped         uint64 `json:"mapped" cbor:"mapped"`
	Shmem          uint64 `json:"shmem" cbor:"shmem"`
	KReclaimable   uint64 `json:"kreclaimable" cbor:"kreclaimable"`
	Slab           uint64 `json:"slab" cbor:"slab"`
	SReclaimable   uint64 `json:"sreclaimable" cbor:"sreclaimable"`
	SUnreclaim     uint64 `json:"sunreclaim" cbor:"sunreclaim"`
	KernelStack    uint64 `json:"kernel_stack" cbor:"kernel_stack"`
	PageTables     uint64 `json:"page_tables" cbor:"page_tables"`
	NFSUnstable    uint64 `json:"nfs_unstable" cbor:"nfs_unstable"`
	Bounce         uint64 `json:"bounce" cbor:"bounce"`
	WritebackTmp   uint64 `json:"writeback_tmp" cbor:"writeback_tmp"`
	CommitLimit    uint64 `json:"commit_limit" cbor:"commit_limit"`
	CommittedAS    uint64 `json:"committed_as" cbor:"committed_as"`
	VmallocTotal   uint64 `json:"vmalloc_total" cbor:"vmalloc_total"`
	VmallocUsed    uint64 `json:"vmalloc_used" cbor:"vmalloc_used"`
	VmallocChunk   uint64 `json:"vmalloc_chunk" cbor:"vmalloc_chunk"`
	Percpu         uint64 `json:"percpu" cbor:"percpu"`
	HugePagesTotal uint64 `json:"huge_pages_total" cbor:"huge_pages_total"`
	HugePagesFree  uint64 `json:"huge_pages_free" cbor:"huge_pages_free"`
	HugePagesRsvd  uint64 `json:"huge_pages_rsvd" cbor:"huge_pages_rsvd"`
	HugePagesSurp  uint64 `json:"huge_pages_surp" cbor:"huge_pages_surp"`
	HugePageSize   uint64 `json:"huge_page_size" cbor:"huge_page_size"`
	Hugetlb        uint64 `json:"hugetlb" cbor:"hugetlb"`

	CmaTotal          *uint64 `json:"cma_total,omitempty" cbor:"cma_total,omitempty"`
	CmaFree           *uint64 `json:"cma_free,omitempty" cbor:"cma_free,omitempty"`
	HardwareCorrupted *uint64 `json:"hardware_corrupted,omitempty" cbor:"hardware_corrupted,omitempty"`
	AnonHugePages     *uint64 `json:"anon_huge_pages,omitempty" cbor:"anon_huge_pages,omitempty"`
	ShmemHugePages    *uint64 `json:"shmem_huge_pages,omitempty" cbor:"shmem_huge_pages,omitempty"`
	ShmemPmdMapped    *uint64 `json:"shmem_pmd_mapped,omitempty" cbor:"shmem_pmd_mapped,omitempty"`
	FileHugePages     *uint64 `json:"file_huge_pages,omitempty" cbor:"file_huge_pages,omitempty"`
	FilePmdMapped     *uint64 `json:"file_pmd_mapped,omitempty" cbor:"file_pmd_mapped,omitempty"`
	DirectMap4k       *uint64 `json:"direct_map_4k,omitempty" cbor:"direct_map_4k,omitempty"`
	DirectMap2M       *uint64 `json:"direct_map_2m,omitempty" cbor:"direct_map_2m,omitempty"`
	DirectMap1G       *uint64 `json:"direct_map_1g,omitempty" cbor:"direct_map_1g,omitempty"`
}

func required(field func(*MemInfo) *uint64) func(*MemInfo, uint64) {
	return func(m *MemInfo, v uint64) { *field(m) = v }
}

func optional(field func(*MemInfo) **uint64) func(*MemInfo, uint64) {
	return func(m *MemInfo, v uint64) { *field(m) = &v }
}

// meminfoFields maps each known /proc/meminfo key to its setter. Keys not in
// the table are ignored.
var meminfoFields = map[string]func(*MemInfo, uint64){
	"MemTotal":        required(func(m *MemInfo) *uint64 { return &m.MemTotal }),
	"MemFree":         required(func(m *MemInfo) *uint64 { return &m.MemFree }),
	"MemAvailable":    required(func(m *MemInfo) *uint64 { return &m.MemAvailable }),
	"Buffers":         required(func(m *MemInfo) *uint64 { return &m.Buffers }),
	"Cached":          required(func(m *MemInfo) *uint64 { return &m.Cached }),
	"SwapCached":      required(func(m *MemInfo) *uint64 { return &m.SwapCached }),
	"Active":          required(func(m *MemInfo) *uint64 { return &m.Active }),
	"Inactive":        required(func(m *MemInfo) *uint64 { return &m.Inactive }),
	"Active(anon)":    required(func(m *MemInfo) *uint64 { return &m.ActiveAnon }),
	"Inactive(anon)":  required(func(m *MemInfo) *uint64 { return &m.InactiveAnon }),
	"Active(file)":    required(func(m *MemInfo) *uint64 { return &m.ActiveFile }),
	"Inactive(file)":  required(func(m *MemInfo) *uint64 { return &m.InactiveFile }),
	"Unevictable":     required(func(m *MemInfo) *uint64 { return &m.Unevictable }),
	"Mlocked":         required(func(m *MemInfo) *uint64 { return &m.Mlocked }),
	"SwapTotal":       required(func(m *MemInfo) *uint64 { return &m.SwapTotal }),
	"SwapFree":        required(func(m *MemInfo) *uint64 { return &m.SwapFree }),
	"Dirty":           required(func(m *MemInfo) *uint64 { return &m.Dirty }),
	"Writeback":       required(func(m *MemInfo) *uint64 { return &m.Writeback }),
	"AnonPages":       required(func(m *MemInfo) *uint64 { return &m.AnonPages }),
	"Mapped":          required(func(m *MemInfo) *uint64 { return &m.Mapped }),
	"Shmem":           required(func(m *MemInfo) *uint64 { return &m.Shmem }),
	"KReclaimable":    required(func(m *MemInfo) *uint64 { return &m.KReclaimable }),
	"Slab":            required(func(m *MemInfo) *uint64 { return &m.Slab }),
	"SReclaimable":    required(func(m *MemInfo) *uint64 { return &m.SReclaimable }),
	"SUnreclaim":      required(func(m *MemInfo) *uint64 { return &m.SUnreclaim }),
	"KernelStack":     required(func(m *MemInfo) *uint64 { return &m.KernelStack }),
	"PageTables":      required(func(m *MemInfo) *uint64 { return &m.PageTables }),
	"NFS_Unstable":    required(func(m *MemInfo) *uint64 { return &m.NFSUnstable }),
	"Bounce":          required(func(m *MemInfo) *uint64 { return &m.Bounce }),
	"WritebackTmp":    required(func(m *MemInfo) *uint64 { return &m.WritebackTmp }),
	"CommitLimit":     required(func(m *MemInfo) *uint64 { return &m.CommitLimit }),
	"Committed_AS":    required(func(m *MemInfo) *uint64 { return &m.CommittedAS }),
	"VmallocTotal":    required(func(m *MemInfo) *uint64 { return &m.VmallocTotal }),
	"VmallocUsed":     required(func(m *MemInfo) *uint64 { return &m.VmallocUsed }),
	"VmallocChunk":    required(func(m *MemInfo) *uint64 { return &m.VmallocChunk }),
	"Percpu":          required(func(m *MemInfo) *uint64 { return &m.Percpu }),
	"HugePages_Total": required(func(m *MemInfo) *uint64 { return &m.HugePagesTotal }),
	"HugePages_Free":  required(func(m *MemInfo) *uint64 { return &m.HugePagesFree }),
	"HugePages_Rsvd":  required(func(m *MemInfo) *uint64 { return &m.HugePagesRsvd }),
	"HugePages_Surp":  required(func(m *MemInfo) *uint64 { return &m.HugePagesSurp }),
	"Hugepagesize":    required(func(m *MemInfo) *uint64 { return &m.HugePageSize }),
	"Hugetlb":         required(func(m *MemInfo) *uint64 { return &m.Hugetlb }),

	"CmaTotal":          optional(func(m *MemInfo) **uint64 { return &m.CmaTotal }),
	"CmaFree":           optional(func(m *MemInfo) **uint64 { return &m.CmaFree }),
	"HardwareCorrupted": optional(func(m *MemInfo) **uint64 { return &m.HardwareCorrupted }),
	"AnonHugePages":     optional(func(m *MemInfo) **uint64 { return &m.AnonHugePages }),
	"ShmemHugePages":    optional(func(m *MemInfo) **uint64 { return &m.ShmemHugePages }),
	"ShmemPmdMapped":    optional(func(m *MemInfo) **uint64 { return &m.ShmemPmdMapped }),
	"FileHugePages":     optional(func(m *MemInfo) **uint64 { return &m.FileHugePages }),
	"FilePmdMapped":     optional(func(m *MemInfo) **uint64 { return &m.FilePmdMapped }),
	"DirectMap4k":       optional(func(m *MemInfo) **uint64 { return &m.DirectMap4k }),
	"DirectMap2M":       optional(func(m *MemInfo) **uint64 { return &m.DirectMap2M }),
	"DirectMap1G":       optional(func(m *MemInfo) **uint64 { return &m.DirectMap1G }),
}

// ParseMemInfo parses the /proc/meminfo format. A line without a ':' or a
// known key with a non-numeric value fails the whole parse with
// ErrMalformed; no partially filled MemInfo is returned. Keys the kernel
// does not print read as zero, or nil for optional counters.
func ParseMemInfo(r io.Reader) (MemInfo, error) {
	var info MemInfo

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return MemInfo{}, fmt.Errorf("%w: meminfo line %d has no key/value delimiter", ErrMalformed, lineNo)
		}

		set, known := meminfoFields[key]
		if !known {
			continue
		}

		fields := strings.Fields(value)
		if len(fields) == 0 {
			return MemInfo{}, fmt.Errorf("%w: meminfo key %s has no value", ErrMalformed, key)
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return MemInfo{}, fmt.Errorf("%w: meminfo key %s: %v", ErrMalformed, key, err)
		}
		set(&info, n)
	}
	if err := scanner.Err(); err != nil {
		return MemInfo{}, fmt.Errorf("read meminfo: %w", err)
	}

	return info, nil
}

// ReadMemInfo parses the meminfo file at path.
func ReadMemInfo(path string) (MemInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return MemInfo{}, err
	}
	defer f.Close()
	return ParseMemInfo(f)
}
