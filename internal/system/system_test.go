package system

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/optimatist/psh/internal/telemetry"
)

func newFixtureSystem(t *testing.T) *System {
	t.Helper()
	sys, err := New(Options{
		ProcRoot: filepath.Join("testdata", "proc"),
		SysRoot:  filepath.Join("testdata", "sys"),
		Arch:     "amd64",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sys
}

func TestNew_Defaults(t *testing.T) {
	sys := newFixtureSystem(t)

	if sys.PageSize == 0 {
		t.Error("expected non-zero page size")
	}
	if sys.TicksPerSecond == 0 {
		t.Error("expected non-zero ticks per second")
	}
	if !sys.BootTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("expected boot time from btime, got %v", sys.BootTime)
	}
	opts := sys.Options()
	if opts.MaxAge != time.Second || opts.InfoMaxAge != time.Minute {
		t.Errorf("unexpected default ages: %v / %v", opts.MaxAge, opts.InfoMaxAge)
	}
}

func TestNew_MissingProcRoot(t *testing.T) {
	_, err := New(Options{ProcRoot: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing proc root")
	}
}

func TestMemoryProvider(t *testing.T) {
	sys := newFixtureSystem(t)

	stat, err := sys.Memory.Stat()
	if err != nil {
		t.Fatalf("Memory.Stat: %v", err)
	}
	if stat.MemTotal != 16215456 || stat.MemAvailable != 15612312 {
		t.Errorf("unexpected meminfo: total=%d available=%d", stat.MemTotal, stat.MemAvailable)
	}

	modules, err := sys.Memory.Info()
	if err != nil {
		t.Fatalf("Memory.Info: %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("expected 2 memory blocks, got %d", len(modules))
	}
	m0, m1 := modules[0], modules[1]
	if m0.SizeBytes != 0x8000000 || !m0.Online || m0.State != "online" {
		t.Errorf("unexpected memory0: %+v", m0)
	}
	if m0.Removable == nil || !*m0.Removable {
		t.Errorf("expected memory0 removable")
	}
	if m1.Online || m1.State != "offline" || m1.PhysIndex != 1 {
		t.Errorf("unexpected memory1: %+v", m1)
	}
	if m1.Removable != nil {
		t.Errorf("expected memory1 removable to be absent")
	}
	if len(m1.ValidZones) != 2 || m1.ValidZones[1] != "Movable" {
		t.Errorf("unexpected valid zones %v", m1.ValidZones)
	}
}

func TestCPUProvider(t *testing.T) {
	sys := newFixtureSystem(t)

	stats, err := sys.CPU.Stat(context.Background(), 0)
	if err != nil {
		t.Fatalf("CPU.Stat: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 CPUs, got %d", len(stats))
	}
	if stats[0].CPU != 0 || stats[1].CPU != 1 {
		t.Errorf("expected CPUs ordered by id, got %d, %d", stats[0].CPU, stats[1].CPU)
	}
	if stats[0].Utilization != nil {
		t.Error("point sample must not carry utilization")
	}

	delta, err := sys.CPU.Stat(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("CPU.Stat interval: %v", err)
	}
	for _, d := range delta {
		if d.Utilization == nil || *d.Utilization != 0 {
			t.Errorf("cpu%d: expected zero utilization over a static fixture, got %v", d.CPU, d.Utilization)
		}
	}
}

func TestCPUProvider_Info(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("cpuinfo fixture uses the x86 layout")
	}
	sys := newFixtureSystem(t)

	info, err := sys.CPU.Info()
	if err != nil {
		t.Fatalf("CPU.Info: %v", err)
	}
	if info.Kind != ArchX86_64 || info.Architecture() != "x86_64" {
		t.Errorf("unexpected kind %q", info.Kind)
	}
	if len(info.Cores) != 2 {
		t.Fatalf("expected 2 cores, got %d", len(info.Cores))
	}
	if info.Cores[1].CoreID != "1" || info.Cores[1].MHz != 2100 {
		t.Errorf("unexpected core 1: %+v", info.Cores[1])
	}
}

func TestCPUInfo_Unsupported(t *testing.T) {
	sys, err := New(Options{
		ProcRoot: filepath.Join("testdata", "proc"),
		SysRoot:  filepath.Join("testdata", "sys"),
		Arch:     "riscv64",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := sys.CPU.Info()
	if err != nil {
		t.Fatalf("CPU.Info: %v", err)
	}
	if info.Kind != ArchUnsupported || info.Architecture() != "riscv64" || len(info.Cores) != 0 {
		t.Errorf("unexpected unsupported info: %+v", info)
	}
}

func TestDiskProvider(t *testing.T) {
	sys := newFixtureSystem(t)

	stats, err := sys.Disk.Stat(context.Background(), 0)
	if err != nil {
		t.Fatalf("Disk.Stat: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(stats))
	}
	sda := stats[0]
	if sda.Name != "sda" || sda.ReadIOs != 25354637 || sda.WriteSectors != 505697032 {
		t.Errorf("unexpected sda: %+v", sda)
	}

	delta, err := sys.Disk.Stat(context.Background(), 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Disk.Stat interval: %v", err)
	}
	if len(delta) != 3 || delta[0].ReadIOs != 0 {
		t.Errorf("expected zero deltas over a static fixture, got %+v", delta)
	}
}

func TestNetworkProvider_Stat(t *testing.T) {
	sys := newFixtureSystem(t)

	stats, err := sys.Network.Stat(context.Background(), 0)
	if err != nil {
		t.Fatalf("Network.Stat: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(stats))
	}
	eth0 := stats[0]
	if eth0.Interface != "eth0" || eth0.RxBytes != 874354587 || eth0.TxPackets != 732147 || eth0.RxDropped != 2 {
		t.Errorf("unexpected eth0: %+v", eth0)
	}
}

func TestNetworkDelta_Rates(t *testing.T) {
	before := []NetworkStat{{Interface: "eth0", RxBytes: 1000, TxBytes: 500, RxPackets: 10}}
	after := []NetworkStat{
		{Interface: "eth0", RxBytes: 3000, TxBytes: 400, RxPackets: 30},
		{Interface: "new0", RxBytes: 1},
	}

	got := networkDelta(before, after, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("expected interfaces missing from the first sample to be skipped, got %d", len(got))
	}
	if got[0].RxBytes != 2000 || got[0].RxBytesPerSec != 1000 {
		t.Errorf("unexpected rx: %+v", got[0])
	}
	if got[0].TxBytes != 0 || got[0].TxBytesPerSec != 0 {
		t.Errorf("expected counter reset to clamp at zero, got %+v", got[0])
	}
	if got[0].RxPacketsPerSec != 10 {
		t.Errorf("expected 10 packets/s, got %v", got[0].RxPacketsPerSec)
	}
}

func TestNetworkStat_RatesUseMeasuredGap(t *testing.T) {
	// Each collection takes four seconds of fake time, far longer than the
	// requested interval.
	now := time.Unix(1000, 0)
	var rx uint64
	p := &NetworkProvider{
		stat: telemetry.New("network.stat", func() ([]NetworkStat, error) {
			now = now.Add(4 * time.Second)
			rx += 4000
			return []NetworkStat{{Interface: "eth0", RxBytes: rx}}, nil
		}),
	}
	p.stat.SetNowFunc(func() time.Time {
		now = now.Add(time.Nanosecond)
		return now
	})

	got, err := p.Stat(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if len(got) != 1 || got[0].RxBytes != 4000 {
		t.Fatalf("unexpected delta: %+v", got)
	}
	if math.Abs(got[0].RxBytesPerSec-1000) > 0.01 {
		t.Errorf("rx rate = %v, want 1000 over the 4s between captures", got[0].RxBytesPerSec)
	}
}

func TestInterruptProvider(t *testing.T) {
	sys := newFixtureSystem(t)

	stats, err := sys.Interrupt.Stat(context.Background(), 0)
	if err != nil {
		t.Fatalf("Interrupt.Stat: %v", err)
	}
	if len(stats) != 6 {
		t.Fatalf("expected 6 interrupt rows, got %d", len(stats))
	}

	first := stats[0]
	if first.Type.Kind != InterruptCommon || first.Type.IRQ != 0 {
		t.Errorf("expected irq 0 first, got %+v", first.Type)
	}
	if first.Description != "IO-APIC 2-edge timer" {
		t.Errorf("unexpected description %q", first.Description)
	}
	if len(first.CPUCounts) != 2 || first.CPUCounts[0] != 44 {
		t.Errorf("unexpected counts %v", first.CPUCounts)
	}
	if stats[2].Type.IRQ != 24 || stats[2].CPUCounts[1] != 193871 {
		t.Errorf("unexpected irq 24: %+v", stats[2])
	}
	if stats[3].Type.Kind != InterruptArchSpecific || stats[3].Type.Name != "ERR" {
		t.Errorf("expected named interrupts sorted after numbered ones, got %+v", stats[3].Type)
	}

	delta, err := sys.Interrupt.Stat(context.Background(), 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Interrupt.Stat interval: %v", err)
	}
	for _, d := range delta {
		for cpu, c := range d.CPUCounts {
			if c != 0 {
				t.Errorf("%s cpu%d: expected zero increase, got %d", d.Type.key(), cpu, c)
			}
		}
	}
}

func TestInterruptProvider_Info(t *testing.T) {
	sys := newFixtureSystem(t)

	info, err := sys.Interrupt.Info()
	if err != nil {
		t.Fatalf("Interrupt.Info: %v", err)
	}
	if len(info) != 3 {
		t.Fatalf("expected 3 irqs, got %d", len(info))
	}
	if info[1].Number != 1 || info[1].SMPAffinityList == nil || *info[1].SMPAffinityList != "0-1" {
		t.Errorf("unexpected irq 1: %+v", info[1])
	}
	if info[2].Number != 24 || info[2].Node != nil {
		t.Errorf("expected irq 24 without node, got %+v", info[2])
	}
}

func TestInterruptDelta(t *testing.T) {
	common := InterruptType{Kind: InterruptCommon, IRQ: 5}
	before := []InterruptStat{{Type: common, CPUCounts: []uint64{10, 20}}}
	after := []InterruptStat{{Type: common, CPUCounts: []uint64{15, 18, 7}}}

	got := interruptDelta(before, after)
	want := []uint64{5, 0, 0}
	if len(got) != 1 || len(got[0].CPUCounts) != 3 {
		t.Fatalf("unexpected delta %+v", got)
	}
	for i := range want {
		if got[0].CPUCounts[i] != want[i] {
			t.Errorf("cpu%d: got %d, want %d", i, got[0].CPUCounts[i], want[i])
		}
	}
}

func TestRPSProvider(t *testing.T) {
	sys := newFixtureSystem(t)

	details, err := sys.RPS.Info()
	if err != nil {
		t.Fatalf("RPS.Info: %v", err)
	}
	if len(details) != 3 {
		t.Fatalf("expected 3 rx queues, got %d", len(details))
	}
	q := details[1]
	if q.Device != "eth0" || q.Queue != "rx-1" {
		t.Fatalf("unexpected order: %+v", details)
	}
	if q.CPUs == nil || *q.CPUs != "0000000f" || q.FlowCount == nil || *q.FlowCount != 4096 {
		t.Errorf("unexpected rx-1: %+v", q)
	}
	if details[2].Device != "lo" {
		t.Errorf("expected lo last, got %s", details[2].Device)
	}
}

func TestStat_IntervalHonorsContext(t *testing.T) {
	sys := newFixtureSystem(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := sys.Interrupt.Stat(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("interval wait did not abort on cancellation")
	}
}

func TestProvider_ServesStaleSnapshotWhenSourceDisappears(t *testing.T) {
	procRoot := t.TempDir()
	data, err := os.ReadFile(filepath.Join("testdata", "proc", "meminfo"))
	if err != nil {
		t.Fatal(err)
	}
	memPath := filepath.Join(procRoot, "meminfo")
	if err := os.WriteFile(memPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	sys, err := New(Options{ProcRoot: procRoot, SysRoot: t.TempDir(), MaxAge: time.Nanosecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := sys.Memory.Stat()
	if err != nil {
		t.Fatalf("first Stat: %v", err)
	}
	if err := os.Remove(memPath); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	second, err := sys.Memory.Stat()
	if err != nil {
		t.Fatalf("expected stale value to be served, got %v", err)
	}
	if second.MemTotal != first.MemTotal {
		t.Errorf("expected previous snapshot, got MemTotal=%d", second.MemTotal)
	}
}

func TestProvider_FirstCollectionFailureIsSurfaced(t *testing.T) {
	sys, err := New(Options{ProcRoot: t.TempDir(), SysRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sys.Memory.Stat(); err == nil {
		t.Fatal("expected error when meminfo has never been readable")
	}
}

func TestProviders_ConcurrentReaders(t *testing.T) {
	sys := newFixtureSystem(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sys.Memory.Stat(); err != nil {
				errs <- err
			}
			if _, err := sys.Interrupt.Stat(context.Background(), 0); err != nil {
				errs <- err
			}
			if _, err := sys.Network.Stat(context.Background(), 0); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent read: %v", err)
	}
}

func TestOSProcesses_ScanStopsWithContext(t *testing.T) {
	sys := newFixtureSystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sys.OS.Processes(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Processes: expected context.Canceled, got %v", err)
	}
	if _, err := readProcesses(hostContext(ctx, sys.Options())); !errors.Is(err, context.Canceled) {
		t.Fatalf("readProcesses: expected context.Canceled, got %v", err)
	}
}
