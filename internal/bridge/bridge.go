// Package bridge exposes host telemetry to sandboxed guests.
//
// Each provider is published as one capability, a wazero host module named
// psh:system/<provider>@1.0.0. A call returns a Result: the guest-visible
// payload or a human-readable error. Host errors and panics never cross the
// boundary as anything but that string.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/tetratelabs/wazero"

	pshotel "github.com/optimatist/psh/internal/otel"
)

// Version is the capability interface version carried in module names.
const Version = "1.0.0"

// ModuleName returns the import module name of a capability.
func ModuleName(capability string) string {
	return "psh:system/" + capability + "@" + Version
}

// Result is the outcome of one bridge call. Exactly one of Ok and Err is
// set.
type Result[T any] struct {
	Ok  *T     `json:"ok,omitempty" cbor:"ok,omitempty"`
	Err string `json:"err,omitempty" cbor:"err,omitempty"`
}

// Value returns the payload and whether the call succeeded.
func (r Result[T]) Value() (T, bool) {
	if r.Ok == nil {
		var zero T
		return zero, false
	}
	return *r.Ok, true
}

// OSCapability is psh:system/os.
type OSCapability interface {
	OSInfo(ctx context.Context) Result[OSInfo]
	Processes(ctx context.Context) Result[[]ProcessInfo]
}

// CPUCapability is psh:system/cpu.
type CPUCapability interface {
	CPUInfo(ctx context.Context) Result[CPUInfo]
	CPUStat(ctx context.Context, intervalMs uint64) Result[[]CPUStat]
}

// MemoryCapability is psh:system/memory.
type MemoryCapability interface {
	MemoryInfo(ctx context.Context) Result[[]MemoryModule]
	MemoryStat(ctx context.Context) Result[MemInfo]
}

// DiskCapability is psh:system/disk.
type DiskCapability interface {
	DiskStat(ctx context.Context, intervalMs uint64) Result[[]DiskStat]
}

// NetworkCapability is psh:system/network.
type NetworkCapability interface {
	NetworkInfo(ctx context.Context) Result[[]NetworkInterface]
	NetworkStat(ctx context.Context, intervalMs uint64) Result[[]NetworkStat]
}

// InterruptCapability is psh:system/interrupt.
type InterruptCapability interface {
	InterruptInfo(ctx context.Context) Result[[]InterruptInfo]
	InterruptStat(ctx context.Context, intervalMs uint64) Result[[]InterruptStat]
}

// RPSCapability is psh:system/rps.
type RPSCapability interface {
	RPSInfo(ctx context.Context) Result[[]RPSDetails]
}

// Capabilities selects what a guest may import. A nil capability is not
// linked; a guest importing it fails to load.
type Capabilities struct {
	OS        OSCapability
	CPU       CPUCapability
	Memory    MemoryCapability
	Disk      DiskCapability
	Network   NetworkCapability
	Interrupt InterruptCapability
	RPS       RPSCapability
}

// All grants every capability backed by h.
func All(h *Host) Capabilities {
	return Capabilities{
		OS:        h,
		CPU:       h,
		Memory:    h,
		Disk:      h,
		Network:   h,
		Interrupt: h,
		RPS:       h,
	}
}

// guard runs fn and turns its error or panic into a Result.
func guard[T any](ctx context.Context, capability, function string, fn func() (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bridge call panicked",
				"component", "bridge",
				"capability", capability,
				"function", function,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = Result[T]{Err: fmt.Sprintf("internal error: %v", r)}
		}
		pshotel.GetGlobalMetrics().RecordBridgeCall(ctx, capability, function, res.Err == "")
	}()

	v, err := fn()
	if err != nil {
		return Result[T]{Err: err.Error()}
	}
	return Result[T]{Ok: &v}
}

func interval(ms uint64) time.Duration {
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Link instantiates c in r. It lets Capabilities serve as a sandbox linker.
func (c Capabilities) Link(ctx context.Context, r wazero.Runtime) error {
	return Link(ctx, r, c)
}
