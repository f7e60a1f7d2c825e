package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/optimatist/psh/internal/codec"
)

// ErrABI is wrapped by guest-side contract violations: a missing
// cabi_realloc export or memory, or a return area outside guest memory.
// They trap the calling guest.
var ErrABI = errors.New("guest ABI violation")

type hostFunc struct {
	name         string
	withInterval bool
	call         func(ctx context.Context, intervalMs uint64) any
}

type hostModule struct {
	capability string
	funcs      []hostFunc
}

func modules(caps Capabilities) []hostModule {
	var out []hostModule
	if c := caps.OS; c != nil {
		out = append(out, hostModule{"os", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.OSInfo(ctx) }},
			{"get-processes", false, func(ctx context.Context, _ uint64) any { return c.Processes(ctx) }},
		}})
	}
	if c := caps.CPU; c != nil {
		out = append(out, hostModule{"cpu", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.CPUInfo(ctx) }},
			{"stat", true, func(ctx context.Context, ms uint64) any { return c.CPUStat(ctx, ms) }},
		}})
	}
	if c := caps.Memory; c != nil {
		out = append(out, hostModule{"memory", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.MemoryInfo(ctx) }},
			{"stat", false, func(ctx context.Context, _ uint64) any { return c.MemoryStat(ctx) }},
		}})
	}
	if c := caps.Disk; c != nil {
		out = append(out, hostModule{"disk", []hostFunc{
			{"stat", true, func(ctx context.Context, ms uint64) any { return c.DiskStat(ctx, ms) }},
		}})
	}
	if c := caps.Network; c != nil {
		out = append(out, hostModule{"network", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.NetworkInfo(ctx) }},
			{"stat", true, func(ctx context.Context, ms uint64) any { return c.NetworkStat(ctx, ms) }},
		}})
	}
	if c := caps.Interrupt; c != nil {
		out = append(out, hostModule{"interrupt", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.InterruptInfo(ctx) }},
			{"stat", true, func(ctx context.Context, ms uint64) any { return c.InterruptStat(ctx, ms) }},
		}})
	}
	if c := caps.RPS; c != nil {
		out = append(out, hostModule{"rps", []hostFunc{
			{"info", false, func(ctx context.Context, _ uint64) any { return c.RPSInfo(ctx) }},
		}})
	}
	return out
}

// Link instantiates the granted capabilities as host modules in r. It must
// run before guest modules that import them are instantiated.
//
// Every function takes its primitive arguments followed by a return-area
// pointer (i32). Functions with a sampling interval take it first as an i64
// in milliseconds. The host CBOR-encodes the Result, allocates room for it
// through the guest's cabi_realloc(old_ptr, old_size, align, new_size)
// export, copies it there and stores (ptr u32le, len u32le) at the return
// area. The host keeps no reference to guest memory after the call.
func Link(ctx context.Context, r wazero.Runtime, caps Capabilities) error {
	for _, m := range modules(caps) {
		b := r.NewHostModuleBuilder(ModuleName(m.capability))
		for _, f := range m.funcs {
			params := []api.ValueType{api.ValueTypeI32}
			names := []string{"ret_ptr"}
			if f.withInterval {
				params = []api.ValueType{api.ValueTypeI64, api.ValueTypeI32}
				names = []string{"interval_ms", "ret_ptr"}
			}
			b.NewFunctionBuilder().
				WithGoModuleFunction(hostCall(f), params, nil).
				WithParameterNames(names...).
				Export(f.name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("link %s: %w", ModuleName(m.capability), err)
		}
	}
	return nil
}

func hostCall(f hostFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		var intervalMs uint64
		retArg := stack[0]
		if f.withInterval {
			intervalMs, retArg = stack[0], stack[1]
		}

		payload, err := codec.Marshal(f.call(ctx, intervalMs))
		if err != nil {
			payload, err = codec.Marshal(Result[struct{}]{Err: "encode result: " + err.Error()})
			if err != nil {
				panic(err)
			}
		}
		if err := writeResult(ctx, mod, api.DecodeU32(retArg), payload); err != nil {
			panic(err)
		}
	}
}

func writeResult(ctx context.Context, mod api.Module, retPtr uint32, payload []byte) error {
	realloc := mod.ExportedFunction("cabi_realloc")
	if realloc == nil {
		return fmt.Errorf("%w: cabi_realloc not exported", ErrABI)
	}
	mem := mod.Memory()
	if mem == nil {
		return fmt.Errorf("%w: no memory exported", ErrABI)
	}

	results, err := realloc.Call(ctx, 0, 0, 1, uint64(len(payload)))
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return fmt.Errorf("%w: cabi_realloc returned %d values", ErrABI, len(results))
	}
	ptr := api.DecodeU32(results[0])

	if !mem.Write(ptr, payload) {
		return fmt.Errorf("%w: allocation %d+%d outside memory", ErrABI, ptr, len(payload))
	}
	if !mem.WriteUint32Le(retPtr, ptr) || !mem.WriteUint32Le(retPtr+4, uint32(len(payload))) {
		return fmt.Errorf("%w: return area %d outside memory", ErrABI, retPtr)
	}
	return nil
}
