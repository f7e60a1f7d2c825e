package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/optimatist/psh/internal/codec"
	"github.com/optimatist/psh/internal/sandbox/wasmtest"
)

func instantiate(t *testing.T, caps Capabilities, guest []byte) (context.Context, api.Module) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	if err := Link(ctx, r, caps); err != nil {
		t.Fatalf("Link: %v", err)
	}
	mod, err := r.InstantiateWithConfig(ctx, guest, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}
	return ctx, mod
}

func readResult(t *testing.T, mod api.Module, v any) {
	t.Helper()
	ptr, ok := mod.Memory().ReadUint32Le(wasmtest.RetArea)
	if !ok {
		t.Fatal("return area unreadable")
	}
	n, ok := mod.Memory().ReadUint32Le(wasmtest.RetArea + 4)
	if !ok {
		t.Fatal("return area unreadable")
	}
	payload, ok := mod.Memory().Read(ptr, n)
	if !ok {
		t.Fatalf("payload %d+%d outside memory", ptr, n)
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestLink_MemoryStat(t *testing.T) {
	ctx, mod := instantiate(t, All(fixtureHost(t)), wasmtest.Library(ModuleName("memory"), "stat", false))

	if _, err := mod.ExportedFunction("call").Call(ctx); err != nil {
		t.Fatalf("call: %v", err)
	}

	var res Result[MemInfo]
	readResult(t, mod, &res)
	info, ok := res.Value()
	if !ok {
		t.Fatalf("expected Ok, got %q", res.Err)
	}
	if info.MemTotal != 16215456 {
		t.Errorf("MemTotal = %d", info.MemTotal)
	}
}

func TestLink_IntervalArgument(t *testing.T) {
	ctx, mod := instantiate(t, All(fixtureHost(t)), wasmtest.Library(ModuleName("interrupt"), "stat", true))

	if _, err := mod.ExportedFunction("call").Call(ctx, 5); err != nil {
		t.Fatalf("call: %v", err)
	}

	var res Result[[]InterruptStat]
	readResult(t, mod, &res)
	stats, ok := res.Value()
	if !ok {
		t.Fatalf("expected Ok, got %q", res.Err)
	}
	for _, s := range stats {
		for _, c := range s.PerCPUCounts {
			if c != 0 {
				t.Fatalf("expected zero deltas over a static fixture, got %v", s.PerCPUCounts)
			}
		}
	}
}

func TestLink_SuccessiveCallsDoNotShareBuffers(t *testing.T) {
	ctx, mod := instantiate(t, All(fixtureHost(t)), wasmtest.Library(ModuleName("rps"), "info", false))

	call := mod.ExportedFunction("call")
	if _, err := call.Call(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	first, _ := mod.Memory().ReadUint32Le(wasmtest.RetArea)
	if _, err := call.Call(ctx); err != nil {
		t.Fatalf("second call: %v", err)
	}
	second, _ := mod.Memory().ReadUint32Le(wasmtest.RetArea)
	if first == second {
		t.Fatal("expected each call to allocate through cabi_realloc")
	}

	var res Result[[]RPSDetails]
	readResult(t, mod, &res)
	if rps, ok := res.Value(); !ok || len(rps) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLink_PanicReachesGuestAsError(t *testing.T) {
	ctx, mod := instantiate(t, All(&Host{}), wasmtest.Library(ModuleName("cpu"), "info", false))

	if _, err := mod.ExportedFunction("call").Call(ctx); err != nil {
		t.Fatalf("host panic escaped the bridge: %v", err)
	}

	var res Result[CPUInfo]
	readResult(t, mod, &res)
	if res.Ok != nil || !strings.HasPrefix(res.Err, "internal error") {
		t.Fatalf("expected internal error result, got %+v", res)
	}
}

func TestLink_UngrantedCapabilityFailsInstantiation(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	if err := Link(ctx, r, Capabilities{Memory: fixtureHost(t)}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	_, err := r.InstantiateWithConfig(ctx, wasmtest.Library(ModuleName("cpu"), "info", false), wazero.NewModuleConfig().WithStartFunctions())
	if err == nil {
		t.Fatal("expected instantiation to fail for an ungranted capability")
	}
}

func TestLink_MissingAllocatorTrapsGuest(t *testing.T) {
	m := wasmtest.New()
	host := m.Import(ModuleName("memory"), "stat", []wasmtest.ValType{wasmtest.I32}, nil)
	m.Memory(1)
	call := m.Func(nil, nil, nil, wasmtest.I32Const(wasmtest.RetArea), wasmtest.Call(host))
	m.Export("call", call)

	ctx, mod := instantiate(t, All(fixtureHost(t)), m.Bytes())
	_, err := mod.ExportedFunction("call").Call(ctx)
	if !errors.Is(err, ErrABI) {
		t.Fatalf("expected ErrABI, got %v", err)
	}
}

func TestModuleName(t *testing.T) {
	if got := ModuleName("interrupt"); got != "psh:system/interrupt@1.0.0" {
		t.Fatalf("ModuleName = %q", got)
	}
}
