package sandbox

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optimatist/psh/internal/bridge"
	"github.com/optimatist/psh/internal/codec"
	"github.com/optimatist/psh/internal/sandbox/wasmtest"
	"github.com/optimatist/psh/internal/system"
	"github.com/optimatist/psh/internal/types"
)

func newFixtureSystem(t *testing.T) *system.System {
	t.Helper()
	sys, err := system.New(system.Options{
		ProcRoot: filepath.Join("..", "system", "testdata", "proc"),
		SysRoot:  filepath.Join("..", "system", "testdata", "sys"),
	})
	if err != nil {
		t.Fatalf("system.New: %v", err)
	}
	return sys
}

func newRuntime(t *testing.T, cfg Config, linker Linker) *Runtime {
	t.Helper()
	rt, err := New(cfg, linker, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func task(wasm []byte, timeout time.Duration, args ...string) types.Task {
	return types.Task{ID: "task-1", Wasm: wasm, Args: args, EndTime: time.Now().Add(timeout)}
}

func TestExecute_NormalReturn(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	out := rt.Execute(context.Background(), task(wasmtest.Return(), 5*time.Second))
	if out.State != StateCompleted || out.ExitCode != 0 || !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.ExecutionID == "" {
		t.Error("expected an execution id")
	}
	if out.Cause() != "" {
		t.Errorf("expected empty cause, got %q", out.Cause())
	}
}

func TestExecute_ProcExit(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	out := rt.Execute(context.Background(), task(wasmtest.Exit(3), 5*time.Second))
	if out.State != StateCompleted || out.ExitCode != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Success() {
		t.Error("nonzero exit status must not count as success")
	}
	if out.Cause() != "exited with status 3" {
		t.Errorf("unexpected cause %q", out.Cause())
	}

	zero := rt.Execute(context.Background(), task(wasmtest.Exit(0), 5*time.Second))
	if !zero.Success() {
		t.Errorf("proc_exit(0) should succeed, got %+v", zero)
	}
}

func TestExecute_TrapIsIsolated(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	trapped := rt.Execute(context.Background(), task(wasmtest.Trap(), 5*time.Second))
	if trapped.State != StateTrapped {
		t.Fatalf("expected trapped, got %+v", trapped)
	}
	if trapped.Description == "" || !strings.HasPrefix(trapped.Cause(), "trapped: ") {
		t.Errorf("expected non-empty cause, got %q", trapped.Cause())
	}

	next := rt.Execute(context.Background(), task(wasmtest.Echo("still alive"), 5*time.Second))
	if !next.Success() || string(next.Stdout) != "still alive" {
		t.Fatalf("task after a trap failed: %+v", next)
	}
}

func TestExecute_Timeout(t *testing.T) {
	sys := newFixtureSystem(t)
	grace := 2 * time.Second
	rt := newRuntime(t, Config{CloseGrace: grace}, bridge.All(bridge.NewHost(sys)))

	deadline := 100 * time.Millisecond
	start := time.Now()
	out := rt.Execute(context.Background(), task(wasmtest.Spinner(), deadline))
	elapsed := time.Since(start)

	if out.State != StateTimedOut {
		t.Fatalf("expected timed out, got %+v", out)
	}
	if elapsed > deadline+grace {
		t.Errorf("outcome took %v, want within %v", elapsed, deadline+grace)
	}
	if !strings.HasPrefix(out.Cause(), "timed out") {
		t.Errorf("unexpected cause %q", out.Cause())
	}

	if _, err := sys.Memory.Stat(); err != nil {
		t.Fatalf("providers unusable after a timeout: %v", err)
	}
}

func TestExecute_ExpiredTaskNeverRuns(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	expired := types.Task{ID: "late", Wasm: wasmtest.Echo("ran"), EndTime: time.Now().Add(-time.Second)}
	out := rt.Execute(context.Background(), expired)
	if out.State != StateTimedOut {
		t.Fatalf("expected timed out, got %+v", out)
	}
	if len(out.Stdout) != 0 {
		t.Errorf("guest ran: %q", out.Stdout)
	}
}

func TestExecute_LoadFailures(t *testing.T) {
	rt := newRuntime(t, Config{}, bridge.Capabilities{})

	missingImport := wasmtest.New()
	missingImport.Import(bridge.ModuleName("gpu"), "info", []wasmtest.ValType{wasmtest.I32}, nil)
	missingImport.Memory(1)

	noStart := wasmtest.New().Memory(1)
	noStart.Func(nil, nil, nil)

	tests := []struct {
		name string
		wasm []byte
	}{
		{"malformed binary", []byte("not wasm at all")},
		{"empty binary", nil},
		{"missing host capability", missingImport.Bytes()},
		{"ungranted provider", wasmtest.HostCall(bridge.ModuleName("memory"), "stat", -1)},
		{"no entry point", noStart.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := rt.Execute(context.Background(), task(tt.wasm, 5*time.Second))
			if out.State != StateLoadFailed {
				t.Fatalf("expected load failed, got %+v", out)
			}
			if out.Description == "" {
				t.Error("expected a description")
			}
		})
	}
}

func TestExecute_Args(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	out := rt.Execute(context.Background(), task(wasmtest.Args(), 5*time.Second, "--top", "10"))
	if !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := "psh-task\x00--top\x0010\x00"
	if string(out.Stdout) != want {
		t.Errorf("argv = %q, want %q", out.Stdout, want)
	}
}

func TestExecute_HostCall(t *testing.T) {
	sys := newFixtureSystem(t)
	rt := newRuntime(t, Config{}, bridge.All(bridge.NewHost(sys)))

	out := rt.Execute(context.Background(), task(wasmtest.HostCall(bridge.ModuleName("memory"), "stat", -1), 5*time.Second))
	if !out.Success() {
		t.Fatalf("unexpected outcome %+v", out)
	}

	var res bridge.Result[bridge.MemInfo]
	if err := codec.Unmarshal(out.Stdout, &res); err != nil {
		t.Fatalf("decode guest output: %v", err)
	}
	info, ok := res.Value()
	if !ok || info.MemTotal != 16215456 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecute_OutputIsCapped(t *testing.T) {
	rt := newRuntime(t, Config{MaxOutputBytes: 3}, nil)

	out := rt.Execute(context.Background(), task(wasmtest.Echo("hello"), 5*time.Second))
	if !out.Success() {
		t.Fatalf("capped output must not fail the guest: %+v", out)
	}
	if string(out.Stdout) != "hel" || !out.OutputTruncated {
		t.Errorf("stdout=%q truncated=%v", out.Stdout, out.OutputTruncated)
	}
}

func TestExecute_ConcurrentExecutionsAreIsolated(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wasm := wasmtest.Echo(strings.Repeat("x", i+1))
			if i%2 == 1 {
				wasm = wasmtest.Trap()
			}
			outcomes[i] = rt.Execute(context.Background(), task(wasm, 5*time.Second))
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		if i%2 == 1 {
			if out.State != StateTrapped {
				t.Errorf("%d: expected trapped, got %s", i, out.State)
			}
			continue
		}
		if !out.Success() || !bytes.Equal(out.Stdout, bytes.Repeat([]byte("x"), i+1)) {
			t.Errorf("%d: unexpected outcome %+v", i, out)
		}
	}
}

func TestOutcome_Cause(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{Outcome{State: StateCompleted}, ""},
		{Outcome{State: StateCompleted, ExitCode: 2}, "exited with status 2"},
		{Outcome{State: StateTimedOut}, "timed out"},
		{Outcome{State: StateTrapped, Description: "unreachable"}, "trapped: unreachable"},
		{Outcome{State: StateLoadFailed, Description: "compile: bad magic"}, "load failed: compile: bad magic"},
	}
	for _, tt := range tests {
		if got := tt.out.Cause(); got != tt.want {
			t.Errorf("%s: Cause() = %q, want %q", tt.out.State, got, tt.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateTrapped, StateTimedOut, StateLoadFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateLoading, StateInstantiated, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
