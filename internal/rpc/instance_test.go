package rpc_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/optimatist/psh/internal/mockplane"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/system"
)

func TestLoadOrCreateInstanceID_Persists(t *testing.T) {
	plane, client := newHTTPClient(t, "secret")
	path := filepath.Join(t.TempDir(), "state", "instance_id")

	id, err := rpc.LoadOrCreateInstanceID(context.Background(), path, client)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted id: %v", err)
	}
	if strings.TrimSpace(string(data)) != id {
		t.Errorf("persisted %q, returned %q", data, id)
	}

	again, err := rpc.LoadOrCreateInstanceID(context.Background(), path, client)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again != id {
		t.Errorf("second load = %q, want %q", again, id)
	}
	if got := plane.Calls(mockplane.OpNewInstanceID); got != 1 {
		t.Errorf("NewInstanceID calls = %d, want 1", got)
	}
}

func TestLoadOrCreateInstanceID_ExistingFile(t *testing.T) {
	plane, client := newHTTPClient(t, "secret")
	path := filepath.Join(t.TempDir(), "instance_id")
	if err := os.WriteFile(path, []byte("  fixed-id\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := rpc.LoadOrCreateInstanceID(context.Background(), path, client)
	if err != nil || id != "fixed-id" {
		t.Fatalf("load = %q, %v", id, err)
	}
	if plane.Calls(mockplane.OpNewInstanceID) != 0 {
		t.Error("control plane asked for an id despite the file")
	}
}

func TestLoadOrCreateInstanceID_ControlPlaneDown(t *testing.T) {
	plane, client := newHTTPClient(t, "secret")
	plane.FailNext(mockplane.OpNewInstanceID, 100, 503)
	path := filepath.Join(t.TempDir(), "instance_id")

	if _, err := rpc.LoadOrCreateInstanceID(context.Background(), path, client); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("instance id file written on failure: %v", err)
	}
}

func TestCollectHostInfo(t *testing.T) {
	sys, err := system.New(system.Options{
		ProcRoot: filepath.Join("..", "system", "testdata", "proc"),
		SysRoot:  filepath.Join("..", "system", "testdata", "sys"),
		Arch:     "amd64",
	})
	if err != nil {
		t.Fatalf("system.New: %v", err)
	}

	info := rpc.CollectHostInfo(sys, "inst-7")
	if info.InstanceID != "inst-7" {
		t.Errorf("instance id = %q", info.InstanceID)
	}
	if runtime.GOARCH == "amd64" && info.Architecture != string(system.ArchX86_64) {
		t.Errorf("architecture = %q, want x86_64", info.Architecture)
	}
}
