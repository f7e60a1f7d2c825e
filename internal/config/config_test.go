package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psh.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Full(t *testing.T) {
	t.Setenv(TokenEnv, "")
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, `
rpc:
  addr: https://plane.example:8443
  transport: grpc
  token_file: `+tokenFile+`
  instance_id_file: /tmp/psh/id
  timeout: 3s
scheduler:
  concurrency: 4
  poll_interval: 250ms
  heartbeat_interval: 5s
  host_info_interval: 1m
sandbox:
  memory_limit_pages: 256
  max_output_bytes: 4096
  close_grace: 1s
system:
  proc_root: /host/proc
  sys_root: /host/sys
  max_age: 500ms
otel:
  enabled: true
  exporter: otlp-grpc
  endpoint: collector:4317
  insecure: true
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPC.Token != "s3cret" {
		t.Errorf("token = %q", cfg.RPC.Token)
	}
	rc := cfg.RPCClientConfig()
	if rc.Transport != rpc.TransportGRPC || rc.Timeout != 3*time.Second || rc.Addr != "https://plane.example:8443" {
		t.Errorf("rpc config = %+v", rc)
	}
	sc := cfg.SchedulerConfig("inst")
	if sc.InstanceID != "inst" || sc.Concurrency != 4 || sc.PollInterval != 250*time.Millisecond {
		t.Errorf("scheduler config = %+v", sc)
	}
	if sc.ReportRetry.Backoff == 0 {
		t.Error("report backoff not defaulted")
	}
	bc := cfg.SandboxConfig()
	if bc.MemoryLimitPages != 256 || bc.MaxOutputBytes != 4096 || bc.CloseGrace != time.Second {
		t.Errorf("sandbox config = %+v", bc)
	}
	so := cfg.SystemOptions()
	if so.ProcRoot != "/host/proc" || so.MaxAge != 500*time.Millisecond || so.InfoMaxAge != time.Minute {
		t.Errorf("system options = %+v", so)
	}
	tc := cfg.TracerConfig("v1")
	if !tc.Enabled || tc.ExporterType != pshotel.ExporterOTLPGRPC || !tc.OTLPInsecure {
		t.Errorf("tracer config = %+v", tc)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg, err := Load(writeConfig(t, "rpc:\n  addr: http://localhost:8080\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPC.Transport != rpc.TransportHTTP {
		t.Errorf("transport = %q", cfg.RPC.Transport)
	}
	if cfg.Scheduler.Concurrency != 1 || cfg.Scheduler.HeartbeatInterval != 10*time.Second {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Sandbox.MemoryLimitPages != 1024 {
		t.Errorf("memory pages = %d", cfg.Sandbox.MemoryLimitPages)
	}
	if cfg.System.ProcRoot != "/proc" || cfg.Log.Format != "json" || cfg.OTel.Exporter != "none" {
		t.Errorf("unexpected defaults: %+v %+v %+v", cfg.System, cfg.Log, cfg.OTel)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "")); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestLoad_TokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	cfg, err := Load(writeConfig(t, "rpc:\n  addr: http://x\n  token: from-file\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPC.Token != "from-env" {
		t.Errorf("token = %q, want env value", cfg.RPC.Token)
	}
	if err := cfg.RequireControlPlane(); err != nil {
		t.Errorf("RequireControlPlane: %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(TokenEnv, "")
	tests := map[string]string{
		"transport":     "rpc:\n  transport: carrier-pigeon\n",
		"concurrency":   "scheduler:\n  concurrency: -1\n",
		"exporter":      "otel:\n  exporter: zipkin\n",
		"level":         "log:\n  level: loud\n",
		"format":        "log:\n  format: xml\n",
		"memory":        "sandbox:\n  memory_limit_pages: 70000\n",
		"unknown field": "rpc:\n  adr: typo\n",
		"negative":      "scheduler:\n  poll_interval: -1s\n",
		"token file":    "rpc:\n  token_file: /nonexistent/token\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRequireControlPlane(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg := Default()
	if err := cfg.RequireControlPlane(); err == nil || !strings.Contains(err.Error(), "rpc.addr") {
		t.Errorf("err = %v", err)
	}
	cfg.RPC.Addr = "http://x"
	if err := cfg.RequireControlPlane(); err == nil || !strings.Contains(err.Error(), TokenEnv) {
		t.Errorf("err = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Errorf("unexpected output: %q", out)
	}
}
