package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/optimatist/psh/internal/system"
)

var (
	fixtureProc = filepath.Join("..", "..", "internal", "system", "testdata", "proc")
	fixtureSys  = filepath.Join("..", "..", "internal", "system", "testdata", "sys")
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--interval", "1s", "-f", "human", "memory", "disk"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.interval.Seconds() != 1 || opts.format != "human" || len(opts.sections) != 2 {
		t.Errorf("opts = %+v", opts)
	}

	opts, err = parseFlags(nil, io.Discard)
	if err != nil || len(opts.sections) != len(sections) {
		t.Errorf("default sections = %v, %v", opts.sections, err)
	}

	for _, bad := range [][]string{{"-f", "xml"}, {"gpu"}, {"--interval", "-1s"}} {
		if _, err := parseFlags(bad, io.Discard); err == nil {
			t.Errorf("parseFlags(%v) succeeded", bad)
		}
	}
}

func TestRun_JSON(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--proc-root", fixtureProc, "--sys-root", fixtureSys, "memory", "disk", "rps"}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var report map[string]json.RawMessage
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var mem system.MemInfo
	if err := json.Unmarshal(report["memory"], &mem); err != nil {
		t.Fatalf("decode memory: %v", err)
	}
	if mem.MemTotal != 16215456 {
		t.Errorf("mem_total = %d", mem.MemTotal)
	}
	if !strings.Contains(string(report["disk"]), `"name": "sda"`) {
		t.Errorf("disk section missing sda: %s", report["disk"])
	}
}

func TestPrintHuman(t *testing.T) {
	sys, err := system.New(system.Options{ProcRoot: fixtureProc, SysRoot: fixtureSys})
	if err != nil {
		t.Fatal(err)
	}
	report := map[string]any{}
	for _, name := range []string{"memory", "network", "interrupt"} {
		v, err := collect(context.Background(), sys, name, false, 0)
		if err != nil {
			t.Fatalf("collect %s: %v", name, err)
		}
		report[name] = v
	}

	var out bytes.Buffer
	if err := printHuman(&out, []string{"memory", "network", "interrupt"}, report); err != nil {
		t.Fatalf("printHuman: %v", err)
	}
	text := out.String()
	for _, want := range []string{"== memory", "15 GiB", "eth0", "timer"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
