package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestGetGlobalEventLoggerReturnsSingletonNoopWhenUnset(t *testing.T) {
	SetGlobalEventLogger(nil)

	a := GetGlobalEventLogger()
	b := GetGlobalEventLogger()

	if a == nil || b == nil {
		t.Fatal("expected non-nil noop logger")
	}
	if a != b {
		t.Fatal("expected singleton noop logger instance")
	}
}

func TestEventLogger_BaseAttributes(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("inst-1", &buf)

	el.LogTaskFinished("t1", "e1", "completed", 3, "exited with status 3", 12)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "task_finished" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["instance_id"] != "inst-1" {
		t.Errorf("instance_id = %v", entry["instance_id"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for a failed task", entry["level"])
	}
	if entry["exit_code"] != float64(3) {
		t.Errorf("exit_code = %v", entry["exit_code"])
	}
}

func TestEventLogger_HostInfoError(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("inst-1", &buf)

	el.LogHostInfoSent("box", "x86_64", errors.New("unavailable"))
	if !strings.Contains(buf.String(), `"error":"unavailable"`) {
		t.Errorf("missing error attribute: %s", buf.String())
	}
}

func TestEventLogger_ReportAbandonedCarriesTrace(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("inst-1", &buf)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	el.LogReportAbandoned(ctx, "t1", "rpc task_done: status 400")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["trace_id"] != sc.TraceID().String() {
		t.Errorf("trace_id = %v, want %s", entry["trace_id"], sc.TraceID())
	}
	if entry["span_id"] != sc.SpanID().String() {
		t.Errorf("span_id = %v, want %s", entry["span_id"], sc.SpanID())
	}
}
