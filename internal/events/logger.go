// Package events writes structured lifecycle events for the psh agent.
package events

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	pshotel "github.com/optimatist/psh/internal/otel"
)

// EventLogger provides structured logging for task lifecycle events.
type EventLogger struct {
	logger     *slog.Logger
	instanceID string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// It includes the base attribute instance_id.
func NewEventLogger(instanceID string) *EventLogger {
	return NewEventLoggerWithWriter(instanceID, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
func NewEventLoggerWithWriter(instanceID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return FromLogger(slog.New(handler), instanceID)
}

// FromLogger wraps an existing logger.
func FromLogger(logger *slog.Logger, instanceID string) *EventLogger {
	return &EventLogger{
		logger:     logger.With("instance_id", instanceID),
		instanceID: instanceID,
	}
}

// InstanceID returns the base instance id.
func (el *EventLogger) InstanceID() string {
	return el.instanceID
}

// LogTaskReceived logs a task handed to a worker.
// event: "task_received"
// Attributes: task_id, wasm_bytes, args, deadline_ms
func (el *EventLogger) LogTaskReceived(taskID string, wasmBytes, args int, deadlineMs int64) {
	el.logger.Info("task_received",
		"task_id", taskID,
		"wasm_bytes", wasmBytes,
		"args", args,
		"deadline_ms", deadlineMs,
	)
}

// LogTaskDuplicate logs a delivery of an id that was already seen.
// event: "task_duplicate"
// Attributes: task_id
func (el *EventLogger) LogTaskDuplicate(taskID string) {
	el.logger.Warn("task_duplicate",
		"task_id", taskID,
	)
}

// LogTaskFinished logs the terminal outcome of an execution.
// event: "task_finished"
// Attributes: task_id, execution_id, state, exit_code, cause, duration_ms
func (el *EventLogger) LogTaskFinished(taskID, executionID, state string, exitCode uint32, cause string, durationMs int64) {
	level := slog.LevelInfo
	if cause != "" {
		level = slog.LevelWarn
	}
	el.logger.Log(context.Background(), level, "task_finished",
		"task_id", taskID,
		"execution_id", executionID,
		"state", state,
		"exit_code", exitCode,
		"cause", cause,
		"duration_ms", durationMs,
	)
}

// LogTaskReported logs a task whose export and completion were accepted.
// event: "task_reported"
// Attributes: task_id, status, attempts
func (el *EventLogger) LogTaskReported(taskID, status string, attempts int) {
	el.logger.Info("task_reported",
		"task_id", taskID,
		"status", status,
		"attempts", attempts,
	)
}

// LogReportAbandoned logs a report that was given up. The trace of the
// report span in ctx, if any, is attached.
// event: "report_abandoned"
// Attributes: task_id, reason, trace_id, span_id
func (el *EventLogger) LogReportAbandoned(ctx context.Context, taskID, reason string) {
	traceID, spanID := pshotel.GetTraceInfo(ctx)
	el.logger.ErrorContext(ctx, "report_abandoned",
		"task_id", taskID,
		"reason", reason,
		"trace_id", traceID,
		"span_id", spanID,
	)
}

// LogHeartbeatFailed logs a failed heartbeat.
// event: "heartbeat_failed"
// Attributes: active_tasks, reason
func (el *EventLogger) LogHeartbeatFailed(activeTasks int, reason string) {
	el.logger.Warn("heartbeat_failed",
		"active_tasks", activeTasks,
		"reason", reason,
	)
}

// LogHostInfoSent logs a host registration.
// event: "host_info_sent"
// Attributes: hostname, architecture, error
func (el *EventLogger) LogHostInfoSent(hostname, architecture string, err error) {
	if err != nil {
		el.logger.Warn("host_info_sent",
			"hostname", hostname,
			"architecture", architecture,
			"error", err.Error(),
		)
		return
	}
	el.logger.Info("host_info_sent",
		"hostname", hostname,
		"architecture", architecture,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = FromLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)), "")
	})
	return noopLogger
}
