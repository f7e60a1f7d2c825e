package rpc

import "github.com/optimatist/psh/internal/types"

// HTTP routes of the JSON protocol. Every request is a POST.
const (
	PathHostInfo   = "/v1/host-info"
	PathHeartbeat  = "/v1/heartbeat"
	PathGetTask    = "/v1/tasks/next"
	PathTaskDone   = "/v1/tasks/done"
	PathExportData = "/v1/export"
	PathInstanceID = "/v1/instance-id"
)

// ServiceName is the gRPC service of the control plane.
const ServiceName = "psh.proto.instance.PshService"

// Unit is the empty message.
type Unit struct{}

// TaskMessage is a task as it travels on the wire. EndTimeMs is the
// deadline in Unix milliseconds.
type TaskMessage struct {
	ID        string   `json:"id" cbor:"id"`
	Wasm      []byte   `json:"wasm" cbor:"wasm"`
	WasmArgs  []string `json:"wasm_args" cbor:"wasm_args"`
	EndTimeMs int64    `json:"end_time" cbor:"end_time"`
}

// GetTaskRequest asks for the next task of an instance.
type GetTaskRequest struct {
	InstanceID string `json:"instance_id" cbor:"instance_id"`
}

// GetTaskResponse carries the next task, if any.
type GetTaskResponse struct {
	Task *TaskMessage `json:"task,omitempty" cbor:"task,omitempty"`
}

// TaskDoneRequest marks a task finished.
type TaskDoneRequest struct {
	TaskID string `json:"task_id" cbor:"task_id"`
}

// InstanceIDResponse carries a newly assigned instance id.
type InstanceIDResponse struct {
	InstanceID string `json:"instance_id" cbor:"instance_id"`
}

// Task converts m, rejecting a missing deadline.
func (m *TaskMessage) Task() (types.Task, error) {
	return types.TaskFromMillis(m.ID, m.Wasm, m.WasmArgs, m.EndTimeMs)
}

// NewTaskMessage is the inverse of TaskMessage.Task.
func NewTaskMessage(t types.Task) *TaskMessage {
	return &TaskMessage{
		ID:        t.ID,
		Wasm:      t.Wasm,
		WasmArgs:  t.Args,
		EndTimeMs: t.EndTime.UnixMilli(),
	}
}
