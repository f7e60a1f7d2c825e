package types

// TaskStatus is the terminal status reported for a task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ExportPayload carries the result of one task execution upstream.
type ExportPayload struct {
	TaskID      string     `json:"task_id" cbor:"task_id"`
	InstanceID  string     `json:"instance_id" cbor:"instance_id"`
	ExecutionID string     `json:"execution_id" cbor:"execution_id"`
	Status      TaskStatus `json:"status" cbor:"status"`
	State       string     `json:"state" cbor:"state"`
	Cause       string     `json:"cause,omitempty" cbor:"cause,omitempty"`
	ExitCode    *uint32    `json:"exit_code,omitempty" cbor:"exit_code,omitempty"`
	Stdout      []byte     `json:"stdout,omitempty" cbor:"stdout,omitempty"`
	Stderr      []byte     `json:"stderr,omitempty" cbor:"stderr,omitempty"`
	StartedAtMs int64      `json:"started_at_ms" cbor:"started_at_ms"`
	EndedAtMs   int64      `json:"ended_at_ms" cbor:"ended_at_ms"`
	DurationMs  int64      `json:"duration_ms" cbor:"duration_ms"`
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
