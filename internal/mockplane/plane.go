// Package mockplane is an in-memory control plane for tests and local runs.
//
// A Plane queues tasks for agents and records everything agents send back.
// It serves the JSON protocol of rpc.HTTPClient (Handler) and implements
// rpc.Server for the gRPC transport (GRPCServer).
package mockplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/types"
)

// Operation names, shared with rpc for failure injection.
const (
	OpSendHostInfo  = "send_host_info"
	OpHeartbeat     = "heartbeat"
	OpGetTask       = "get_task"
	OpTaskDone      = "task_done"
	OpExportData    = "export_data"
	OpNewInstanceID = "new_instance_id"
)

// Plane holds the control plane state. The zero value is not usable; call
// New.
type Plane struct {
	token string

	mu         sync.Mutex
	queue      []*rpc.TaskMessage
	hostInfos  []types.HostInfo
	heartbeats []types.HeartbeatPayload
	exports    map[string][]types.ExportPayload
	done       map[string]int
	instances  []string
	failures   map[string]*injected
	calls      map[string]int
}

type injected struct {
	remaining int
	status    int
}

var _ rpc.Server = (*Plane)(nil)

// New creates a Plane. An empty token disables authentication.
func New(token string) *Plane {
	return &Plane{
		token:    token,
		exports:  make(map[string][]types.ExportPayload),
		done:     make(map[string]int),
		failures: make(map[string]*injected),
		calls:    make(map[string]int),
	}
}

// Enqueue queues tasks for delivery in order. Enqueueing an id twice
// delivers it twice.
func (p *Plane) Enqueue(tasks ...types.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tasks {
		p.queue = append(p.queue, rpc.NewTaskMessage(t))
	}
}

// EnqueueMessage queues a raw wire message, letting tests deliver invalid
// tasks.
func (p *Plane) EnqueueMessage(m rpc.TaskMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, &m)
}

// Pending returns the number of queued tasks.
func (p *Plane) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// FailNext makes the next n calls of op fail with the HTTP status code. The
// gRPC transport maps the status to a code.
func (p *Plane) FailNext(op string, n, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = &injected{remaining: n, status: status}
}

// Calls returns how many times op was received, including injected
// failures.
func (p *Plane) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// HostInfos returns the recorded host registrations.
func (p *Plane) HostInfos() []types.HostInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.HostInfo(nil), p.hostInfos...)
}

// Heartbeats returns the recorded heartbeats.
func (p *Plane) Heartbeats() []types.HeartbeatPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.HeartbeatPayload(nil), p.heartbeats...)
}

// Exports returns the exports received for a task id.
func (p *Plane) Exports(taskID string) []types.ExportPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.ExportPayload(nil), p.exports[taskID]...)
}

// DoneCount returns how many times a task id was marked done.
func (p *Plane) DoneCount(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[taskID]
}

// Reported returns the ids marked done at least once.
func (p *Plane) Reported() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.done))
	for id := range p.done {
		ids = append(ids, id)
	}
	return ids
}

// Instances returns the instance ids handed out.
func (p *Plane) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.instances...)
}

// StatusError is an injected failure.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("injected failure of %s (status %d)", e.Op, e.Status)
}

// enter counts a call and consumes an injected failure for it.
func (p *Plane) enter(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	f, ok := p.failures[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return &StatusError{Op: op, Status: f.status}
}

func (p *Plane) SendHostInfo(ctx context.Context, info *types.HostInfo) error {
	if err := p.enter(OpSendHostInfo); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hostInfos = append(p.hostInfos, *info)
	return nil
}

func (p *Plane) Heartbeat(ctx context.Context, payload *types.HeartbeatPayload) error {
	if err := p.enter(OpHeartbeat); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = append(p.heartbeats, *payload)
	return nil
}

func (p *Plane) GetTask(ctx context.Context, req *rpc.GetTaskRequest) (*rpc.GetTaskResponse, error) {
	if err := p.enter(OpGetTask); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return &rpc.GetTaskResponse{}, nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return &rpc.GetTaskResponse{Task: next}, nil
}

func (p *Plane) TaskDone(ctx context.Context, req *rpc.TaskDoneRequest) error {
	if err := p.enter(OpTaskDone); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[req.TaskID]++
	return nil
}

func (p *Plane) ExportData(ctx context.Context, payload *types.ExportPayload) error {
	if err := p.enter(OpExportData); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports[payload.TaskID] = append(p.exports[payload.TaskID], *payload)
	return nil
}

func (p *Plane) NewInstanceID(ctx context.Context) (*rpc.InstanceIDResponse, error) {
	if err := p.enter(OpNewInstanceID); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances = append(p.instances, id)
	return &rpc.InstanceIDResponse{InstanceID: id}, nil
}
