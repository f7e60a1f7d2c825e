package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/optimatist/psh/internal/codec"
	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/types"
)

func init() {
	encoding.RegisterCodec(codec.Codec{})
}

// GRPCClient implements Client over gRPC with CBOR-encoded messages.
type GRPCClient struct {
	conn *grpc.ClientConn
	cfg  Config
}

var _ Client = (*GRPCClient)(nil)

// NewGRPCClient creates a client for cfg.Addr. The connection is
// established lazily on the first call.
func NewGRPCClient(cfg Config) (*GRPCClient, error) {
	cfg = cfg.withDefaults()

	creds := credentials.NewTLS(tlsConfig(cfg))
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	}
	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken{token: cfg.Token, secure: !cfg.Insecure}))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", cfg.Addr, err)
	}
	return &GRPCClient{conn: conn, cfg: cfg}, nil
}

func (c *GRPCClient) SendHostInfo(ctx context.Context, info types.HostInfo) error {
	return c.invoke(ctx, "SendHostInfo", "send_host_info", &info, &Unit{})
}

func (c *GRPCClient) Heartbeat(ctx context.Context, payload types.HeartbeatPayload) error {
	return c.invoke(ctx, "Heartbeat", "heartbeat", &payload, &Unit{})
}

func (c *GRPCClient) GetTask(ctx context.Context, instanceID string) (*types.Task, error) {
	var resp GetTaskResponse
	if err := c.invoke(ctx, "GetTask", "get_task", &GetTaskRequest{InstanceID: instanceID}, &resp); err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, nil
	}
	task, err := resp.Task.Task()
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *GRPCClient) TaskDone(ctx context.Context, taskID string) error {
	return c.invoke(ctx, "TaskDone", "task_done", &TaskDoneRequest{TaskID: taskID}, &Unit{})
}

func (c *GRPCClient) ExportData(ctx context.Context, payload types.ExportPayload) error {
	return c.invoke(ctx, "ExportData", "export_data", &payload, &Unit{})
}

func (c *GRPCClient) NewInstanceID(ctx context.Context) (string, error) {
	var resp InstanceIDResponse
	if err := c.invoke(ctx, "NewInstanceId", "new_instance_id", &Unit{}, &resp); err != nil {
		return "", err
	}
	if resp.InstanceID == "" {
		return "", &TransportError{Op: "new_instance_id", Err: ErrNoInstanceID}
	}
	return resp.InstanceID, nil
}

// Close tears down the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method, op string, req, resp any) error {
	ctx, span := pshotel.GetGlobalTracer().StartRPCSpan(ctx, op, TransportGRPC)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
	if err == nil {
		return nil
	}

	te := &TransportError{Op: op, Code: status.Code(err), Err: err}
	pshotel.RecordError(span, te, "transport", te.Retryable())
	pshotel.GetGlobalMetrics().RecordTransportError(ctx, op, te.Retryable())
	return te
}

// bearerToken attaches the token to every call.
type bearerToken struct {
	token  string
	secure bool
}

func (b bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool {
	return b.secure
}

// Server is the control plane side of the gRPC service.
type Server interface {
	SendHostInfo(ctx context.Context, info *types.HostInfo) error
	Heartbeat(ctx context.Context, payload *types.HeartbeatPayload) error
	GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error)
	TaskDone(ctx context.Context, req *TaskDoneRequest) error
	ExportData(ctx context.Context, payload *types.ExportPayload) error
	NewInstanceID(ctx context.Context) (*InstanceIDResponse, error)
}

// RegisterServer registers srv on s under ServiceName.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SendHostInfo", func(ctx context.Context, srv Server, req *types.HostInfo) (*Unit, error) {
			return &Unit{}, srv.SendHostInfo(ctx, req)
		}),
		unaryMethod("Heartbeat", func(ctx context.Context, srv Server, req *types.HeartbeatPayload) (*Unit, error) {
			return &Unit{}, srv.Heartbeat(ctx, req)
		}),
		unaryMethod("GetTask", func(ctx context.Context, srv Server, req *GetTaskRequest) (*GetTaskResponse, error) {
			return srv.GetTask(ctx, req)
		}),
		unaryMethod("TaskDone", func(ctx context.Context, srv Server, req *TaskDoneRequest) (*Unit, error) {
			return &Unit{}, srv.TaskDone(ctx, req)
		}),
		unaryMethod("ExportData", func(ctx context.Context, srv Server, req *types.ExportPayload) (*Unit, error) {
			return &Unit{}, srv.ExportData(ctx, req)
		}),
		unaryMethod("NewInstanceId", func(ctx context.Context, srv Server, _ *Unit) (*InstanceIDResponse, error) {
			return srv.NewInstanceID(ctx)
		}),
	},
	Metadata: "psh/instance.proto",
}

func unaryMethod[Req, Resp any](name string, call func(context.Context, Server, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(ctx, srv.(Server), req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}
