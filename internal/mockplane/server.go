package mockplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/types"
)

const maxRequestBytes = 64 << 20

// Handler serves the JSON protocol.
func (p *Plane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+rpc.PathHostInfo, func(w http.ResponseWriter, r *http.Request) {
		var info types.HostInfo
		if decode(w, r, &info) {
			reply(w, nil, p.SendHostInfo(r.Context(), &info))
		}
	})
	mux.HandleFunc("POST "+rpc.PathHeartbeat, func(w http.ResponseWriter, r *http.Request) {
		var hb types.HeartbeatPayload
		if decode(w, r, &hb) {
			reply(w, nil, p.Heartbeat(r.Context(), &hb))
		}
	})
	mux.HandleFunc("POST "+rpc.PathGetTask, func(w http.ResponseWriter, r *http.Request) {
		var req rpc.GetTaskRequest
		if decode(w, r, &req) {
			resp, err := p.GetTask(r.Context(), &req)
			reply(w, resp, err)
		}
	})
	mux.HandleFunc("POST "+rpc.PathTaskDone, func(w http.ResponseWriter, r *http.Request) {
		var req rpc.TaskDoneRequest
		if decode(w, r, &req) {
			reply(w, nil, p.TaskDone(r.Context(), &req))
		}
	})
	mux.HandleFunc("POST "+rpc.PathExportData, func(w http.ResponseWriter, r *http.Request) {
		var payload types.ExportPayload
		if decode(w, r, &payload) {
			reply(w, nil, p.ExportData(r.Context(), &payload))
		}
	})
	mux.HandleFunc("POST "+rpc.PathInstanceID, func(w http.ResponseWriter, r *http.Request) {
		resp, err := p.NewInstanceID(r.Context())
		reply(w, resp, err)
	})
	return p.requireToken(mux)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "READ_FAILED", err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "INVALID_JSON", err.Error())
		return false
	}
	return true
}

func reply(w http.ResponseWriter, resp any, err error) {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		writeError(w, se.Status, "injected", "INJECTED_FAILURE", se.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "INTERNAL_ERROR", err.Error())
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GRPCServer returns a gRPC server with the plane registered.
func (p *Plane) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(p.unaryAuth, statusInterceptor))
	srv := grpc.NewServer(opts...)
	rpc.RegisterServer(srv, p)
	return srv
}

// statusInterceptor turns injected HTTP statuses into gRPC codes.
func statusInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	var se *StatusError
	if errors.As(err, &se) {
		return nil, status.Error(grpcCode(se.Status), se.Error())
	}
	return resp, err
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusInternalServerError:
		return codes.Internal
	}
	return codes.Unknown
}

// Server runs a plane on a real listener for local agents.
type Server struct {
	Plane *Plane

	addr       string
	transport  string
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer creates a server for plane on addr using transport (rpc.TransportHTTP
// or rpc.TransportGRPC).
func NewServer(plane *Plane, addr, transport string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Plane: plane, addr: normalizeAddr(addr), transport: transport, logger: logger}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	switch s.transport {
	case rpc.TransportGRPC:
		s.grpcServer = s.Plane.GRPCServer()
		go func() {
			if err := s.grpcServer.Serve(ln); err != nil {
				s.logger.Error("grpc server stopped", "error", err)
			}
		}()
	default:
		s.httpServer = &http.Server{
			Handler:           pshotel.Middleware(pshotel.GetGlobalTracer())(s.Plane.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server stopped", "error", err)
			}
		}()
	}
	s.logger.Info("mock control plane listening", "addr", s.addr, "transport", s.transport)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// URL returns the base URL of the HTTP transport.
func (s *Server) URL() string {
	return "http://" + s.addr
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

// StartTestServer serves a new plane over httptest and closes it when the
// test ends.
func StartTestServer(t testing.TB, token string) (*Plane, *httptest.Server) {
	t.Helper()
	plane := New(token)
	srv := httptest.NewServer(plane.Handler())
	t.Cleanup(srv.Close)
	return plane, srv
}

// StartGRPCTestServer serves a new plane over gRPC on a loopback port and
// returns its address.
func StartGRPCTestServer(t testing.TB, token string) (*Plane, string) {
	t.Helper()
	plane := New(token)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := plane.GRPCServer()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)
	return plane, ln.Addr().String()
}
