// Package rpc talks to the control plane.
//
// Two transports implement Client: HTTPClient speaks JSON over HTTPS and is
// the default, GRPCClient speaks gRPC with a CBOR codec. Both authenticate
// with a bearer token and verify the server against the platform roots.
// Failed calls return *TransportError.
package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/optimatist/psh/internal/types"
)

// Client is the control-plane collaborator of the scheduler.
type Client interface {
	// SendHostInfo registers the host identity of info.InstanceID.
	SendHostInfo(ctx context.Context, info types.HostInfo) error

	Heartbeat(ctx context.Context, payload types.HeartbeatPayload) error

	// GetTask returns the next task, or nil when none is queued. A task that
	// was handed out but cannot be decoded yields a *types.InvalidTaskError
	// so that it can still be reported.
	GetTask(ctx context.Context, instanceID string) (*types.Task, error)

	TaskDone(ctx context.Context, taskID string) error

	ExportData(ctx context.Context, payload types.ExportPayload) error

	NewInstanceID(ctx context.Context) (string, error)

	Close() error
}

// Transport names.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config configures a Client.
type Config struct {
	// Addr is the control plane base URL (http) or host:port (grpc).
	Addr      string
	Transport string
	Token     string

	// Timeout bounds a single attempt. Default: 10s.
	Timeout time.Duration

	// Retry configures per-call retries of the HTTP transport.
	Retry RetryConfig

	// TLS overrides the client TLS configuration. Nil uses the platform
	// roots.
	TLS *tls.Config

	// Insecure disables transport security. Only for local control planes.
	Insecure bool
}

// RetryConfig bounds per-call retries.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.Backoff <= 0 {
		c.Retry = DefaultRetryConfig()
	}
	return c
}

// New builds the client for cfg.Transport.
func New(cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPClient(cfg), nil
	case TransportGRPC:
		return NewGRPCClient(cfg)
	default:
		return nil, fmt.Errorf("unknown rpc transport %q", cfg.Transport)
	}
}

func tlsConfig(cfg Config) *tls.Config {
	if cfg.TLS != nil {
		return cfg.TLS
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
