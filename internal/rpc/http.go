package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/types"
)

// Task responses carry the component binary.
const maxResponseBodyBytes = 64 << 20

// HTTPClient implements Client with JSON over HTTP(S). Calls that fail with
// a network error or a 5xx, 408 or 429 status are retried with capped
// exponential backoff.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTP client for cfg.Addr.
func NewHTTPClient(cfg Config) *HTTPClient {
	cfg = cfg.withDefaults()
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.Addr, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsConfig(cfg),
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg:    cfg,
		logger: slog.Default().With("component", "rpc", "transport", TransportHTTP),
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *HTTPClient) SetHTTPClient(h *http.Client) {
	c.httpClient = h
}

// BaseURL returns the control plane URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) SendHostInfo(ctx context.Context, info types.HostInfo) error {
	return c.post(ctx, "send_host_info", PathHostInfo, info, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context, payload types.HeartbeatPayload) error {
	return c.post(ctx, "heartbeat", PathHeartbeat, payload, nil)
}

func (c *HTTPClient) GetTask(ctx context.Context, instanceID string) (*types.Task, error) {
	var resp GetTaskResponse
	if err := c.post(ctx, "get_task", PathGetTask, GetTaskRequest{InstanceID: instanceID}, &resp); err != nil {
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

func (c *HTTPClient) TaskDone(ctx context.Context, taskID string) error {
	return c.post(ctx, "task_done", PathTaskDone, TaskDoneRequest{TaskID: taskID}, nil)
}

func (c *HTTPClient) ExportData(ctx context.Context, payload types.ExportPayload) error {
	return c.post(ctx, "export_data", PathExportData, payload, nil)
}

func (c *HTTPClient) NewInstanceID(ctx context.Context) (string, error) {
	var resp InstanceIDResponse
	if err := c.post(ctx, "new_instance_id", PathInstanceID, Unit{}, &resp); err != nil {
		return "", err
	}
	if resp.InstanceID == "" {
		return "", &TransportError{Op: "new_instance_id", Err: ErrNoInstanceID}
	}
	return resp.InstanceID, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out any) error {
	ctx, span := pshotel.GetGlobalTracer().StartRPCSpan(ctx, op, TransportHTTP)
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	attempt := 0
	operation := func() error {
		attempt++
		return c.do(ctx, op, path, payload, out)
	}
	notify := func(err error, wait time.Duration) {
		pshotel.RecordRetry(span, attempt, err.Error())
		pshotel.GetGlobalMetrics().RecordTransportError(ctx, op, true)
		c.logger.Debug("retrying control plane call", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(operation, c.backoff(ctx), notify)
	if err == nil {
		return nil
	}

	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Op: op, Err: err}
	}
	pshotel.RecordError(span, te, "transport", te.Retryable())
	pshotel.GetGlobalMetrics().RecordTransportError(ctx, op, te.Retryable())
	return te
}

func (c *HTTPClient) backoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.Backoff
	b.MaxInterval = c.cfg.Retry.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.cfg.Retry.MaxRetries, 0))), ctx)
}

// do performs one attempt. Non-retryable failures are wrapped in
// backoff.Permanent.
func (c *HTTPClient) do(ctx context.Context, op, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(&TransportError{Op: op, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	pshotel.InjectHeaders(ctx, req.Header, pshotel.GetGlobalTracer())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		te := &TransportError{Op: op, Err: err}
		if ctx.Err() != nil {
			return backoff.Permanent(te)
		}
		return te
	}

	body, err := readResponseBody(resp)
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		te := &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errorFromBody(body, resp.Status)}
		if !te.Retryable() {
			return backoff.Permanent(te)
		}
		return te
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(&TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)})
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBodyBytes)
	}
	return body, nil
}

func errorFromBody(body []byte, status string) error {
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		return fmt.Errorf("%s: %s", er.ErrorCode, er.ErrorMessage)
	}
	return errors.New(status)
}
