package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// ExportInterval overrides the periodic reader interval. Zero keeps the SDK default.
	ExportInterval time.Duration

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  ServiceName,
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with agent-specific instruments.
// Every Record method is safe on a disabled instance.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	lastHeartbeat     atomic.Int64
	heartbeatGauge    metric.Int64ObservableGauge
	heartbeatGaugeReg metric.Registration

	taskOutcomes     metric.Int64Counter
	taskDuration     metric.Float64Histogram
	activeTasks      metric.Int64UpDownCounter
	reportRetries    metric.Int64Counter
	cacheRefreshes   metric.Int64Counter
	cacheRefreshTime metric.Float64Histogram
	bridgeCalls      metric.Int64Counter
	transportErrors  metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex

	noopMetricsOnce sync.Once
	noopMetrics     *Metrics
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// NewMetricsWithReader builds an enabled Metrics over an explicit reader.
// Tests use it with sdkmetric.NewManualReader to inspect recorded values.
func NewMetricsWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	cfg := DefaultMetricsConfig()
	cfg.Enabled = true
	cfg.ExporterType = ExporterStdout

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.taskOutcomes, err = m.meter.Int64Counter(
		"psh.task.outcomes",
		metric.WithDescription("Terminal task outcomes by sandbox state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task outcome counter: %w", err)
	}

	m.taskDuration, err = m.meter.Float64Histogram(
		"psh.task.duration",
		metric.WithDescription("Wall-clock time of sandbox executions"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	m.activeTasks, err = m.meter.Int64UpDownCounter(
		"psh.tasks.active",
		metric.WithDescription("Number of tasks currently executing"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active tasks counter: %w", err)
	}

	m.reportRetries, err = m.meter.Int64Counter(
		"psh.report.retries",
		metric.WithDescription("Report attempts retried after a transport error"),
	)
	if err != nil {
		return fmt.Errorf("failed to create report retry counter: %w", err)
	}

	m.cacheRefreshes, err = m.meter.Int64Counter(
		"psh.telemetry.refreshes",
		metric.WithDescription("Telemetry cache collector invocations"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache refresh counter: %w", err)
	}

	m.cacheRefreshTime, err = m.meter.Float64Histogram(
		"psh.telemetry.refresh.duration",
		metric.WithDescription("Telemetry collector run time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache refresh histogram: %w", err)
	}

	m.bridgeCalls, err = m.meter.Int64Counter(
		"psh.bridge.calls",
		metric.WithDescription("Host capability calls made by guests"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge call counter: %w", err)
	}

	m.transportErrors, err = m.meter.Int64Counter(
		"psh.rpc.errors",
		metric.WithDescription("Control-plane call failures by operation"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport error counter: %w", err)
	}

	m.heartbeatGauge, err = m.meter.Int64ObservableGauge(
		"psh.heartbeat.last",
		metric.WithDescription("Unix time of the last acknowledged heartbeat"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat gauge: %w", err)
	}

	m.heartbeatGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.heartbeatGauge, m.lastHeartbeat.Load())
			return nil
		},
		m.heartbeatGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register heartbeat gauge callback: %w", err)
	}

	return nil
}

// RecordTaskOutcome records a terminal sandbox state and the execution time.
func (m *Metrics) RecordTaskOutcome(ctx context.Context, state string, success bool, d time.Duration) {
	if m.taskOutcomes == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("state", state),
		attribute.Bool("success", success),
	)
	m.taskOutcomes.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// IncrementActiveTasks increments the active task counter.
func (m *Metrics) IncrementActiveTasks(ctx context.Context) {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, 1)
}

// DecrementActiveTasks decrements the active task counter.
func (m *Metrics) DecrementActiveTasks(ctx context.Context) {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, -1)
}

// RecordReportRetry increments the report retry counter.
func (m *Metrics) RecordReportRetry(ctx context.Context, op string) {
	if m.reportRetries == nil {
		return
	}
	m.reportRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// RecordCacheRefresh records one collector invocation of a telemetry cache.
func (m *Metrics) RecordCacheRefresh(ctx context.Context, source string, success bool, d time.Duration) {
	if m.cacheRefreshes == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	)
	m.cacheRefreshes.Add(ctx, 1, attrs)
	m.cacheRefreshTime.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// RecordBridgeCall records a guest call into a host capability.
func (m *Metrics) RecordBridgeCall(ctx context.Context, capability, function string, success bool) {
	if m.bridgeCalls == nil {
		return
	}

	m.bridgeCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("function", function),
		attribute.Bool("success", success),
	))
}

// RecordTransportError records a failed control-plane call.
func (m *Metrics) RecordTransportError(ctx context.Context, op string, retryable bool) {
	if m.transportErrors == nil {
		return
	}

	m.transportErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("retryable", retryable),
	))
}

// SetLastHeartbeat stores the time of the last acknowledged heartbeat for the
// observable gauge.
func (m *Metrics) SetLastHeartbeat(t time.Time) {
	m.lastHeartbeat.Store(t.Unix())
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatGaugeReg != nil {
		if err := m.heartbeatGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister heartbeat callback: %w", err)
		}
		m.heartbeatGaugeReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a shared no-op instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	noopMetricsOnce.Do(func() {
		cfg := DefaultMetricsConfig()
		mp := sdkmetric.NewMeterProvider()
		noopMetrics = &Metrics{
			config:        cfg,
			meterProvider: mp,
			meter:         mp.Meter(cfg.ServiceName),
			shutdown:      func(context.Context) error { return nil },
		}
	})
	return noopMetrics
}
