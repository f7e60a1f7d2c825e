// Package config loads the agent configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/sandbox"
	"github.com/optimatist/psh/internal/scheduler"
	"github.com/optimatist/psh/internal/system"
)

// TokenEnv overrides the configured control plane token.
const TokenEnv = "PSH_TOKEN"

// Config is the agent configuration.
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	System    SystemConfig    `yaml:"system"`
	OTel      OTelConfig      `yaml:"otel"`
	Log       LogConfig       `yaml:"log"`
}

type RPCConfig struct {
	Addr           string        `yaml:"addr"`
	Transport      string        `yaml:"transport"`
	Token          string        `yaml:"token"`
	TokenFile      string        `yaml:"token_file"`
	InstanceIDFile string        `yaml:"instance_id_file"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Insecure       bool          `yaml:"insecure"`
}

type SchedulerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	FetchRate         float64       `yaml:"fetch_rate"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HostInfoInterval  time.Duration `yaml:"host_info_interval"`
	ReportBackoff     time.Duration `yaml:"report_backoff"`
	ReportMaxBackoff  time.Duration `yaml:"report_max_backoff"`
	ReportGrace       time.Duration `yaml:"report_grace"`
}

type SandboxConfig struct {
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	CloseGrace       time.Duration `yaml:"close_grace"`
	CacheDir         string        `yaml:"cache_dir"`
}

type SystemConfig struct {
	ProcRoot   string        `yaml:"proc_root"`
	SysRoot    string        `yaml:"sys_root"`
	MaxAge     time.Duration `yaml:"max_age"`
	InfoMaxAge time.Duration `yaml:"info_max_age"`
}

type OTelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	_ = cfg.resolveToken()
	return cfg
}

// Load reads, defaults and validates the file at path, then resolves the
// token from PSH_TOKEN or rpc.token_file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load for an in-memory document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.resolveToken(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPC.Transport == "" {
		c.RPC.Transport = rpc.TransportHTTP
	}
	if c.RPC.InstanceIDFile == "" {
		c.RPC.InstanceIDFile = "/var/lib/psh/instance_id"
	}
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 10 * time.Second
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = rpc.DefaultRetryConfig().MaxRetries
	}

	sd := scheduler.DefaultConfig()
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = sd.Concurrency
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = sd.PollInterval
	}
	if c.Scheduler.FetchRate == 0 {
		c.Scheduler.FetchRate = sd.FetchRate
	}
	if c.Scheduler.HeartbeatInterval == 0 {
		c.Scheduler.HeartbeatInterval = sd.HeartbeatInterval
	}
	if c.Scheduler.HostInfoInterval == 0 {
		c.Scheduler.HostInfoInterval = sd.HostInfoInterval
	}
	if c.Scheduler.ReportBackoff == 0 {
		c.Scheduler.ReportBackoff = sd.ReportRetry.Backoff
	}
	if c.Scheduler.ReportMaxBackoff == 0 {
		c.Scheduler.ReportMaxBackoff = sd.ReportRetry.MaxBackoff
	}
	if c.Scheduler.ReportGrace == 0 {
		c.Scheduler.ReportGrace = sd.ReportGrace
	}

	bd := sandbox.DefaultConfig()
	if c.Sandbox.MemoryLimitPages == 0 {
		c.Sandbox.MemoryLimitPages = bd.MemoryLimitPages
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = bd.MaxOutputBytes
	}
	if c.Sandbox.CloseGrace == 0 {
		c.Sandbox.CloseGrace = bd.CloseGrace
	}

	if c.System.ProcRoot == "" {
		c.System.ProcRoot = "/proc"
	}
	if c.System.SysRoot == "" {
		c.System.SysRoot = "/sys"
	}
	if c.System.MaxAge == 0 {
		c.System.MaxAge = time.Second
	}
	if c.System.InfoMaxAge == 0 {
		c.System.InfoMaxAge = time.Minute
	}

	if c.OTel.Exporter == "" {
		c.OTel.Exporter = string(pshotel.ExporterNone)
	}
	if c.OTel.SampleRate == 0 {
		c.OTel.SampleRate = 1.0
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// resolveToken applies PSH_TOKEN, then rpc.token_file, then rpc.token.
func (c *Config) resolveToken() error {
	if env := strings.TrimSpace(os.Getenv(TokenEnv)); env != "" {
		c.RPC.Token = env
		return nil
	}
	if c.RPC.TokenFile != "" {
		b, err := os.ReadFile(c.RPC.TokenFile)
		if err != nil {
			return fmt.Errorf("read rpc.token_file: %w", err)
		}
		c.RPC.Token = strings.TrimSpace(string(b))
	}
	return nil
}

func (c *Config) validate() error {
	switch c.RPC.Transport {
	case rpc.TransportHTTP, rpc.TransportGRPC:
	default:
		return fmt.Errorf("rpc.transport must be %q or %q, got %q", rpc.TransportHTTP, rpc.TransportGRPC, c.RPC.Transport)
	}
	if c.RPC.Timeout < 0 {
		return fmt.Errorf("rpc.timeout must not be negative")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	for name, d := range map[string]time.Duration{
		"scheduler.poll_interval":      c.Scheduler.PollInterval,
		"scheduler.heartbeat_interval": c.Scheduler.HeartbeatInterval,
		"scheduler.host_info_interval": c.Scheduler.HostInfoInterval,
		"scheduler.report_backoff":     c.Scheduler.ReportBackoff,
		"sandbox.close_grace":          c.Sandbox.CloseGrace,
		"system.max_age":               c.System.MaxAge,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Scheduler.ReportMaxBackoff < c.Scheduler.ReportBackoff {
		return fmt.Errorf("scheduler.report_max_backoff must be at least scheduler.report_backoff")
	}
	if c.Sandbox.MemoryLimitPages > 65536 {
		return fmt.Errorf("sandbox.memory_limit_pages must be at most 65536, got %d", c.Sandbox.MemoryLimitPages)
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if _, err := pshotel.ParseExporterType(c.OTel.Exporter); err != nil {
		return fmt.Errorf("otel.exporter: %w", err)
	}
	if c.OTel.SampleRate < 0 || c.OTel.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate must be within [0, 1]")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// RequireControlPlane checks the settings needed to reach the control
// plane.
func (c *Config) RequireControlPlane() error {
	if c.RPC.Addr == "" {
		return fmt.Errorf("rpc.addr is required")
	}
	if c.RPC.Token == "" {
		return fmt.Errorf("no control plane token: set %s, rpc.token_file or rpc.token", TokenEnv)
	}
	return nil
}

// RPCClientConfig converts the rpc section.
func (c *Config) RPCClientConfig() rpc.Config {
	retry := rpc.DefaultRetryConfig()
	retry.MaxRetries = max(c.RPC.MaxRetries, 0)
	return rpc.Config{
		Addr:      c.RPC.Addr,
		Transport: c.RPC.Transport,
		Token:     c.RPC.Token,
		Timeout:   c.RPC.Timeout,
		Retry:     retry,
		Insecure:  c.RPC.Insecure,
	}
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig(instanceID string) scheduler.Config {
	return scheduler.Config{
		InstanceID:        instanceID,
		Concurrency:       c.Scheduler.Concurrency,
		PollInterval:      c.Scheduler.PollInterval,
		FetchRate:         c.Scheduler.FetchRate,
		HeartbeatInterval: c.Scheduler.HeartbeatInterval,
		HostInfoInterval:  c.Scheduler.HostInfoInterval,
		ReportRetry: scheduler.RetryConfig{
			Backoff:    c.Scheduler.ReportBackoff,
			MaxBackoff: c.Scheduler.ReportMaxBackoff,
		},
		ReportGrace: c.Scheduler.ReportGrace,
	}
}

// SandboxConfig converts the sandbox section.
func (c *Config) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		MemoryLimitPages: c.Sandbox.MemoryLimitPages,
		MaxOutputBytes:   c.Sandbox.MaxOutputBytes,
		CloseGrace:       c.Sandbox.CloseGrace,
		CacheDir:         c.Sandbox.CacheDir,
	}
}

// SystemOptions converts the system section.
func (c *Config) SystemOptions() system.Options {
	return system.Options{
		ProcRoot:   c.System.ProcRoot,
		SysRoot:    c.System.SysRoot,
		MaxAge:     c.System.MaxAge,
		InfoMaxAge: c.System.InfoMaxAge,
	}
}

// TracerConfig converts the otel section for tracing.
func (c *Config) TracerConfig(version string) *pshotel.Config {
	exporter, _ := pshotel.ParseExporterType(c.OTel.Exporter)
	cfg := pshotel.DefaultConfig()
	cfg.Enabled = c.OTel.Enabled
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.OTel.Endpoint
	cfg.OTLPInsecure = c.OTel.Insecure
	cfg.SampleRate = c.OTel.SampleRate
	return cfg
}

// MetricsConfig converts the otel section for metrics.
func (c *Config) MetricsConfig(version string) *pshotel.MetricsConfig {
	exporter, _ := pshotel.ParseExporterType(c.OTel.Exporter)
	cfg := pshotel.DefaultMetricsConfig()
	cfg.Enabled = c.OTel.Enabled
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.OTel.Endpoint
	cfg.OTLPInsecure = c.OTel.Insecure
	return cfg
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
