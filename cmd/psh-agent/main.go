// Package main provides the psh-agent binary: it registers with the control
// plane, then pulls wasm tasks and runs them in the sandbox until stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/optimatist/psh/internal/bridge"
	"github.com/optimatist/psh/internal/config"
	"github.com/optimatist/psh/internal/events"
	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/sandbox"
	"github.com/optimatist/psh/internal/scheduler"
	"github.com/optimatist/psh/internal/system"
	"github.com/optimatist/psh/internal/types"
)

var version = "dev"

type options struct {
	configPath string
	logLevel   string
	once       bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("psh-agent", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	fs.BoolVar(&opts.once, "once", false, "run at most one task, report it and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		if _, err := config.ParseLevel(opts.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = opts.logLevel
	}
	return cfg, cfg.RequireControlPlane()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "psh-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger(os.Stderr).With("service", pshotel.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := setupOTel(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownOTel()

	sys, err := system.New(cfg.SystemOptions())
	if err != nil {
		return fmt.Errorf("init system providers: %w", err)
	}

	rt, err := sandbox.New(cfg.SandboxConfig(), bridge.All(bridge.NewHost(sys)), logger)
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()

	client, err := rpc.New(cfg.RPCClientConfig())
	if err != nil {
		return err
	}
	defer client.Close()

	instanceID, err := rpc.LoadOrCreateInstanceID(ctx, cfg.RPC.InstanceIDFile, client)
	if err != nil {
		return err
	}
	events.SetGlobalEventLogger(events.FromLogger(logger, instanceID))
	logger.Info("psh agent starting",
		"version", version,
		"instance_id", instanceID,
		"control_plane", cfg.RPC.Addr,
		"transport", cfg.RPC.Transport,
		"concurrency", cfg.Scheduler.Concurrency,
	)

	hostInfo := func(id string) types.HostInfo { return rpc.CollectHostInfo(sys, id) }
	sched := scheduler.New(cfg.SchedulerConfig(instanceID), client, rt, hostInfo, logger)

	if opts.once {
		ran, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			logger.Info("no task available")
		}
		return nil
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	logger.Info("psh agent stopped")
	return nil
}

// setupOTel installs the global tracer and meter. The returned function
// flushes and shuts them down.
func setupOTel(ctx context.Context, cfg *config.Config) (func(), error) {
	tracer, err := pshotel.NewTracer(ctx, cfg.TracerConfig(version))
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	pshotel.SetGlobalTracer(tracer)

	metrics, err := pshotel.NewMetrics(ctx, cfg.MetricsConfig(version))
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	pshotel.SetGlobalMetrics(metrics)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(ctx); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
		if err := tracer.Shutdown(ctx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}, nil
}
