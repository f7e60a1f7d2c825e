// Package main provides the psh-run binary, which runs one local wasm task
// through the sandbox with the host capabilities linked, for debugging
// guests without a control plane.
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

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/optimatist/psh/internal/bridge"
	"github.com/optimatist/psh/internal/codec"
	"github.com/optimatist/psh/internal/sandbox"
	"github.com/optimatist/psh/internal/system"
	"github.com/optimatist/psh/internal/types"
)

type options struct {
	wasmPath    string
	args        []string
	timeout     time.Duration
	procRoot    string
	sysRoot     string
	memoryPages uint32
	noHost      bool
	diagnose    bool
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("psh-run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "task deadline")
	fs.StringVar(&opts.procRoot, "proc-root", "/proc", "procfs mount point")
	fs.StringVar(&opts.sysRoot, "sys-root", "/sys", "sysfs mount point")
	fs.Uint32Var(&opts.memoryPages, "memory-pages", 0, "guest memory limit in 64KiB pages (0 = default)")
	fs.BoolVar(&opts.noHost, "no-host", false, "link no host capabilities")
	fs.BoolVar(&opts.diagnose, "diagnose", false, "print guest stdout as CBOR diagnostic notation")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log sandbox events to stderr")
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: psh-run [flags] task.wasm [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return opts, errors.New("missing wasm file")
	}
	if opts.timeout <= 0 {
		return opts, errors.New("timeout must be positive")
	}
	opts.wasmPath = fs.Arg(0)
	opts.args = fs.Args()[1:]
	return opts, nil
}

type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitCode) ExitCode() int { return int(e) }

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	var code exitCode
	switch {
	case err == nil:
	case errors.Is(err, pflag.ErrHelp):
	case errors.As(err, &code):
		os.Exit(code.ExitCode())
	default:
		fmt.Fprintf(os.Stderr, "psh-run: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	wasm, err := os.ReadFile(opts.wasmPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	var linker sandbox.Linker
	if !opts.noHost {
		sys, err := system.New(system.Options{ProcRoot: opts.procRoot, SysRoot: opts.sysRoot})
		if err != nil {
			return err
		}
		linker = bridge.All(bridge.NewHost(sys))
	}

	cfg := sandbox.DefaultConfig()
	if opts.memoryPages > 0 {
		cfg.MemoryLimitPages = opts.memoryPages
	}
	rt, err := sandbox.New(cfg, linker, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	task := types.Task{
		ID:      "local-" + uuid.NewString(),
		Wasm:    wasm,
		Args:    opts.args,
		EndTime: time.Now().Add(opts.timeout),
	}
	out := rt.Execute(ctx, task)
	return report(stdout, stderr, out, opts.diagnose)
}

// report prints the guest output and the outcome. A failed outcome becomes
// the process exit status.
func report(stdout, stderr io.Writer, out sandbox.Outcome, diagnose bool) error {
	if diagnose && len(out.Stdout) > 0 {
		diag, err := codec.Diagnose(out.Stdout)
		if err != nil {
			fmt.Fprintf(stderr, "stdout is not CBOR: %v\n", err)
			_, _ = stdout.Write(out.Stdout)
		} else {
			fmt.Fprintln(stdout, diag)
		}
	} else {
		_, _ = stdout.Write(out.Stdout)
	}
	_, _ = stderr.Write(out.Stderr)

	fmt.Fprintf(stderr, "state=%s exit_code=%d duration=%s", out.State, out.ExitCode, out.Duration().Round(time.Microsecond))
	if out.OutputTruncated {
		fmt.Fprint(stderr, " output_truncated=true")
	}
	if cause := out.Cause(); cause != "" {
		fmt.Fprintf(stderr, " cause=%q", cause)
	}
	fmt.Fprintln(stderr)

	switch {
	case out.Success():
		return nil
	case out.State == sandbox.StateCompleted:
		return exitCode(out.ExitCode)
	default:
		return exitCode(1)
	}
}
