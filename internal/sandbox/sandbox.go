// Package sandbox runs task components in isolated wazero runtimes.
//
// Every execution gets its own runtime, so guest memory and instance state
// never outlive the task. Compiled code is shared through a compilation
// cache. The task deadline is the only cancellation signal: when it fires
// wazero aborts the guest and the outcome is TimedOut.
package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/types"
)

// ProgramName is argv[0] of every guest.
const ProgramName = "psh-task"

// Linker grants host capabilities to a runtime before the guest is
// instantiated.
type Linker interface {
	Link(ctx context.Context, r wazero.Runtime) error
}

// LinkerFunc adapts a function to Linker.
type LinkerFunc func(ctx context.Context, r wazero.Runtime) error

// Link calls f.
func (f LinkerFunc) Link(ctx context.Context, r wazero.Runtime) error {
	return f(ctx, r)
}

// Config configures the runtime.
type Config struct {
	// MemoryLimitPages caps guest linear memory in 64KiB pages. Default: 1024.
	MemoryLimitPages uint32

	// MaxOutputBytes caps captured stdout and stderr each. Default: 1MiB.
	MaxOutputBytes int

	// CloseGrace bounds how long after the deadline an outcome is produced.
	// Default: 2s.
	CloseGrace time.Duration

	// CacheDir persists compiled modules across restarts when set.
	CacheDir string
}

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		MemoryLimitPages: 1024,
		MaxOutputBytes:   1 << 20,
		CloseGrace:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = d.MemoryLimitPages
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	return c
}

// Runtime executes tasks. It is safe for concurrent use.
type Runtime struct {
	cfg           Config
	linker        Linker
	cache         wazero.CompilationCache
	runtimeConfig wazero.RuntimeConfig
	logger        *slog.Logger
	nowFunc       func() time.Time
}

// New creates a Runtime. linker may be nil to grant no host capabilities.
func New(cfg Config, linker Linker, logger *slog.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	cache := wazero.NewCompilationCache()
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache: %w", err)
		}
	}

	return &Runtime{
		cfg:    cfg,
		linker: linker,
		cache:  cache,
		runtimeConfig: wazero.NewRuntimeConfig().
			WithCompilationCache(cache).
			WithCloseOnContextDone(true).
			WithMemoryLimitPages(cfg.MemoryLimitPages),
		logger:  logger.With("component", "sandbox"),
		nowFunc: time.Now,
	}, nil
}

// Close releases the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// Execute runs task to a terminal state. It never returns an error: every
// failure is described by the Outcome.
func (r *Runtime) Execute(ctx context.Context, task types.Task) Outcome {
	out := Outcome{
		ExecutionID: uuid.NewString(),
		State:       StateLoading,
		StartedAt:   r.nowFunc(),
	}
	logger := r.logger.With("task_id", task.ID, "execution_id", out.ExecutionID)

	ctx, span := pshotel.GetGlobalTracer().StartTaskSpan(ctx, pshotel.TaskSpanOptions{
		TaskID:      task.ID,
		ExecutionID: out.ExecutionID,
		Phase:       "execute",
	})
	defer span.End()

	r.run(ctx, task, &out, logger)

	out.EndedAt = r.nowFunc()
	span.SetAttributes(attribute.String("psh.task.state", string(out.State)))
	if !out.Success() {
		pshotel.RecordError(span, errors.New(out.Cause()), string(out.State), false)
	}
	pshotel.GetGlobalMetrics().RecordTaskOutcome(ctx, string(out.State), out.Success(), out.Duration())

	logger.Info("task execution finished",
		"state", out.State,
		"exit_code", out.ExitCode,
		"duration", out.Duration(),
		"cause", out.Cause(),
	)
	return out
}

func (r *Runtime) run(ctx context.Context, task types.Task, out *Outcome, logger *slog.Logger) {
	if task.Expired(out.StartedAt) {
		out.State = StateTimedOut
		out.Description = "deadline passed before start"
		return
	}

	ctx, cancel := context.WithDeadline(ctx, task.EndTime)
	defer cancel()

	rt := wazero.NewRuntimeWithConfig(ctx, r.runtimeConfig)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), r.cfg.CloseGrace)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("close wasm runtime", "error", err)
		}
	}()

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)
	defer func() {
		var outTrunc, errTrunc bool
		out.Stdout, outTrunc = stdout.Bytes()
		out.Stderr, errTrunc = stderr.Bytes()
		out.OutputTruncated = outTrunc || errTrunc
	}()

	// 1. Load: WASI, host capabilities, compile.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		r.loadFailed(ctx, out, "link wasi", err)
		return
	}
	if r.linker != nil {
		if err := r.linker.Link(ctx, rt); err != nil {
			r.loadFailed(ctx, out, "link host capabilities", err)
			return
		}
	}
	compiled, err := rt.CompileModule(ctx, task.Wasm)
	if err != nil {
		r.loadFailed(ctx, out, "compile", err)
		return
	}

	// 2. Instantiate without running start functions.
	args := append([]string{ProgramName}, task.Args...)
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithStartFunctions().
		WithArgs(args...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader))
	if err != nil {
		r.loadFailed(ctx, out, "instantiate", err)
		return
	}
	out.State = StateInstantiated

	entry := mod.ExportedFunction("_start")
	if entry == nil {
		out.State = StateLoadFailed
		out.Description = "module does not export _start"
		return
	}

	// 3. Run until return, exit, trap or deadline.
	out.State = StateRunning
	done := make(chan error, 1)
	go func() {
		_, err := entry.Call(ctx)
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(r.cfg.CloseGrace)
		defer grace.Stop()
		select {
		case err = <-done:
		case <-grace.C:
			logger.Warn("guest did not stop within close grace", "grace", r.cfg.CloseGrace)
			out.State = StateTimedOut
			out.Description = "guest did not stop within close grace"
			return
		}
	}

	classify(ctx, err, out)
}

func (r *Runtime) loadFailed(ctx context.Context, out *Outcome, step string, err error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.State = StateTimedOut
		out.Description = "deadline reached while loading"
		return
	}
	out.State = StateLoadFailed
	out.Description = step + ": " + firstLine(err.Error())
}

// classify maps the entry point result to a terminal state.
func classify(ctx context.Context, err error, out *Outcome) {
	if err == nil {
		out.State = StateCompleted
		return
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			out.State = StateTimedOut
		case sys.ExitCodeContextCanceled:
			out.State = StateTrapped
			out.Description = "execution canceled"
		default:
			out.State = StateCompleted
			out.ExitCode = exitErr.ExitCode()
		}
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.State = StateTimedOut
		return
	}
	out.State = StateTrapped
	out.Description = firstLine(err.Error())
	if out.Description == "" {
		out.Description = "unknown trap"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
