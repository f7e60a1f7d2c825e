// Package main provides the psh-mockplane binary: an in-memory control plane
// that hands out local wasm files as tasks, for running an agent without
// real infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/optimatist/psh/internal/mockplane"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "psh-mockplane: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		addr      string
		transport string
		token     string
		deadline  time.Duration
		taskArgs  string
	)
	fs := pflag.NewFlagSet("psh-mockplane", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", ":8080", "listen address")
	fs.StringVar(&transport, "transport", rpc.TransportHTTP, "http or grpc")
	fs.StringVar(&token, "token", "", "required bearer token (empty disables auth)")
	fs.DurationVar(&deadline, "task-timeout", 30*time.Second, "deadline of each queued task, counted from startup")
	fs.StringVar(&taskArgs, "task-args", "", "space-separated arguments passed to every task")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: psh-mockplane [flags] [task.wasm ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if transport != rpc.TransportHTTP && transport != rpc.TransportGRPC {
		return fmt.Errorf("unknown transport %q", transport)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	plane := mockplane.New(token)

	for _, path := range fs.Args() {
		wasm, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		plane.Enqueue(types.Task{
			ID:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Wasm:    wasm,
			Args:    strings.Fields(taskArgs),
			EndTime: time.Now().Add(deadline),
		})
	}

	server := mockplane.NewServer(plane, addr, transport, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start mock control plane: %w", err)
	}
	logger.Info("tasks queued", "count", plane.Pending())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Stop(shutdownCtx)
			logger.Info("mock control plane stopped", "reported", len(plane.Reported()))
			return nil
		case <-ticker.C:
			logger.Info("status",
				"pending", plane.Pending(),
				"reported", len(plane.Reported()),
				"heartbeats", len(plane.Heartbeats()),
			)
		}
	}
}
