// Package scheduler pulls tasks from the control plane, runs them in the
// sandbox and reports every outcome exactly once.
//
// One fetch loop hands tasks to worker goroutines, bounded by
// Config.Concurrency. Heartbeats and host registration run on their own
// tickers and never wait on task execution.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/optimatist/psh/internal/events"
	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/sandbox"
	"github.com/optimatist/psh/internal/types"
)

// Executor runs one task to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, task types.Task) sandbox.Outcome
}

// HostInfoFunc gathers the host identity sent at registration.
type HostInfoFunc func(instanceID string) types.HostInfo

// Config configures a Scheduler.
type Config struct {
	InstanceID string

	// Concurrency bounds simultaneous executions. Minimum 1.
	Concurrency int

	// PollInterval is the wait after an empty or failed fetch. Default: 1s.
	PollInterval time.Duration

	// FetchRate caps GetTask calls per second. Default: 20.
	FetchRate float64

	// HeartbeatInterval default: 10s.
	HeartbeatInterval time.Duration

	// HostInfoInterval default: 5m.
	HostInfoInterval time.Duration

	ReportRetry RetryConfig

	// ReportGrace is how long pending reports keep retrying after shutdown
	// begins. Default: 30s.
	ReportGrace time.Duration

	// DedupeWindow is how long a reported task id is remembered. Default: 1h.
	DedupeWindow time.Duration
}

// RetryConfig shapes the report backoff.
type RetryConfig struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		PollInterval:      time.Second,
		FetchRate:         20,
		HeartbeatInterval: 10 * time.Second,
		HostInfoInterval:  5 * time.Minute,
		ReportRetry: RetryConfig{
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
		ReportGrace:  30 * time.Second,
		DedupeWindow: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FetchRate <= 0 {
		c.FetchRate = d.FetchRate
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HostInfoInterval <= 0 {
		c.HostInfoInterval = d.HostInfoInterval
	}
	if c.ReportRetry.Backoff <= 0 {
		c.ReportRetry.Backoff = d.ReportRetry.Backoff
	}
	if c.ReportRetry.MaxBackoff < c.ReportRetry.Backoff {
		c.ReportRetry.MaxBackoff = max(d.ReportRetry.MaxBackoff, c.ReportRetry.Backoff)
	}
	if c.ReportGrace <= 0 {
		c.ReportGrace = d.ReportGrace
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	return c
}

// taskState tracks one task id from fetch to report.
type taskState struct {
	reported   bool
	reportedAt time.Time

	// abandoned holds the outcome of a report that was given up. The next
	// delivery of the id reports it without running the task again.
	abandoned *sandbox.Outcome
}

// job is one claimed delivery. outcome is set when the task is not to be
// executed: it could not be decoded, or an earlier report was abandoned.
type job struct {
	task    types.Task
	outcome *sandbox.Outcome
}

// Scheduler drives task execution for one agent instance.
type Scheduler struct {
	cfg      Config
	client   rpc.Client
	exec     Executor
	hostInfo HostInfoFunc
	logger   *slog.Logger
	events   *events.EventLogger
	limiter  *rate.Limiter
	nowFunc  func() time.Time

	slots   chan struct{}
	active  atomic.Int64
	workers sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskState

	// reportCtx outlives the Run context by ReportGrace.
	reportCtx context.Context
}

// New creates a scheduler. hostInfo may be nil, in which case only the
// instance id is registered.
func New(cfg Config, client rpc.Client, exec Executor, hostInfo HostInfoFunc, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if hostInfo == nil {
		hostInfo = func(id string) types.HostInfo { return types.HostInfo{InstanceID: id} }
	}
	// The agent installs a global event logger for its instance.
	ev := events.GetGlobalEventLogger()
	if ev.InstanceID() != cfg.InstanceID {
		ev = events.FromLogger(logger, cfg.InstanceID)
	}
	return &Scheduler{
		cfg:       cfg,
		client:    client,
		exec:      exec,
		hostInfo:  hostInfo,
		logger:    logger.With("component", "scheduler"),
		events:    ev,
		limiter:   rate.NewLimiter(rate.Limit(cfg.FetchRate), 1),
		nowFunc:   time.Now,
		slots:     make(chan struct{}, cfg.Concurrency),
		tasks:     make(map[string]*taskState),
		reportCtx: context.Background(),
	}
}

// ActiveTasks returns the number of executing tasks.
func (s *Scheduler) ActiveTasks() int {
	return int(s.active.Load())
}

// Run schedules tasks until ctx is done, then waits for in-flight tasks to
// finish and be reported. Reports still failing ReportGrace after shutdown
// began are abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	reportCtx, cancelReports := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelReports()
	s.reportCtx = reportCtx

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.heartbeatLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		s.hostInfoLoop(ctx)
	}()

	s.logger.Info("scheduler started",
		"instance_id", s.cfg.InstanceID,
		"concurrency", s.cfg.Concurrency,
	)
	s.fetchLoop(ctx)

	s.logger.Info("scheduler stopping, waiting for in-flight tasks", "active", s.ActiveTasks())
	grace := time.AfterFunc(s.cfg.ReportGrace, cancelReports)
	s.workers.Wait()
	grace.Stop()
	loops.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunOnce fetches at most one task, runs it and reports it. It returns
// whether a task was run.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	s.reportCtx = ctx
	_ = s.sendHostInfo(ctx)
	j, ok, err := s.fetch(ctx)
	if err != nil || !ok {
		return false, err
	}
	s.slots <- struct{}{}
	s.workers.Add(1)
	s.work(ctx, j)
	if !s.reported(j.task.ID) {
		return true, errors.New("task report abandoned")
	}
	return true, nil
}

func (s *Scheduler) fetchLoop(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		if err := s.limiter.Wait(ctx); err != nil {
			<-s.slots
			return
		}

		j, ok, err := s.fetch(ctx)
		if err != nil || !ok {
			<-s.slots
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("fetch task failed", "error", err)
			}
			if !sleep(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		s.workers.Add(1)
		go s.work(ctx, j)
	}
}

// fetch asks for the next task and claims it. It returns ok=false with a
// nil error when the queue is empty or the delivery is a duplicate. A task
// that was handed out but could not be decoded is claimed with a
// load_failed outcome so that it is still reported.
func (s *Scheduler) fetch(ctx context.Context) (job, bool, error) {
	task, err := s.client.GetTask(ctx, s.cfg.InstanceID)
	var invalid *types.InvalidTaskError
	switch {
	case errors.As(err, &invalid):
		s.logger.Warn("fetched task is invalid", "task_id", invalid.TaskID, "error", invalid.Err)
		now := s.nowFunc()
		rejected := sandbox.Outcome{
			State:       sandbox.StateLoadFailed,
			Description: invalid.Err.Error(),
			StartedAt:   now,
			EndedAt:     now,
		}
		return s.claimOrSkip(types.Task{ID: invalid.TaskID}, &rejected)
	case err != nil:
		return job{}, false, err
	case task == nil:
		return job{}, false, nil
	}
	return s.claimOrSkip(*task, nil)
}

func (s *Scheduler) claimOrSkip(task types.Task, outcome *sandbox.Outcome) (job, bool, error) {
	j, ok := s.claim(task, outcome)
	if !ok {
		s.events.LogTaskDuplicate(task.ID)
	}
	return j, ok, nil
}

// claim registers a fetched id. It returns false when the id is already
// running or was reported within the dedupe window. An id whose report was
// abandoned is claimed again with its earlier outcome.
func (s *Scheduler) claim(task types.Task, outcome *sandbox.Outcome) (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for tid, st := range s.tasks {
		if st.reported && now.Sub(st.reportedAt) > s.cfg.DedupeWindow {
			delete(s.tasks, tid)
		}
	}
	if st, ok := s.tasks[task.ID]; ok {
		if st.abandoned == nil {
			return job{}, false
		}
		j := job{task: task, outcome: st.abandoned}
		st.abandoned = nil
		return j, true
	}
	s.tasks[task.ID] = &taskState{}
	return job{task: task, outcome: outcome}, true
}

// abandon keeps outcome for the next delivery of id.
func (s *Scheduler) abandon(id string, outcome sandbox.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		st.abandoned = &outcome
	}
}

func (s *Scheduler) markReported(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		st.reported = true
		st.reportedAt = s.nowFunc()
	}
}

func (s *Scheduler) reported(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	return ok && st.reported
}

// work executes one claimed task, unless its outcome is already known, and
// reports it. It owns one slot.
func (s *Scheduler) work(ctx context.Context, j job) {
	defer s.workers.Done()
	defer func() { <-s.slots }()

	if j.outcome != nil {
		s.report(j.task, *j.outcome)
		return
	}
	task := j.task

	metrics := pshotel.GetGlobalMetrics()
	s.active.Add(1)
	metrics.IncrementActiveTasks(ctx)
	s.events.LogTaskReceived(task.ID, len(task.Wasm), len(task.Args), task.EndTime.UnixMilli())

	// Shutdown does not abort a running task; its own deadline bounds it.
	outcome := s.exec.Execute(context.WithoutCancel(ctx), task)

	s.active.Add(-1)
	metrics.DecrementActiveTasks(ctx)
	s.events.LogTaskFinished(task.ID, outcome.ExecutionID, string(outcome.State),
		outcome.ExitCode, outcome.Cause(), outcome.Duration().Milliseconds())

	s.report(task, outcome)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
