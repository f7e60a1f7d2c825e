package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/rpc"
	"github.com/optimatist/psh/internal/sandbox"
	"github.com/optimatist/psh/internal/types"
)

// exportPayload describes outcome for the control plane. A Completed
// execution with a nonzero exit status is reported as failed.
func exportPayload(instanceID string, task types.Task, o sandbox.Outcome) types.ExportPayload {
	p := types.ExportPayload{
		TaskID:      task.ID,
		InstanceID:  instanceID,
		ExecutionID: o.ExecutionID,
		Status:      types.TaskFailed,
		State:       string(o.State),
		Cause:       o.Cause(),
		Stdout:      o.Stdout,
		Stderr:      o.Stderr,
		StartedAtMs: o.StartedAt.UnixMilli(),
		EndedAtMs:   o.EndedAt.UnixMilli(),
		DurationMs:  o.Duration().Milliseconds(),
	}
	if o.Success() {
		p.Status = types.TaskCompleted
	}
	if o.State == sandbox.StateCompleted {
		code := o.ExitCode
		p.ExitCode = &code
	}
	return p
}

// report sends ExportData then TaskDone, retrying transient failures until
// both are accepted or the report context ends. Export is not repeated once
// accepted. A rejected export does not block TaskDone. When TaskDone is
// rejected or retries run out, the outcome is kept for the next delivery of
// the id.
func (s *Scheduler) report(task types.Task, outcome sandbox.Outcome) {
	ctx, span := pshotel.GetGlobalTracer().StartTaskSpan(s.reportCtx, pshotel.TaskSpanOptions{
		InstanceID:  s.cfg.InstanceID,
		TaskID:      task.ID,
		ExecutionID: outcome.ExecutionID,
		Phase:       "report",
	})
	defer span.End()

	payload := exportPayload(s.cfg.InstanceID, task, outcome)
	metrics := pshotel.GetGlobalMetrics()

	exported := false
	var rejected error
	attempts := 0
	op := ""
	operation := func() error {
		attempts++
		if !exported {
			op = "export_data"
			if err := s.client.ExportData(ctx, payload); err != nil {
				err = permanentUnlessRetryable(err)
				var perm *backoff.PermanentError
				if !errors.As(err, &perm) || ctx.Err() != nil {
					return err
				}
				rejected = perm.Err
				s.logger.Warn("export rejected, marking task done",
					"task_id", task.ID,
					"error", rejected,
				)
			}
			exported = true
		}
		op = "task_done"
		return permanentUnlessRetryable(s.client.TaskDone(ctx, task.ID))
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordReportRetry(ctx, op)
		pshotel.RecordRetry(span, attempts, err.Error())
		s.logger.Warn("report failed, retrying",
			"task_id", task.ID,
			"op", op,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(s.backoff(), ctx), notify)
	if err != nil {
		pshotel.RecordError(span, err, "report", false)
		s.abandon(task.ID, outcome)
		s.events.LogReportAbandoned(ctx, task.ID, err.Error())
		return
	}

	s.markReported(task.ID)
	status := string(payload.Status)
	if rejected != nil {
		pshotel.RecordError(span, rejected, "export_data", false)
		status = "export_rejected"
	}
	s.events.LogTaskReported(task.ID, status, attempts)
}

func (s *Scheduler) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReportRetry.Backoff
	b.MaxInterval = s.cfg.ReportRetry.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

func permanentUnlessRetryable(err error) error {
	if err == nil || rpc.IsRetryable(err) {
		return err
	}
	var te *rpc.TransportError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return err
}
